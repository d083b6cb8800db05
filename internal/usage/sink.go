// Package usage persists request outcomes off the hot path. The relay hands
// every request to the sink twice: a provisional row at admission so
// in-flight work is queryable, and the terminal row when the request
// concludes. Both land in the same table through upserts keyed by outcome id.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/config"
	"github.com/relaymesh/cch/internal/telemetry"
)

const (
	defaultBatchSize  = 200
	defaultInterval   = 250 * time.Millisecond
	defaultMaxPending = 5000
	drainTimeout      = 30 * time.Second
)

// Store is the persistence surface the sink writes through.
type Store interface {
	UpsertOutcomes(ctx context.Context, rows []*hub.RequestOutcome) error
}

// Options tune the sink. Zero values take the async defaults.
type Options struct {
	// WriteMode is config.WriteModeAsync or config.WriteModeSync. Sync
	// writes each row durably before returning.
	WriteMode string

	FlushInterval time.Duration
	BatchSize     int
	MaxPending    int
}

// entry is one queued write. Inserts are admission rows and are never
// dropped; updates are finalizations and give way under pressure, since a
// newer update for the row will land eventually or the row stays visibly
// in-flight.
type entry struct {
	row    *hub.RequestOutcome
	insert bool
}

// Sink buffers outcome rows and batch-flushes them through one writer
// goroutine. Enqueueing never blocks the request path.
type Sink struct {
	store   Store
	metrics *telemetry.Metrics
	log     *slog.Logger
	opts    Options

	mu      sync.Mutex
	pending []entry
	wake    chan struct{}
}

// New builds a sink. Run must be started for async mode to drain.
func New(st Store, m *telemetry.Metrics, opts Options, log *slog.Logger) *Sink {
	if opts.WriteMode == "" {
		opts.WriteMode = config.WriteModeAsync
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		store:   st,
		metrics: m,
		log:     log,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the worker identifier.
func (s *Sink) Name() string { return "usage_sink" }

// Admit records a provisional row for a request heading upstream.
func (s *Sink) Admit(ctx context.Context, o *hub.RequestOutcome) {
	if s.opts.WriteMode == config.WriteModeSync {
		s.write(context.WithoutCancel(ctx), []*hub.RequestOutcome{o})
		return
	}
	s.enqueue(entry{row: o, insert: true})
}

// Finalize records the terminal row for a request.
func (s *Sink) Finalize(ctx context.Context, o *hub.RequestOutcome) {
	if s.opts.WriteMode == config.WriteModeSync {
		s.write(context.WithoutCancel(ctx), []*hub.RequestOutcome{o})
		return
	}
	s.enqueue(entry{row: o, insert: false})
}

func (s *Sink) enqueue(e entry) {
	s.mu.Lock()
	if len(s.pending) >= s.opts.MaxPending && !s.shedLocked(e.row.ID) && !e.insert {
		s.mu.Unlock()
		s.shedMetric()
		s.log.Warn("usage update dropped, queue full", "outcome", e.row.ID)
		return
	}
	s.pending = append(s.pending, e)
	n := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UsageQueueLength.Set(float64(n))
	}
	if n >= s.opts.BatchSize {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// shedLocked evicts one pending update to make room, preferring an older
// update for the same row (it is superseded anyway), else the oldest update
// of any row. Inserts are never evicted.
func (s *Sink) shedLocked(rowID string) bool {
	idx := -1
	for i, p := range s.pending {
		if p.insert {
			continue
		}
		if idx == -1 {
			idx = i
		}
		if p.row.ID == rowID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	shed := s.pending[idx].row.ID
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	s.shedMetric()
	s.log.Warn("usage update shed, queue full", "outcome", shed)
	return true
}

func (s *Sink) shedMetric() {
	if s.metrics != nil {
		s.metrics.UsageSheds.Inc()
	}
}

// Run drains the queue until ctx is cancelled, then flushes what remains
// under the drain deadline.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.flushPending(ctx)
		case <-ticker.C:
			s.flushPending(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			s.flushPending(drainCtx)
			return nil
		}
	}
}

func (s *Sink) flushPending(ctx context.Context) {
	for {
		batch := s.take(s.opts.BatchSize)
		if len(batch) == 0 {
			return
		}
		s.write(ctx, batch)
	}
}

// take removes up to n rows from the head of the queue.
func (s *Sink) take(n int) []*hub.RequestOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	n = min(n, len(s.pending))
	rows := make([]*hub.RequestOutcome, n)
	for i := range rows {
		rows[i] = s.pending[i].row
	}
	s.pending = append(s.pending[:0], s.pending[n:]...)
	if s.metrics != nil {
		s.metrics.UsageQueueLength.Set(float64(len(s.pending)))
	}
	return rows
}

func (s *Sink) write(ctx context.Context, rows []*hub.RequestOutcome) {
	rows = collapse(rows)
	if err := s.store.UpsertOutcomes(ctx, rows); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(rows)),
			slog.String("error", err.Error()),
		)
	}
}

// collapse keeps the newest row per id; a multi-row upsert cannot touch the
// same id twice, and an admit and its finalize often share a batch.
func collapse(rows []*hub.RequestOutcome) []*hub.RequestOutcome {
	idx := make(map[string]int, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if i, ok := idx[r.ID]; ok {
			out[i] = r
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}
