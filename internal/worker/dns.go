package worker

import (
	"context"
	"time"
)

const defaultDNSInterval = 5 * time.Minute

// Refresher re-resolves cached DNS entries.
type Refresher interface {
	RefreshDNS()
}

// DNSRefresher periodically refreshes the forwarder's DNS cache so pooled
// connections pick up provider IP rotations.
type DNSRefresher struct {
	refresher Refresher
	interval  time.Duration
}

// NewDNSRefresher creates a DNSRefresher. interval <= 0 selects the
// five minute default.
func NewDNSRefresher(r Refresher, interval time.Duration) *DNSRefresher {
	if interval <= 0 {
		interval = defaultDNSInterval
	}
	return &DNSRefresher{refresher: r, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresher" }

// Run refreshes on every tick until ctx is cancelled.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refresher.RefreshDNS()
		case <-ctx.Done():
			return nil
		}
	}
}
