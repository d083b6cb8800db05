package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/translate"
)

// relayResult is what reached the client and what it cost.
type relayResult struct {
	usage    hub.Usage
	outChars int
	written  bool // response status already sent to the client
	err      error
}

// relayStream pipes the upstream SSE through the dialect bridge into the
// client connection.
func (ex *exchange) relayStream(w http.ResponseWriter, reply *upstreamReply) relayResult {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	ex.outcome.StatusCode = http.StatusOK

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	res, err := translate.PipeStream(w, flush, reply.resp.Body, reply.upstream.Family, ex.req.Family, ex.req.Model)
	// A watchdog cause is more precise than the read error it provoked.
	if werr := reply.resp.Err(); werr != nil {
		err = werr
	}
	return relayResult{usage: res.Usage, outChars: res.OutputChars, written: true, err: err}
}

// relayBuffered reads the whole upstream body, renders it in the client
// dialect and writes it out. Cross-family bodies are re-encoded; same-family
// bodies pass through untouched so unmodeled fields survive.
func (ex *exchange) relayBuffered(w http.ResponseWriter, reply *upstreamReply) relayResult {
	body, err := io.ReadAll(reply.resp.Body)
	if err != nil {
		if werr := reply.resp.Err(); werr != nil {
			err = werr
		}
		return relayResult{err: err}
	}
	if ex.settings.RepairTruncatedJSON {
		body, _ = translate.RepairJSON(body)
	}

	usage := translate.ExtractUsage(reply.upstream.Family, body)
	outChars := 0
	if reply.upstream.Family != ex.req.Family || usage.IsZero() {
		resp, derr := translate.DecodeResponse(reply.upstream.Family, body)
		if derr != nil {
			return relayResult{err: derr}
		}
		outChars = responseChars(resp)
		if usage.IsZero() {
			usage = resp.Usage
		}
		if reply.upstream.Family != ex.req.Family {
			resp.Model = ex.req.Model
			body, derr = translate.EncodeResponse(ex.req.Family, resp)
			if derr != nil {
				return relayResult{err: derr}
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	ex.outcome.StatusCode = http.StatusOK
	if _, werr := w.Write(body); werr != nil {
		return relayResult{usage: usage, outChars: outChars, written: true,
			err: fmt.Errorf("%w: client write: %v", hub.ErrCancelled, werr)}
	}
	ex.r.deps.Sessions.StoreResponseBody(ex.httpReq.Context(), ex.sess.ID, ex.sess.RequestSequence, body)
	return relayResult{usage: usage, outChars: outChars, written: true}
}

// responseChars approximates the visible output size of a decoded response,
// feeding the usage estimator when the provider reported nothing.
func responseChars(resp *translate.Response) int {
	n := 0
	for _, b := range resp.Blocks {
		n += len(b.Text) + len(b.Input)
	}
	return n
}

// settle runs post-delivery accounting: usage normalization, cost, the
// breaker verdict, window tracking, session counters and the affinity
// write. It runs exactly once per upstream reply, on success and on
// mid-delivery failure alike.
func (ex *exchange) settle(reply *upstreamReply, result relayResult) {
	r := ex.r
	ctx := context.WithoutCancel(ex.httpReq.Context())
	p := reply.provider

	usage := result.usage
	if usage.IsZero() {
		usage = translate.EstimateUsage(ex.req.InputChars(), result.outChars, ex.sess.LastInputSize)
	} else if p.SimulateCacheUsage {
		usage = translate.SimulateCache(usage, ex.sess.LastInputSize)
	}

	var cost float64
	if prices, err := r.deps.Cache.Prices(ctx); err == nil {
		price, ok := priceFor(prices, reply.upstream.Model)
		if !ok {
			price, ok = priceFor(prices, ex.req.Model)
		}
		if ok {
			cost = p.EffectiveMultiplier() * price.Cost(usage)
		}
	}

	o := ex.outcome
	o.Usage = usage
	o.CostUSD = cost
	o.CostMultiplier = p.EffectiveMultiplier()

	switch {
	case result.err == nil:
		r.deps.Breakers.RecordSuccess(p)
	case circuitbreaker.Countable(result.err, r.opts.CountNetworkErrors):
		r.deps.Breakers.RecordFailure(p)
		o.ErrorMessage = result.err.Error()
	default:
		r.deps.Breakers.Absolve(p)
		o.ErrorMessage = result.err.Error()
	}
	if result.err != nil && errors.Is(result.err, hub.ErrCancelled) {
		o.StatusCode = statusClientClosed
	}

	if err := r.deps.Limits.TrackCost(ctx, ex.identity.Key.ID, p.ID, ex.sess.ID, o.ID, cost); err != nil {
		r.log.Warn("cost tracking failed", "request", o.ID, "error", err)
	}
	user := ex.identity.User
	if err := r.deps.Limits.TrackUserDailyCost(ctx, user.ID, cost, user.DailyResetTime, user.DailyResetMode); err != nil {
		r.log.Warn("user daily tracking failed", "request", o.ID, "error", err)
	}
	if err := r.deps.Sessions.AddUsage(ctx, ex.sess.ID, usage, cost); err != nil {
		r.log.Warn("session usage update failed", "session", ex.sess.ID, "error", err)
	}
	if err := r.deps.Sessions.SetLastProvider(ctx, ex.sess.ID, p.ID); err != nil {
		r.log.Warn("session affinity update failed", "session", ex.sess.ID, "error", err)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.TokensProcessed.WithLabelValues(o.Model, "input").Add(float64(usage.TotalInput()))
		r.deps.Metrics.TokensProcessed.WithLabelValues(o.Model, "output").Add(float64(usage.OutputTokens))
	}
	ex.release(ctx)
}
