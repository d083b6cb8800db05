package relay

import (
	"context"
	"errors"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/circuitbreaker"
	"github.com/relaymesh/cch/internal/forward"
	"github.com/relaymesh/cch/internal/resolver"
	"github.com/relaymesh/cch/internal/translate"
)

// upstreamReply is a successful attempt: the provider that answered, the
// request that was sent and the open response.
type upstreamReply struct {
	provider *hub.Provider
	upstream *translate.Upstream
	resp     *forward.Response
}

// forwardLoop resolves and calls providers until one answers, the error
// stops being retryable, or the attempt budget runs out. The budget starts
// at maxAttempts and narrows to the smallest maxRetryAttempts among the
// providers actually tried.
func (r *Relay) forwardLoop(ctx context.Context, ex *exchange) (*upstreamReply, error) {
	tried := make(map[string]bool)
	budget := maxAttempts
	var lastErr error

	for attempt := 0; attempt < budget; attempt++ {
		res, err := r.deps.Resolver.Resolve(ctx, resolver.Request{
			User:         ex.identity.User,
			Key:          ex.identity.Key,
			Model:        ex.req.Model,
			Family:       ex.in.Family,
			SessionID:    ex.sess.ID,
			LastProvider: ex.sess.LastProviderID,
			Tried:        tried,
		})
		if err != nil {
			// Out of candidates. A previous attempt's error is the better
			// diagnostic when there is one.
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		for _, skip := range res.Skipped {
			ex.outcome.ProviderChain = append(ex.outcome.ProviderChain, skip)
			tried[skip.ProviderID] = true
			r.countOutcome(skip.ProviderID, hub.AttemptBusy)
		}
		p := res.Provider
		if res.Tracked {
			ex.resv = &reservation{providerID: p.ID, sessionID: ex.sess.ID}
		}
		if m := p.Breaker.MaxRetryAttempts; m > 0 && m < budget {
			budget = m
		}

		us, err := translate.BuildUpstream(translate.BuildInput{
			Req:      ex.req,
			Provider: p,
			Filters:  r.filters(ctx),
			Settings: ex.settings,
			Header:   ex.httpReq.Header,
		})
		if err != nil {
			ex.release(ctx)
			return nil, err
		}

		resp, err := r.deps.Sender.Do(ctx, forward.Call{
			Provider: p,
			Endpoint: pickEndpoint(p),
			Family:   us.Family,
			Model:    us.Model,
			Body:     us.Body,
			Header:   us.Header,
			Stream:   ex.req.Stream,
			HTTP2:    ex.settings.EnableHTTP2 || p.ForceHTTP2,
		})
		if err == nil {
			ex.noteAttempt(p, nil)
			return &upstreamReply{provider: p, upstream: us, resp: resp}, nil
		}

		ex.noteAttempt(p, err)
		ex.release(ctx)
		lastErr = err
		if !hub.Retryable(err) {
			break
		}
		tried[p.ID] = true
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, hub.ErrNoProviderAvailable
}

// noteAttempt records one attempt in the provider chain and feeds the
// breaker. A nil err is a success; its breaker verdict waits for delivery.
func (ex *exchange) noteAttempt(p *hub.Provider, err error) {
	outcome := hub.AttemptOK
	if err != nil {
		outcome = attemptOutcome(err)
	}
	ex.outcome.ProviderChain = append(ex.outcome.ProviderChain, hub.ChainEntry{ProviderID: p.ID, Outcome: outcome})
	ex.outcome.ProviderID = p.ID
	ex.r.countOutcome(p.ID, outcome)
	if err != nil && circuitbreaker.Countable(err, ex.r.opts.CountNetworkErrors) {
		ex.r.deps.Breakers.RecordFailure(p)
	}
}

// attemptOutcome maps an attempt error onto the chain vocabulary.
func attemptOutcome(err error) string {
	var ue *hub.UpstreamError
	switch {
	case errors.As(err, &ue):
		if ue.StatusCode >= 500 {
			return hub.Attempt5xx
		}
		return hub.Attempt4xx
	case errors.Is(err, hub.ErrTimeout):
		return hub.AttemptTimeout
	case errors.Is(err, hub.ErrCancelled):
		return hub.AttemptCancelled
	default:
		return hub.AttemptConnection
	}
}

// pickEndpoint selects the preferred enabled endpoint override, nil when
// the provider routes through its base URL.
func pickEndpoint(p *hub.Provider) *hub.Endpoint {
	var best *hub.Endpoint
	for i := range p.Endpoints {
		ep := &p.Endpoints[i]
		if !ep.Enabled {
			continue
		}
		if best == nil || ep.Priority < best.Priority {
			best = ep
		}
	}
	return best
}

// filters loads the enabled request filters in the form BuildUpstream wants.
func (r *Relay) filters(ctx context.Context) []*hub.RequestFilter {
	rows, err := r.deps.Cache.Filters(ctx)
	if err != nil || len(rows) == 0 {
		return nil
	}
	out := make([]*hub.RequestFilter, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out
}

func (r *Relay) countOutcome(provider, outcome string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.ProviderOutcomes.WithLabelValues(provider, outcome).Inc()
	}
}
