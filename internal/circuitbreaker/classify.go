package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	hub "github.com/relaymesh/cch/internal"
)

// Countable reports whether a request failure should count against the
// provider's breaker. Upstream 5xx and timeouts count. Plain network faults
// count only when the deployment opts in
// (ENABLE_CIRCUIT_BREAKER_ON_NETWORK_ERRORS). Client-induced failures, 4xx
// and cancellations, never count.
func Countable(err error, countNetworkErrors bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, hub.ErrCancelled) {
		return false
	}

	var ue *hub.UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500
	}

	if errors.Is(err, hub.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	if errors.Is(err, hub.ErrConnection) {
		return countNetworkErrors
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return countNetworkErrors
	}

	// Unclassified transport faults follow the network-error policy.
	return countNetworkErrors
}
