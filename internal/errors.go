package hub

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay domain. The server edge maps these to HTTP
// statuses via errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrUserDisabled        = errors.New("user disabled or expired")
	ErrKeyExpired          = errors.New("api key expired or disabled")
	ErrClientNotAllowed    = errors.New("client not allowed")
	ErrRateLimited         = errors.New("rate limited")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrTimeout             = errors.New("upstream timeout")
	ErrConnection          = errors.New("upstream connection error")
	ErrBodyDecode          = errors.New("request body decode error")
	ErrTranslation         = errors.New("translation error")
	ErrCancelled           = errors.New("request cancelled")
	ErrInternal            = errors.New("internal error")
)

// UpstreamError carries a non-2xx upstream response through the pipeline so
// 4xx bodies can be relayed verbatim and 5xx can drive retries.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Retryable reports whether the status may succeed on another provider.
func (e *UpstreamError) Retryable() bool { return e.StatusCode >= 500 }

// Retryable reports whether err is worth retrying on a different provider:
// upstream 5xx, timeouts and connection failures.
func Retryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

// RateLimitError augments ErrRateLimited with the window that tripped.
type RateLimitError struct {
	Subject string  // "user" or "key"
	Scope   string  // one of the Scope* constants
	Current float64 // spend or count already consumed
	Limit   float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s %s at %.4f/%v", e.Subject, e.Scope, e.Current, e.Limit)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

var scopeMessages = map[string]string{
	Scope5h:         "5小时消费上限",
	ScopeDaily:      "每日消费上限",
	ScopeWeekly:     "每周消费上限",
	ScopeMonthly:    "每月消费上限",
	ScopeTotal:      "总消费上限",
	ScopeRPM:        "每分钟请求上限",
	ScopeConcurrent: "并发会话上限",
}

// Message renders the client-facing limit message, e.g.
// "Key 5小时消费上限已达到（0.9900/1）".
func (e *RateLimitError) Message() string {
	subject := "用户"
	if e.Subject == SubjectKey {
		subject = "Key"
	}
	scope, ok := scopeMessages[e.Scope]
	if !ok {
		scope = "消费上限"
	}
	switch e.Scope {
	case ScopeRPM, ScopeConcurrent:
		return fmt.Sprintf("%s %s已达到（%d/%d）", subject, scope, int64(e.Current), int64(e.Limit))
	default:
		return fmt.Sprintf("%s %s已达到（%.4f/%v）", subject, scope, e.Current, e.Limit)
	}
}
