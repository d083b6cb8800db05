package relay

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// errorDetailLimit caps upstream body excerpts carried into error messages
// and outcome rows.
const errorDetailLimit = 512

// errorBody is the relay's error envelope.
type errorBody struct {
	OK          bool           `json:"ok"`
	Error       string         `json:"error"`
	ErrorCode   string         `json:"errorCode"`
	ErrorParams map[string]any `json:"errorParams,omitempty"`
}

// WriteError writes the error envelope with the given status. The server
// edge shares it for auth and routing failures.
func WriteError(w http.ResponseWriter, status int, code, message string, params map[string]any) {
	b, err := json.Marshal(errorBody{Error: message, ErrorCode: code, ErrorParams: params})
	if err != nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// reject stamps the outcome with a local denial and answers the client.
func (ex *exchange) reject(w http.ResponseWriter, status int, code, message string, params map[string]any, blockedBy string) {
	ex.outcome.StatusCode = status
	ex.outcome.ErrorMessage = message
	ex.outcome.BlockedBy = blockedBy
	WriteError(w, status, code, message, params)
}

// respondError maps a forward-loop failure onto the client. Upstream 4xx
// bodies pass through verbatim so the client sees the provider's own
// diagnostics; everything else gets the relay envelope.
func (ex *exchange) respondError(w http.ResponseWriter, err error) {
	o := ex.outcome
	var ue *hub.UpstreamError
	if errors.As(err, &ue) {
		detail := truncate(string(ue.Body), errorDetailLimit)
		o.ErrorMessage = detail
		if !ue.Retryable() {
			o.StatusCode = ue.StatusCode
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ue.StatusCode)
			_, _ = w.Write(ue.Body)
			return
		}
		o.StatusCode = http.StatusBadGateway
		WriteError(w, http.StatusBadGateway, "upstream_error", detail,
			map[string]any{"upstreamStatus": ue.StatusCode})
		return
	}

	if errors.Is(err, hub.ErrCancelled) {
		o.StatusCode = statusClientClosed
		o.ErrorMessage = err.Error()
		w.WriteHeader(statusClientClosed)
		return
	}

	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, hub.ErrTimeout):
		status, code = http.StatusBadGateway, "upstream_timeout"
	case errors.Is(err, hub.ErrConnection):
		status, code = http.StatusBadGateway, "upstream_connection"
	case errors.Is(err, hub.ErrNoProviderAvailable):
		status, code = http.StatusBadGateway, "no_provider_available"
	case errors.Is(err, hub.ErrTranslation):
		status, code = http.StatusBadGateway, "translation_failed"
	}
	o.StatusCode = status
	o.ErrorMessage = err.Error()
	WriteError(w, status, code, err.Error(), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
