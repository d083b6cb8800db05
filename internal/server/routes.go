package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/relay"
	"github.com/relaymesh/cch/internal/translate"
)

// maxCountBody caps count_tokens payloads, matching the relay's own body
// ceiling.
const maxCountBody = 32 << 20

// relayTo hands the request to the relay pipeline under the given dialect.
func (s *server) relayTo(family hub.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.deps.Relay.Serve(w, r, relay.Inbound{Family: family, Endpoint: r.URL.Path})
	}
}

// handleGemini routes /v1beta/models/{model}:{action}. The URL carries both
// the model and the streaming verb, overriding whatever the body says.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")
	if !isValidParam(model) {
		relay.WriteError(w, http.StatusBadRequest, "bad_model", "invalid model parameter", nil)
		return
	}

	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		relay.WriteError(w, http.StatusNotFound, "unknown_action",
			"unsupported action "+action, nil)
		return
	}

	s.deps.Relay.Serve(w, r, relay.Inbound{
		Family:   hub.FamilyGemini,
		Endpoint: r.URL.Path,
		Model:    model,
		Stream:   &stream,
	})
}

// handleCountTokens answers count_tokens locally so clients can budget
// prompts without an upstream round trip.
func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCountBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		relay.WriteError(w, http.StatusBadRequest, "body_read", "request body unreadable: "+err.Error(), nil)
		return
	}
	req, err := translate.DecodeRequest(hub.FamilyClaude, body)
	if err != nil {
		relay.WriteError(w, http.StatusBadRequest, "body_decode", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, countTokensResponse{
		InputTokens: s.deps.Counter.CountRequest(req),
	})
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// isValidParam checks that s is non-empty, bounded, and contains only
// [a-zA-Z0-9._-], keeping URL params out of upstream paths unescaped.
func isValidParam(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
