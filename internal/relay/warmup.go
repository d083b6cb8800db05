package relay

import (
	"fmt"
	"net/http"
	"strings"

	hub "github.com/relaymesh/cch/internal"
	"github.com/relaymesh/cch/internal/translate"
)

// Claude CLI clients fire a tiny heartbeat before the real conversation.
// Answering it locally spares an upstream round trip and its cost. The
// fingerprints come from system settings; the default covers the known
// heartbeat prompt.

const (
	warmupText      = "I'm ready to help you."
	warmupMessageID = "msg_warmup"
)

var defaultWarmupFingerprints = []string{"quota"}

// isWarmup reports whether the last user message matches a fingerprint
// exactly. A trailing * turns the fingerprint into a prefix match.
func isWarmup(fingerprints []string, req *translate.Request) bool {
	text := strings.TrimSpace(req.LastUserText())
	if text == "" {
		return false
	}
	if len(fingerprints) == 0 {
		fingerprints = defaultWarmupFingerprints
	}
	for _, fp := range fingerprints {
		if fp == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(fp, "*"); ok {
			if prefix != "" && strings.HasPrefix(text, prefix) {
				return true
			}
			continue
		}
		if text == fp {
			return true
		}
	}
	return false
}

// serveWarmup answers the heartbeat with the canned reply. The sequence was
// already allocated; no provider or concurrency slot is consumed and the
// outcome row stays at zero cost.
func (ex *exchange) serveWarmup(w http.ResponseWriter) {
	o := ex.outcome
	o.StatusCode = http.StatusOK
	o.BlockedBy = hub.BlockedByWarmup
	w.Header().Set(headerIntercepted, "warmup")

	if ex.req.Stream {
		ex.writeWarmupStream(w)
		return
	}
	body, err := translate.EncodeResponse(hub.FamilyClaude, &translate.Response{
		ID:         warmupMessageID,
		Model:      ex.req.Model,
		Blocks:     []translate.Block{{Type: "text", Text: warmupText}},
		StopReason: translate.StopEndTurn,
	})
	if err != nil {
		o.StatusCode = http.StatusInternalServerError
		ex.r.log.Warn("warmup encode failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal", "warmup reply failed", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeWarmupStream emits the canned reply as a minimal claude event stream.
func (ex *exchange) writeWarmupStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	events := []struct{ event, data string }{
		{"message_start", fmt.Sprintf(`{"type":"message_start","message":{"id":%q,"type":"message","role":"assistant","model":%q,"content":[],"stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}}`, warmupMessageID, ex.req.Model)},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, warmupText)},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":0}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.event, ev.data)
		flush()
	}
}
