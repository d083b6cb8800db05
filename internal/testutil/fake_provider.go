package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// Upstream is a configurable fake provider backend. Tests point a
// hub.Provider's URL at Server.URL and script responses per call.
type Upstream struct {
	Server *httptest.Server

	// Handler is invoked for every request when set; otherwise Status and
	// Body apply.
	Handler http.HandlerFunc
	Status  int
	Body    []byte
	// SSEEvents, when non-empty, is written as a text/event-stream response
	// with a flush after each event.
	SSEEvents []string

	// Requests counts calls received.
	Requests int
}

// NewUpstream starts a fake upstream; cleanup is registered on t.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()
	u := &Upstream{Status: http.StatusOK, Body: []byte(`{}`)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.Requests++
		if u.Handler != nil {
			u.Handler(w, r)
			return
		}
		if len(u.SSEEvents) > 0 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(u.Status)
			f, _ := w.(http.Flusher)
			for _, ev := range u.SSEEvents {
				_, _ = w.Write([]byte(ev))
				if f != nil {
					f.Flush()
				}
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.Status)
		_, _ = w.Write(u.Body)
	}))
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the upstream base URL.
func (u *Upstream) URL() string { return u.Server.URL }
