package server

import (
	"net/http"
	"slices"
	"strings"
	"time"
)

// handleListModels serves the aggregated catalog: the union of every
// enabled provider's declared models plus redirect aliases, de-duplicated,
// with ownership inferred from the id prefix.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	providers, _ := s.deps.Cache.Providers(r.Context())

	now := time.Now()
	seen := make(map[string]struct{})
	var ids []string
	add := func(m string) {
		if m == "" {
			return
		}
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			ids = append(ids, m)
		}
	}
	for _, p := range providers {
		if !p.Enabled || p.Expired(now) {
			continue
		}
		for _, m := range p.AllowedModels {
			add(m)
		}
		for alias := range p.ModelRedirects {
			add(alias)
		}
	}
	slices.Sort(ids)

	created := now.Unix()
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: ownerOf(id),
		}
	}
	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

// ownerOf infers the owning vendor from the model id prefix.
func ownerOf(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	case strings.HasPrefix(m, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(m, "qwen"):
		return "alibaba"
	default:
		return "unknown"
	}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
