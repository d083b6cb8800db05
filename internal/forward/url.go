package forward

import (
	"net/http"
	"net/url"
	"strings"

	hub "github.com/relaymesh/cch/internal"
)

// callURL joins the provider (or endpoint) base with the family path. Bases
// carry their version segment, e.g. https://api.anthropic.com/v1.
func callURL(call Call) string {
	base := call.Provider.URL
	if call.Endpoint != nil && call.Endpoint.BaseURL != "" {
		base = call.Endpoint.BaseURL
	}
	if base == "" {
		base = DefaultBase(call.Provider.Type)
	}
	return strings.TrimRight(base, "/") + pathFor(call.Family, call.Model, call.Stream)
}

// DefaultBase is the well-known API root per provider type.
func DefaultBase(t hub.ProviderType) string {
	switch t {
	case hub.ProviderClaude, hub.ProviderClaudeAuth:
		return "https://api.anthropic.com/v1"
	case hub.ProviderCodex:
		return "https://chatgpt.com/backend-api/codex"
	case hub.ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case hub.ProviderGeminiCLI:
		return "https://cloudcode-pa.googleapis.com/v1internal"
	default:
		return "https://api.openai.com/v1"
	}
}

// pathFor is the family-specific endpoint under the versioned base. Gemini
// is the only dialect that routes on model and verb.
func pathFor(f hub.Family, model string, stream bool) string {
	switch f {
	case hub.FamilyClaude:
		return "/messages"
	case hub.FamilyResponses:
		return "/responses"
	case hub.FamilyGemini:
		verb := "generateContent"
		if stream {
			verb = "streamGenerateContent?alt=sse"
		}
		return "/models/" + url.PathEscape(model) + ":" + verb
	default:
		return "/chat/completions"
	}
}

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders copies src into dst, dropping hop-by-hop headers. The relay
// uses it in both directions of the exchange.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopByHop[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
