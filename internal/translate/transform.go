package translate

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	hub "github.com/relaymesh/cch/internal"
)

// officialCodexInstructions is the instructions block the codex backend
// expects. The auto strategy swaps drifted client copies for this one.
const officialCodexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

// codexInstructionsPrefix identifies client instructions as a codex prompt,
// whatever CLI version produced them.
const codexInstructionsPrefix = "You are Codex"

const context1MBeta = "context-1m-2025-08-07"

// reminderRE strips injected reminder spans from request text when the
// trim setting is on.
var reminderRE = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>\s*`)

// BuildInput is everything the upstream request builder needs: the decoded
// request, the chosen provider and the active guard configuration.
type BuildInput struct {
	Req      *Request
	Provider *hub.Provider
	Filters  []*hub.RequestFilter
	Settings hub.Settings
	Header   http.Header
}

// Upstream is a ready-to-send provider request body plus the headers and
// model the forwarder needs.
type Upstream struct {
	Body   []byte
	Family hub.Family
	Model  string
	Header http.Header
}

// BuildUpstream shapes a client request for one provider. Same-family
// traffic is patched in place on the raw body so unmodeled fields survive;
// cross-family traffic is re-encoded from the normalized form. Transforms
// apply in a fixed order: filters, model redirect, cache TTL, supplementary
// prompt, codex tuning, MCP headers.
func BuildUpstream(in BuildInput) (*Upstream, error) {
	fam := in.Provider.Type.Upstream()
	model := in.Req.Model
	if redirect, ok := in.Provider.ModelRedirects[model]; ok && redirect != "" {
		model = redirect
	}
	if fam == in.Req.Family && len(in.Req.Raw) > 0 {
		return patchRaw(in, fam, model)
	}
	return rebuild(in, fam, model)
}

// rebuild re-encodes the normalized request in the upstream dialect.
func rebuild(in BuildInput, fam hub.Family, model string) (*Upstream, error) {
	req := cloneRequest(in.Req)
	req.Model = model

	applyTextFilters(req, in.Filters, in.Settings.TrimSystemReminders)

	if p := in.Provider.SupplementaryPrompt; p != "" {
		switch {
		case req.System != "":
			req.System += "\n\n" + p
		case req.Instructions != "":
			req.Instructions += "\n\n" + p
		default:
			req.System = p
		}
	}
	if id := in.Settings.UnifiedClientID; id != "" {
		req.UserID = id
	}
	if fam == hub.FamilyResponses {
		applyCodexTuning(req, in.Provider.Codex)
	}

	body, err := EncodeRequest(fam, req)
	if err != nil {
		return nil, err
	}
	return &Upstream{Body: body, Family: fam, Model: model, Header: buildHeaders(in, fam)}, nil
}

// patchRaw edits the raw client body for a same-family upstream.
func patchRaw(in BuildInput, fam hub.Family, model string) (*Upstream, error) {
	p := rawPatch{body: slices.Clone(in.Req.Raw)}

	p.body = applyRawFilters(p.body, in.Filters)
	if in.Settings.TrimSystemReminders {
		p.body = reminderRE.ReplaceAll(p.body, nil)
	}

	// Gemini carries the model in the URL, not the body.
	if fam != hub.FamilyGemini {
		p.set("model", model)
	}
	if fam == hub.FamilyClaude && in.Provider.CacheTTLOverride != "" {
		p.body = patchCacheTTL(p.body, in.Provider.CacheTTLOverride)
	}
	if prompt := in.Provider.SupplementaryPrompt; prompt != "" {
		p.appendSystem(fam, prompt)
	}
	if id := in.Settings.UnifiedClientID; id != "" {
		switch fam {
		case hub.FamilyClaude:
			p.set("metadata.user_id", id)
		case hub.FamilyOpenAI, hub.FamilyResponses:
			p.set("user", id)
		}
	}
	if fam == hub.FamilyResponses {
		p.patchCodexTuning(in.Provider.Codex)
	}
	if p.err != nil {
		return nil, errTranslation(p.err)
	}
	return &Upstream{Body: p.body, Family: fam, Model: model, Header: buildHeaders(in, fam)}, nil
}

func buildHeaders(in BuildInput, fam hub.Family) http.Header {
	hdr := http.Header{}
	if fam == hub.FamilyClaude && in.Provider.Prefer1MContext {
		hdr.Add("anthropic-beta", context1MBeta)
	}
	if in.Provider.MCPPassthrough {
		for k, vs := range in.Header {
			lower := strings.ToLower(k)
			if strings.HasPrefix(lower, "x-mcp-") || lower == "mcp-session-id" {
				hdr[http.CanonicalHeaderKey(k)] = slices.Clone(vs)
			}
		}
	}
	return hdr
}

func cloneRequest(r *Request) *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		m.Blocks = slices.Clone(m.Blocks)
		out.Messages[i] = m
	}
	out.Tools = slices.Clone(r.Tools)
	out.Stop = slices.Clone(r.Stop)
	return &out
}

// filterCache holds compiled filter patterns. A pattern that fails to
// compile caches as nil and is skipped from then on.
var filterCache sync.Map

func compileFilter(pattern string) *regexp.Regexp {
	if v, ok := filterCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	filterCache.Store(pattern, re)
	return re
}

func applyTextFilters(req *Request, filters []*hub.RequestFilter, trimReminders bool) {
	rewrite := func(s string) string {
		for _, f := range filters {
			if !f.Enabled {
				continue
			}
			if re := compileFilter(f.Pattern); re != nil {
				s = re.ReplaceAllString(s, f.Replace)
			}
		}
		if trimReminders {
			s = reminderRE.ReplaceAllString(s, "")
		}
		return s
	}
	if len(filters) == 0 && !trimReminders {
		return
	}
	req.System = rewrite(req.System)
	req.Instructions = rewrite(req.Instructions)
	for i := range req.Messages {
		for j := range req.Messages[i].Blocks {
			if b := &req.Messages[i].Blocks[j]; b.Type == "text" {
				b.Text = rewrite(b.Text)
			}
		}
	}
}

func applyRawFilters(body []byte, filters []*hub.RequestFilter) []byte {
	for _, f := range filters {
		if !f.Enabled {
			continue
		}
		if re := compileFilter(f.Pattern); re != nil {
			body = re.ReplaceAll(body, []byte(f.Replace))
		}
	}
	return body
}

// applyCodexTuning overrides request knobs from provider config. Inherit
// (or empty) keeps the client value.
func applyCodexTuning(req *Request, cfg hub.CodexConfig) {
	if v := cfg.ReasoningEffort; v != "" && v != hub.Inherit {
		req.ReasoningEffort = v
	}
	if v := cfg.ReasoningSummary; v != "" && v != hub.Inherit {
		req.ReasoningSummary = v
	}
	if v := cfg.TextVerbosity; v != "" && v != hub.Inherit {
		req.Verbosity = v
	}
	if v := cfg.ParallelToolCalls; v == "true" || v == "false" {
		b := v == "true"
		req.ParallelToolCalls = &b
	}
	if next, changed := codexInstructions(req.Instructions, cfg.InstructionsStrategy); changed {
		req.Instructions = next
	}
}

// codexInstructions decides what the outbound instructions field should be.
// Auto replaces a recognized codex prompt with the canonical copy and leaves
// anything else alone.
func codexInstructions(current, strategy string) (string, bool) {
	switch strategy {
	case "keep_original":
		return current, false
	case "force_official":
		return officialCodexInstructions, current != officialCodexInstructions
	default: // auto
		if strings.HasPrefix(current, codexInstructionsPrefix) && current != officialCodexInstructions {
			return officialCodexInstructions, true
		}
		return current, false
	}
}

// rawPatch accumulates sjson edits, keeping the first error.
type rawPatch struct {
	body []byte
	err  error
}

func (p *rawPatch) set(path string, value any) {
	if p.err != nil {
		return
	}
	p.body, p.err = sjson.SetBytes(p.body, path, value)
}

func (p *rawPatch) setRaw(path string, raw []byte) {
	if p.err != nil {
		return
	}
	p.body, p.err = sjson.SetRawBytes(p.body, path, raw)
}

// appendSystem attaches a supplementary prompt in whatever shape the family
// keeps its system text.
func (p *rawPatch) appendSystem(fam hub.Family, prompt string) {
	switch fam {
	case hub.FamilyClaude:
		sys := gjson.GetBytes(p.body, "system")
		switch {
		case sys.IsArray():
			block, _ := json.Marshal(map[string]string{"type": "text", "text": prompt})
			p.setRaw("system.-1", block)
		case sys.Type == gjson.String:
			p.set("system", sys.String()+"\n\n"+prompt)
		default:
			p.set("system", prompt)
		}
	case hub.FamilyOpenAI:
		msg, _ := json.Marshal(map[string]string{"role": "system", "content": prompt})
		p.setRaw("messages.-1", msg)
	case hub.FamilyResponses:
		if cur := gjson.GetBytes(p.body, "instructions").String(); cur != "" {
			p.set("instructions", cur+"\n\n"+prompt)
		} else {
			p.set("instructions", prompt)
		}
	case hub.FamilyGemini:
		part, _ := json.Marshal(map[string]string{"text": prompt})
		if gjson.GetBytes(p.body, "systemInstruction").Exists() {
			p.setRaw("systemInstruction.parts.-1", part)
		} else {
			p.setRaw("systemInstruction", []byte(`{"parts":[`+string(part)+`]}`))
		}
	}
}

func (p *rawPatch) patchCodexTuning(cfg hub.CodexConfig) {
	setKnob := func(path, v string) {
		if v != "" && v != hub.Inherit {
			p.set(path, v)
		}
	}
	setKnob("reasoning.effort", cfg.ReasoningEffort)
	setKnob("reasoning.summary", cfg.ReasoningSummary)
	setKnob("text.verbosity", cfg.TextVerbosity)
	if v := cfg.ParallelToolCalls; v == "true" || v == "false" {
		p.set("parallel_tool_calls", v == "true")
	}
	cur := gjson.GetBytes(p.body, "instructions").String()
	if next, changed := codexInstructions(cur, cfg.InstructionsStrategy); changed {
		p.set("instructions", next)
	}
	// The codex backend rejects stored responses.
	p.set("store", false)
}

// patchCacheTTL rewrites the ttl of every cache_control marker in a claude
// body.
func patchCacheTTL(body []byte, ttl string) []byte {
	if sys := gjson.GetBytes(body, "system"); sys.IsArray() {
		for i, blk := range sys.Array() {
			if blk.Get("cache_control").Exists() {
				body, _ = sjson.SetBytes(body, fmt.Sprintf("system.%d.cache_control.ttl", i), ttl)
			}
		}
	}
	for i, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for j, blk := range content.Array() {
			if blk.Get("cache_control").Exists() {
				body, _ = sjson.SetBytes(body, fmt.Sprintf("messages.%d.content.%d.cache_control.ttl", i, j), ttl)
			}
		}
	}
	return body
}
