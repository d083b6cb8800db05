package translate

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// responsesRequest is the Responses API request body, the dialect codex
// speaks.
type responsesRequest struct {
	Model             string              `json:"model"`
	Input             json.RawMessage     `json:"input,omitempty"`
	Instructions      string              `json:"instructions,omitempty"`
	MaxOutputTokens   int                 `json:"max_output_tokens,omitempty"`
	Temperature       *float64            `json:"temperature,omitempty"`
	TopP              *float64            `json:"top_p,omitempty"`
	Stream            bool                `json:"stream,omitempty"`
	Store             *bool               `json:"store,omitempty"`
	ParallelToolCalls *bool               `json:"parallel_tool_calls,omitempty"`
	Reasoning         *responsesReasoning `json:"reasoning,omitempty"`
	Text              *responsesText      `json:"text,omitempty"`
	Tools             []responsesTool     `json:"tools,omitempty"`
	ToolChoice        json.RawMessage     `json:"tool_choice,omitempty"`
	User              string              `json:"user,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesText struct {
	Verbosity string `json:"verbosity,omitempty"`
}

// responsesTool carries the function fields inline, unlike the chat dialect.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// responsesItem is one entry of the input or output list. The type field
// decides which of the remaining fields are live.
type responsesItem struct {
	Type      string          `json:"type,omitempty"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Status    string          `json:"status,omitempty"`
}

func decodeResponsesRequest(body []byte) (*Request, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{
		Model:             in.Model,
		Instructions:      in.Instructions,
		MaxTokens:         in.MaxOutputTokens,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		Stream:            in.Stream,
		ParallelToolCalls: in.ParallelToolCalls,
		UserID:            in.User,
	}
	if in.Reasoning != nil {
		out.ReasoningEffort = in.Reasoning.Effort
		out.ReasoningSummary = in.Reasoning.Summary
	}
	if in.Text != nil {
		out.Verbosity = in.Text.Verbosity
	}
	if err := decodeResponsesInput(out, in.Input); err != nil {
		return nil, err
	}
	for _, t := range in.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	out.ToolChoice = decodeResponsesToolChoice(in.ToolChoice)
	return out, nil
}

// decodeResponsesInput handles both input shapes: a bare prompt string or
// the item list.
func decodeResponsesInput(out *Request, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var prompt string
	if err := json.Unmarshal(raw, &prompt); err == nil {
		if prompt != "" {
			out.Messages = append(out.Messages, Message{Role: "user", Blocks: []Block{{Type: "text", Text: prompt}}})
		}
		return nil
	}
	var items []responsesItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	var system strings.Builder
	for _, it := range items {
		switch {
		case it.Type == "function_call":
			out.Messages = append(out.Messages, Message{Role: "assistant", Blocks: []Block{{
				Type:  "tool_use",
				ID:    it.CallID,
				Name:  it.Name,
				Input: argumentsRaw(it.Arguments),
			}}})
		case it.Type == "function_call_output":
			out.Messages = append(out.Messages, Message{Role: "user", Blocks: []Block{{
				Type:      "tool_result",
				ToolUseID: it.CallID,
				Content:   it.Output,
			}}})
		case it.Type == "message" || it.Type == "":
			blocks := responsesContentBlocks(it.Content)
			switch it.Role {
			case "system", "developer":
				if system.Len() > 0 {
					system.WriteByte('\n')
				}
				system.WriteString(flattenText(blocks))
			case "assistant":
				out.Messages = append(out.Messages, Message{Role: "assistant", Blocks: blocks})
			default:
				out.Messages = append(out.Messages, Message{Role: "user", Blocks: blocks})
			}
		}
	}
	out.System = system.String()
	return nil
}

// responsesContentBlocks decodes a message content field: bare string or
// typed part list.
func responsesContentBlocks(raw json.RawMessage) []Block {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []Block{{Type: "text", Text: s}}
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL string `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []Block
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			blocks = append(blocks, Block{Type: "text", Text: p.Text})
		case "input_image":
			blocks = append(blocks, imageFromDataURL(p.ImageURL))
		}
	}
	return blocks
}

func decodeResponsesToolChoice(raw json.RawMessage) ToolChoice {
	if len(raw) == 0 {
		return ToolChoice{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto", "none", "required":
			return ToolChoice{Mode: s}
		}
		return ToolChoice{}
	}
	var obj struct {
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ToolChoice{}
	}
	if obj.Name != "" {
		return ToolChoice{Mode: "tool", Name: obj.Name}
	}
	if obj.Function.Name != "" {
		return ToolChoice{Mode: "tool", Name: obj.Function.Name}
	}
	return ToolChoice{}
}

func encodeResponsesRequest(r *Request) ([]byte, error) {
	store := false
	out := responsesRequest{
		Model:             r.Model,
		Instructions:      r.Instructions,
		MaxOutputTokens:   r.MaxTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		Stream:            r.Stream,
		Store:             &store,
		ParallelToolCalls: r.ParallelToolCalls,
		User:              r.UserID,
	}
	var items []responsesItem
	switch {
	case out.Instructions == "":
		out.Instructions = r.System
	case r.System != "":
		// Instructions are taken; keep the system prompt as a developer turn.
		content, _ := json.Marshal([]map[string]any{{"type": "input_text", "text": r.System}})
		items = append(items, responsesItem{Type: "message", Role: "developer", Content: content})
	}
	if r.ReasoningEffort != "" || r.ReasoningSummary != "" {
		out.Reasoning = &responsesReasoning{Effort: r.ReasoningEffort, Summary: r.ReasoningSummary}
	}
	if r.Verbosity != "" {
		out.Text = &responsesText{Verbosity: r.Verbosity}
	}

	for _, m := range r.Messages {
		items = append(items, encodeResponsesTurn(m)...)
	}
	if len(items) > 0 {
		input, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		out.Input = input
	}

	for _, t := range r.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	switch r.ToolChoice.Mode {
	case "auto", "none", "required":
		out.ToolChoice = json.RawMessage(`"` + r.ToolChoice.Mode + `"`)
	case "tool":
		name, _ := json.Marshal(r.ToolChoice.Name)
		out.ToolChoice = json.RawMessage(`{"type":"function","name":` + string(name) + `}`)
	}
	return json.Marshal(&out)
}

// encodeResponsesTurn maps one normalized message onto input items. Tool
// traffic leaves the message and becomes function_call / function_call_output
// items of its own.
func encodeResponsesTurn(m Message) []responsesItem {
	var items []responsesItem
	var parts []map[string]any
	textType := "input_text"
	if m.Role == "assistant" {
		textType = "output_text"
	}
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, map[string]any{"type": textType, "text": b.Text})
		case "image":
			if m.Role == "user" {
				parts = append(parts, map[string]any{"type": "input_image", "image_url": dataURL(b)})
			}
		case "tool_use":
			items = append(items, responsesItem{
				Type:      "function_call",
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			output, _ := json.Marshal(toolResultText(b.Content))
			items = append(items, responsesItem{
				Type:   "function_call_output",
				CallID: b.ToolUseID,
				Output: output,
			})
		}
	}
	if len(parts) > 0 {
		content, _ := json.Marshal(parts)
		items = append(items, responsesItem{Type: "message", Role: m.Role, Content: content})
	}
	return items
}

// responsesResponse is the Responses API response body.
type responsesResponse struct {
	ID                string          `json:"id"`
	Object            string          `json:"object,omitempty"`
	CreatedAt         int64           `json:"created_at,omitempty"`
	Status            string          `json:"status,omitempty"`
	Model             string          `json:"model"`
	Output            []responsesItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"incomplete_details,omitempty"`
	Usage *responsesUsage `json:"usage,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	InputDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details,omitempty"`
}

func (u *responsesUsage) normalize() hub.Usage {
	if u == nil {
		return hub.Usage{}
	}
	out := hub.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.InputDetails != nil && u.InputDetails.CachedTokens > 0 {
		out.CacheReadTokens = u.InputDetails.CachedTokens
		out.InputTokens = max(u.InputTokens-u.InputDetails.CachedTokens, 0)
	}
	return out
}

func decodeResponsesResponse(body []byte) (*Response, error) {
	var in responsesResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Response{ID: in.ID, Model: in.Model, Usage: in.Usage.normalize()}
	toolCalled := false
	for _, it := range in.Output {
		switch it.Type {
		case "message":
			for _, b := range responsesContentBlocks(it.Content) {
				if b.Type == "text" {
					out.Blocks = append(out.Blocks, b)
				}
			}
		case "function_call":
			toolCalled = true
			out.Blocks = append(out.Blocks, Block{
				Type:  "tool_use",
				ID:    it.CallID,
				Name:  it.Name,
				Input: argumentsRaw(it.Arguments),
			})
		}
	}
	out.StopReason = stopFromResponsesStatus(in.Status, incompleteReason(in), toolCalled)
	return out, nil
}

func incompleteReason(r responsesResponse) string {
	if r.IncompleteDetails == nil {
		return ""
	}
	return r.IncompleteDetails.Reason
}

func encodeResponsesResponse(r *Response) ([]byte, error) {
	out := responsesResponse{
		ID:        r.ID,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "completed",
		Model:     r.Model,
		Output:    []responsesItem{},
	}
	if r.StopReason == StopMaxTokens {
		out.Status = "incomplete"
		out.IncompleteDetails = &struct {
			Reason string `json:"reason,omitempty"`
		}{Reason: "max_output_tokens"}
	}

	var text strings.Builder
	for _, b := range r.Blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			out.Output = append(out.Output, responsesItem{
				Type:      "function_call",
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
				Status:    "completed",
			})
		}
	}
	if text.Len() > 0 {
		content, _ := json.Marshal([]map[string]any{{"type": "output_text", "text": text.String(), "annotations": []any{}}})
		out.Output = append([]responsesItem{{Type: "message", Role: "assistant", Status: "completed", Content: content}}, out.Output...)
	}

	usage := &responsesUsage{
		InputTokens:  r.Usage.TotalInput(),
		OutputTokens: r.Usage.OutputTokens,
		TotalTokens:  r.Usage.TotalInput() + r.Usage.OutputTokens,
	}
	if r.Usage.CacheReadTokens > 0 {
		usage.InputDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: r.Usage.CacheReadTokens}
	}
	out.Usage = usage
	return json.Marshal(&out)
}

// stopFromResponsesStatus maps the response status onto the canonical stop
// vocabulary. The dialect has no tool_calls status; a completed response that
// emitted function_call items stopped for tool use.
func stopFromResponsesStatus(status, reason string, toolCalled bool) string {
	switch status {
	case "incomplete":
		if reason == "max_output_tokens" {
			return StopMaxTokens
		}
		return StopEndTurn
	case "completed", "":
		if toolCalled {
			return StopToolUse
		}
		return StopEndTurn
	default:
		return StopEndTurn
	}
}
