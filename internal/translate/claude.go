package translate

import (
	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// defaultMaxTokens fills the claude max_tokens field when the client dialect
// had no equivalent. The Messages API rejects requests without it.
const defaultMaxTokens = 4096

// claudeRequest is the Anthropic Messages API request body.
type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMsg     `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	Stop        []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Metadata    *claudeMetadata `json:"metadata,omitempty"`
}

type claudeMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// claudeBlock is one content block in claude wire shape, request or response
// side. Unknown block types are dropped during normalization.
type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *claudeImageSrc `json:"source,omitempty"`
}

type claudeImageSrc struct {
	Type      string `json:"type"` // base64 or url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (cb claudeBlock) normalize() (Block, bool) {
	switch cb.Type {
	case "text":
		return Block{Type: "text", Text: cb.Text}, true
	case "thinking":
		return Block{Type: "thinking", Text: cb.Thinking}, true
	case "tool_use":
		return Block{Type: "tool_use", ID: cb.ID, Name: cb.Name, Input: cb.Input}, true
	case "tool_result":
		return Block{Type: "tool_result", ToolUseID: cb.ToolUseID, Content: cb.Content, IsError: cb.IsError}, true
	case "image":
		b := Block{Type: "image"}
		if cb.Source != nil {
			b.MediaType = cb.Source.MediaType
			b.Data = cb.Source.Data
			b.URL = cb.Source.URL
		}
		return b, true
	default:
		return Block{}, false
	}
}

// wire renders a normalized block in claude shape.
func (b Block) wire() claudeBlock {
	switch b.Type {
	case "text":
		return claudeBlock{Type: "text", Text: b.Text}
	case "thinking":
		return claudeBlock{Type: "thinking", Thinking: b.Text}
	case "tool_use":
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return claudeBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input}
	case "tool_result":
		return claudeBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	case "image":
		src := &claudeImageSrc{Type: "base64", MediaType: b.MediaType, Data: b.Data}
		if b.URL != "" {
			src = &claudeImageSrc{Type: "url", URL: b.URL}
		}
		return claudeBlock{Type: "image", Source: src}
	default:
		return claudeBlock{Type: "text", Text: b.Text}
	}
}

func decodeClaudeRequest(body []byte) (*Request, error) {
	var in claudeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{
		Model:       in.Model,
		System:      flattenText(textOrBlocks(in.System)),
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		TopK:        in.TopK,
		Stop:        in.Stop,
		Stream:      in.Stream,
	}
	if in.Metadata != nil {
		out.UserID = in.Metadata.UserID
	}
	for _, m := range in.Messages {
		out.Messages = append(out.Messages, Message{Role: m.Role, Blocks: textOrBlocks(m.Content)})
	}
	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	out.ToolChoice = decodeClaudeToolChoice(in.ToolChoice)
	return out, nil
}

func decodeClaudeToolChoice(raw json.RawMessage) ToolChoice {
	if len(raw) == 0 {
		return ToolChoice{}
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return ToolChoice{}
	}
	switch tc.Type {
	case "auto", "none":
		return ToolChoice{Mode: tc.Type}
	case "any":
		return ToolChoice{Mode: "required"}
	case "tool":
		return ToolChoice{Mode: "tool", Name: tc.Name}
	}
	return ToolChoice{}
}

func encodeClaudeRequest(r *Request) ([]byte, error) {
	out := claudeRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		TopK:        r.TopK,
		Stop:        r.Stop,
		Stream:      r.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if r.System != "" {
		sys, err := json.Marshal(r.System)
		if err != nil {
			return nil, err
		}
		out.System = sys
	}
	if r.UserID != "" {
		out.Metadata = &claudeMetadata{UserID: r.UserID}
	}
	for _, m := range r.Messages {
		wire := make([]claudeBlock, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			if b.Type == "thinking" {
				continue
			}
			wire = append(wire, b.wire())
		}
		if len(wire) == 0 {
			continue
		}
		content, err := json.Marshal(wire)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, claudeMsg{Role: m.Role, Content: content})
	}
	for _, t := range r.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if tc := encodeClaudeToolChoice(r.ToolChoice); tc != nil {
		out.ToolChoice = tc
	}
	return json.Marshal(out)
}

func encodeClaudeToolChoice(tc ToolChoice) json.RawMessage {
	switch tc.Mode {
	case "auto", "none":
		return json.RawMessage(`{"type":"` + tc.Mode + `"}`)
	case "required":
		return json.RawMessage(`{"type":"any"}`)
	case "tool":
		name, _ := json.Marshal(tc.Name)
		return json.RawMessage(`{"type":"tool","name":` + string(name) + `}`)
	}
	return nil
}

// claudeResponse is the Messages API response body.
type claudeResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []claudeBlock   `json:"content"`
	StopReason string          `json:"stop_reason,omitempty"`
	StopSeq    *string         `json:"stop_sequence"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

func decodeClaudeResponse(body []byte) (*Response, error) {
	var in claudeResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Response{
		ID:         in.ID,
		Model:      in.Model,
		StopReason: in.StopReason,
		Usage:      decodeClaudeUsage(in.Usage),
	}
	for _, cb := range in.Content {
		if b, ok := cb.normalize(); ok {
			out.Blocks = append(out.Blocks, b)
		}
	}
	return out, nil
}

func encodeClaudeResponse(r *Response) ([]byte, error) {
	out := claudeResponse{
		ID:         r.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      r.Model,
		StopReason: r.StopReason,
		Content:    []claudeBlock{},
	}
	for _, b := range r.Blocks {
		out.Content = append(out.Content, b.wire())
	}
	usage, err := json.Marshal(claudeUsage{
		InputTokens:         r.Usage.InputTokens,
		OutputTokens:        r.Usage.OutputTokens,
		CacheCreationTokens: r.Usage.CacheCreationTokens,
		CacheReadTokens:     r.Usage.CacheReadTokens,
	})
	if err != nil {
		return nil, err
	}
	out.Usage = usage
	return json.Marshal(out)
}

type claudeUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

func decodeClaudeUsage(raw json.RawMessage) hub.Usage {
	if len(raw) == 0 {
		return hub.Usage{}
	}
	var u claudeUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return hub.Usage{}
	}
	return hub.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
	}
}
