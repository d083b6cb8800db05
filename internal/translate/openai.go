package translate

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// openaiRequest is the Chat Completions request body.
type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMsg     `json:"messages"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       json.RawMessage `json:"stream_options,omitempty"`
	Tools               []openaiTool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	User                string          `json:"user,omitempty"`
}

type openaiMsg struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string        `json:"type"`
	Function openaiFuncDef `json:"function"`
}

type openaiFuncDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func decodeOpenAIRequest(body []byte) (*Request, error) {
	var in openaiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        decodeStopField(in.Stop),
		Stream:      in.Stream,
		UserID:      in.User,
	}
	if in.MaxCompletionTokens > 0 {
		out.MaxTokens = in.MaxCompletionTokens
	}

	var system strings.Builder
	for _, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			if system.Len() > 0 {
				system.WriteByte('\n')
			}
			system.WriteString(flattenText(openaiContentBlocks(m.Content)))
		case "user":
			out.Messages = append(out.Messages, Message{Role: "user", Blocks: openaiContentBlocks(m.Content)})
		case "assistant":
			blocks := openaiContentBlocks(m.Content)
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, Block{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: argumentsRaw(tc.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, Message{Role: "assistant", Blocks: blocks})
		case "tool":
			out.Messages = append(out.Messages, Message{Role: "user", Blocks: []Block{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		}
	}
	out.System = system.String()

	for _, t := range in.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = decodeOpenAIToolChoice(in.ToolChoice)
	return out, nil
}

// openaiContentBlocks decodes a chat content field: bare string or the
// multimodal part array.
func openaiContentBlocks(raw json.RawMessage) []Block {
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
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var blocks []Block
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, Block{Type: "text", Text: p.Text})
		case "image_url":
			blocks = append(blocks, imageFromDataURL(p.ImageURL.URL))
		}
	}
	return blocks
}

// imageFromDataURL splits a data: URL into mime and base64 payload; plain
// URLs stay by reference.
func imageFromDataURL(url string) Block {
	b := Block{Type: "image"}
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		b.URL = url
		return b
	}
	mime, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		b.URL = url
		return b
	}
	b.MediaType = mime
	b.Data = data
	return b
}

func dataURL(b Block) string {
	if b.URL != "" {
		return b.URL
	}
	return "data:" + b.MediaType + ";base64," + b.Data
}

// argumentsRaw turns a tool-call arguments string into a raw JSON object.
func argumentsRaw(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

func decodeStopField(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func decodeOpenAIToolChoice(raw json.RawMessage) ToolChoice {
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
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return ToolChoice{Mode: "tool", Name: obj.Function.Name}
	}
	return ToolChoice{}
}

func encodeOpenAIRequest(r *Request) ([]byte, error) {
	out := openaiRequest{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
		User:        r.UserID,
	}
	if len(r.Stop) > 0 {
		stop, err := json.Marshal(r.Stop)
		if err != nil {
			return nil, err
		}
		out.Stop = stop
	}
	if r.System != "" {
		sys, _ := json.Marshal(r.System)
		out.Messages = append(out.Messages, openaiMsg{Role: "system", Content: sys})
	}

	for _, m := range r.Messages {
		switch m.Role {
		case "assistant":
			msg := openaiMsg{Role: "assistant"}
			var text strings.Builder
			for _, b := range m.Blocks {
				switch b.Type {
				case "text":
					text.WriteString(b.Text)
				case "tool_use":
					msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
						ID:       b.ID,
						Type:     "function",
						Function: openaiFunction{Name: b.Name, Arguments: string(b.Input)},
					})
				}
			}
			if text.Len() > 0 {
				ct, _ := json.Marshal(text.String())
				msg.Content = ct
			}
			if msg.Content != nil || len(msg.ToolCalls) > 0 {
				out.Messages = append(out.Messages, msg)
			}
		default:
			out.Messages = append(out.Messages, encodeOpenAIUserTurn(m)...)
		}
	}

	for _, t := range r.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFuncDef{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if tc := encodeOpenAIToolChoice(r.ToolChoice); tc != nil {
		out.ToolChoice = tc
	}
	return json.Marshal(&out)
}

// encodeOpenAIUserTurn splits a user turn into chat messages: tool_result
// blocks become role:tool messages, the rest one user message.
func encodeOpenAIUserTurn(m Message) []openaiMsg {
	var msgs []openaiMsg
	var parts []map[string]any
	textOnly := true
	for _, b := range m.Blocks {
		switch b.Type {
		case "tool_result":
			content, _ := json.Marshal(toolResultText(b.Content))
			msgs = append(msgs, openaiMsg{Role: "tool", ToolCallID: b.ToolUseID, Content: content})
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": b.Text})
		case "image":
			textOnly = false
			parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL(b)}})
		}
	}
	if len(parts) == 0 {
		return msgs
	}
	msg := openaiMsg{Role: "user"}
	if textOnly {
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p["text"].(string))
		}
		msg.Content, _ = json.Marshal(text.String())
	} else {
		msg.Content, _ = json.Marshal(parts)
	}
	return append(msgs, msg)
}

// toolResultText flattens a tool_result payload to the string the chat
// dialect requires.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if blocks := textOrBlocks(raw); len(blocks) > 0 {
		return flattenText(blocks)
	}
	return string(raw)
}

func encodeOpenAIToolChoice(tc ToolChoice) json.RawMessage {
	switch tc.Mode {
	case "auto", "none", "required":
		return json.RawMessage(`"` + tc.Mode + `"`)
	case "tool":
		name, _ := json.Marshal(tc.Name)
		return json.RawMessage(`{"type":"function","function":{"name":` + string(name) + `}}`)
	}
	return nil
}

// openaiResponse is the Chat Completions response body.
type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int       `json:"index"`
	Message      openaiMsg `json:"message"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptDetails    *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u *openaiUsage) normalize() hub.Usage {
	if u == nil {
		return hub.Usage{}
	}
	out := hub.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptDetails != nil && u.PromptDetails.CachedTokens > 0 {
		out.CacheReadTokens = u.PromptDetails.CachedTokens
		out.InputTokens = max(u.PromptTokens-u.PromptDetails.CachedTokens, 0)
	}
	return out
}

func decodeOpenAIResponse(body []byte) (*Response, error) {
	var in openaiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Response{ID: in.ID, Model: in.Model, Usage: in.Usage.normalize()}
	if len(in.Choices) == 0 {
		return out, nil
	}
	choice := in.Choices[0]
	out.StopReason = stopFromOpenAI(choice.FinishReason)
	if text := flattenText(openaiContentBlocks(choice.Message.Content)); text != "" {
		out.Blocks = append(out.Blocks, Block{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Blocks = append(out.Blocks, Block{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: argumentsRaw(tc.Function.Arguments),
		})
	}
	if len(choice.Message.ToolCalls) > 0 && choice.FinishReason == "" {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func encodeOpenAIResponse(r *Response) ([]byte, error) {
	msg := openaiMsg{Role: "assistant"}
	var text strings.Builder
	for _, b := range r.Blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: openaiFunction{Name: b.Name, Arguments: string(b.Input)},
			})
		}
	}
	if text.Len() > 0 {
		ct, _ := json.Marshal(text.String())
		msg.Content = ct
	}

	usage := &openaiUsage{
		PromptTokens:     r.Usage.TotalInput(),
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.TotalInput() + r.Usage.OutputTokens,
	}
	if r.Usage.CacheReadTokens > 0 {
		usage.PromptDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: r.Usage.CacheReadTokens}
	}

	return json.Marshal(&openaiResponse{
		ID:      r.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   r.Model,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: stopToOpenAI(r.StopReason)}},
		Usage:   usage,
	})
}

// stopFromOpenAI maps a finish_reason to the canonical stop vocabulary.
func stopFromOpenAI(reason string) string {
	switch reason {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopContentFilter
	default:
		return reason
	}
}

// stopToOpenAI maps a canonical stop reason to a finish_reason.
func stopToOpenAI(reason string) string {
	switch reason {
	case StopEndTurn, StopSequence:
		return "stop"
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopContentFilter:
		return "content_filter"
	case "":
		return "stop"
	default:
		return reason
	}
}
