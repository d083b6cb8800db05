// Package translate converts chat requests and responses between the claude,
// openai, responses and gemini wire dialects through one normalized form.
// Bodies are decoded at the client edge, transformed, and encoded in the
// provider's upstream dialect; responses travel the inverse path. Streaming
// goes through the event bridge in stream.go.
package translate

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// Canonical stop reasons use the claude vocabulary. Every dialect maps onto
// these at its edge.
const (
	StopEndTurn       = "end_turn"
	StopMaxTokens     = "max_tokens"
	StopToolUse       = "tool_use"
	StopSequence      = "stop_sequence"
	StopContentFilter = "content_filter"
)

// Block is one piece of message content in the normalized form.
type Block struct {
	Type      string          // text, tool_use, tool_result, image, thinking
	Text      string          // text and thinking blocks
	ID        string          // tool_use call id
	Name      string          // tool_use tool name
	Input     json.RawMessage // tool_use arguments object
	ToolUseID string          // tool_result correlation id
	Content   json.RawMessage // tool_result payload, string or block list
	IsError   bool            // tool_result error flag
	MediaType string          // image mime type
	Data      string          // image base64 payload
	URL       string          // image by reference
}

// Message is one conversation turn. Roles are user and assistant; tool
// results ride in user turns as tool_result blocks, the claude convention.
type Message struct {
	Role   string
	Blocks []Block
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolChoice normalizes the tool selection policy. Mode is one of "", auto,
// required, none or tool; Name is set when Mode is tool.
type ToolChoice struct {
	Mode string
	Name string
}

// Request is the family-neutral form of an inbound chat request. Raw keeps
// the original body so same-dialect forwarding stays lossless.
type Request struct {
	Family            hub.Family
	Model             string
	System            string
	Messages          []Message
	Tools             []Tool
	ToolChoice        ToolChoice
	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	TopK              *int
	Stop              []string
	Stream            bool
	UserID            string // claude metadata.user_id
	Instructions      string // responses dialect
	ReasoningEffort   string // responses dialect
	ReasoningSummary  string
	Verbosity         string
	ParallelToolCalls *bool
	Raw               json.RawMessage
}

// Response is the family-neutral form of an upstream response.
type Response struct {
	ID         string
	Model      string
	Blocks     []Block
	StopReason string
	Usage      hub.Usage
}

// DecodeRequest parses a client body in the given dialect.
func DecodeRequest(f hub.Family, body []byte) (*Request, error) {
	var (
		req *Request
		err error
	)
	switch f {
	case hub.FamilyClaude:
		req, err = decodeClaudeRequest(body)
	case hub.FamilyOpenAI:
		req, err = decodeOpenAIRequest(body)
	case hub.FamilyResponses:
		req, err = decodeResponsesRequest(body)
	case hub.FamilyGemini:
		req, err = decodeGeminiRequest(body)
	default:
		return nil, fmt.Errorf("decode request: unknown family %q: %w", f, hub.ErrTranslation)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", f, errTranslation(err))
	}
	req.Family = f
	req.Raw = body
	return req, nil
}

// EncodeRequest renders the normalized request in the given dialect.
func EncodeRequest(f hub.Family, r *Request) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch f {
	case hub.FamilyClaude:
		body, err = encodeClaudeRequest(r)
	case hub.FamilyOpenAI:
		body, err = encodeOpenAIRequest(r)
	case hub.FamilyResponses:
		body, err = encodeResponsesRequest(r)
	case hub.FamilyGemini:
		body, err = encodeGeminiRequest(r)
	default:
		return nil, fmt.Errorf("encode request: unknown family %q: %w", f, hub.ErrTranslation)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", f, errTranslation(err))
	}
	return body, nil
}

// DecodeResponse parses an upstream non-streaming response body.
func DecodeResponse(f hub.Family, body []byte) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	switch f {
	case hub.FamilyClaude:
		resp, err = decodeClaudeResponse(body)
	case hub.FamilyOpenAI:
		resp, err = decodeOpenAIResponse(body)
	case hub.FamilyResponses:
		resp, err = decodeResponsesResponse(body)
	case hub.FamilyGemini:
		resp, err = decodeGeminiResponse(body)
	default:
		return nil, fmt.Errorf("decode response: unknown family %q: %w", f, hub.ErrTranslation)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", f, errTranslation(err))
	}
	return resp, nil
}

// EncodeResponse renders the normalized response in the given dialect.
func EncodeResponse(f hub.Family, r *Response) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch f {
	case hub.FamilyClaude:
		body, err = encodeClaudeResponse(r)
	case hub.FamilyOpenAI:
		body, err = encodeOpenAIResponse(r)
	case hub.FamilyResponses:
		body, err = encodeResponsesResponse(r)
	case hub.FamilyGemini:
		body, err = encodeGeminiResponse(r)
	default:
		return nil, fmt.Errorf("encode response: unknown family %q: %w", f, hub.ErrTranslation)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", f, errTranslation(err))
	}
	return body, nil
}

// errTranslation tags err with hub.ErrTranslation unless it already is one.
func errTranslation(err error) error {
	return fmt.Errorf("%w: %w", hub.ErrTranslation, err)
}

// TextContent joins every text block in the request, system included. Guards
// scan this for sensitive words and fingerprints.
func (r *Request) TextContent() string {
	var b strings.Builder
	b.WriteString(r.System)
	if r.Instructions != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.Instructions)
	}
	for _, m := range r.Messages {
		for _, blk := range m.Blocks {
			if blk.Type == "text" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(blk.Text)
			}
		}
	}
	return b.String()
}

// LastUserText returns the text of the final user turn, the part the warmup
// fingerprint matches against.
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role != "user" {
			continue
		}
		var b strings.Builder
		for _, blk := range r.Messages[i].Blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return ""
}

// InputChars counts the characters the model will read, for the usage
// estimator when an upstream omits token counts.
func (r *Request) InputChars() int {
	n := len(r.System) + len(r.Instructions)
	for _, m := range r.Messages {
		for _, blk := range m.Blocks {
			n += len(blk.Text) + len(blk.Input) + len(blk.Content)
		}
	}
	for _, t := range r.Tools {
		n += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}
	return n
}

// textOrBlocks decodes a claude-style content field that may be a bare string
// or a block array into normalized blocks.
func textOrBlocks(raw json.RawMessage) []Block {
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
	var claudeBlocks []claudeBlock
	if err := json.Unmarshal(raw, &claudeBlocks); err != nil {
		return nil
	}
	blocks := make([]Block, 0, len(claudeBlocks))
	for _, cb := range claudeBlocks {
		if b, ok := cb.normalize(); ok {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// flattenText joins the text blocks of a normalized block list.
func flattenText(blocks []Block) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" || blk.Type == "thinking" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
