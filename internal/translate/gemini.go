package translate

import (
	"strings"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// geminiRequest is the generateContent request body. Model and streaming
// mode live in the URL, not the payload.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiTool      `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp   `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData `json:"inlineData,omitempty"`
	FileData         *geminiFileData   `json:"fileData,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations,omitempty"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *geminiCallingConfig `json:"functionCallingConfig,omitempty"`
}

type geminiCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func decodeGeminiRequest(body []byte) (*Request, error) {
	var in geminiRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{}
	if in.SystemInstruction != nil {
		var sys strings.Builder
		for _, p := range in.SystemInstruction.Parts {
			if p.Text == "" {
				continue
			}
			if sys.Len() > 0 {
				sys.WriteByte('\n')
			}
			sys.WriteString(p.Text)
		}
		out.System = sys.String()
	}
	if in.GenerationConfig != nil {
		out.Temperature = in.GenerationConfig.Temperature
		out.TopP = in.GenerationConfig.TopP
		out.TopK = in.GenerationConfig.TopK
		out.MaxTokens = in.GenerationConfig.MaxOutputTokens
		out.Stop = in.GenerationConfig.StopSequences
	}

	for _, c := range in.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		var blocks []Block
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				// The dialect reuses the function name as the call id.
				blocks = append(blocks, Block{
					Type:  "tool_use",
					ID:    p.FunctionCall.Name,
					Name:  p.FunctionCall.Name,
					Input: orEmptyObject(p.FunctionCall.Args),
				})
			case p.FunctionResponse != nil:
				blocks = append(blocks, Block{
					Type:      "tool_result",
					ToolUseID: p.FunctionResponse.Name,
					Content:   p.FunctionResponse.Response,
				})
			case p.InlineData != nil:
				blocks = append(blocks, Block{Type: "image", MediaType: p.InlineData.MimeType, Data: p.InlineData.Data})
			case p.FileData != nil:
				blocks = append(blocks, Block{Type: "image", MediaType: p.FileData.MimeType, URL: p.FileData.FileURI})
			case p.Text != "":
				blocks = append(blocks, Block{Type: "text", Text: p.Text})
			}
		}
		out.Messages = append(out.Messages, Message{Role: role, Blocks: blocks})
	}

	for _, t := range in.Tools {
		for _, d := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, Tool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
		}
	}
	if in.ToolConfig != nil && in.ToolConfig.FunctionCallingConfig != nil {
		cc := in.ToolConfig.FunctionCallingConfig
		switch cc.Mode {
		case "AUTO":
			out.ToolChoice = ToolChoice{Mode: "auto"}
		case "NONE":
			out.ToolChoice = ToolChoice{Mode: "none"}
		case "ANY":
			if len(cc.AllowedFunctionNames) == 1 {
				out.ToolChoice = ToolChoice{Mode: "tool", Name: cc.AllowedFunctionNames[0]}
			} else {
				out.ToolChoice = ToolChoice{Mode: "required"}
			}
		}
	}
	return out, nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func encodeGeminiRequest(r *Request) ([]byte, error) {
	out := geminiRequest{}
	if r.System != "" || r.Instructions != "" {
		sys := r.System
		if sys == "" {
			sys = r.Instructions
		}
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}
	if r.Temperature != nil || r.TopP != nil || r.TopK != nil || r.MaxTokens > 0 || len(r.Stop) > 0 {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     r.Temperature,
			TopP:            r.TopP,
			TopK:            r.TopK,
			MaxOutputTokens: r.MaxTokens,
			StopSequences:   r.Stop,
		}
	}

	// Calls are correlated by function name on the way back, so resolve
	// each result's id to the name of the call that produced it.
	callNames := map[string]string{}
	for _, m := range r.Messages {
		for _, b := range m.Blocks {
			if b.Type == "tool_use" {
				callNames[b.ID] = b.Name
			}
		}
	}

	for _, m := range r.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []geminiPart
		for _, b := range m.Blocks {
			switch b.Type {
			case "text":
				parts = append(parts, geminiPart{Text: b.Text})
			case "tool_use":
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: b.Name, Args: orEmptyObject(b.Input)}})
			case "tool_result":
				name := callNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				parts = append(parts, geminiPart{FunctionResponse: &geminiFuncResp{
					Name:     name,
					Response: toolResultObject(b.Content),
				}})
			case "image":
				if b.URL != "" && b.Data == "" {
					parts = append(parts, geminiPart{FileData: &geminiFileData{MimeType: b.MediaType, FileURI: b.URL}})
				} else {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: b.MediaType, Data: b.Data}})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(r.Tools) > 0 {
		decls := make([]geminiFuncDecl, 0, len(r.Tools))
		for _, t := range r.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	switch r.ToolChoice.Mode {
	case "auto":
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiCallingConfig{Mode: "AUTO"}}
	case "none":
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiCallingConfig{Mode: "NONE"}}
	case "required":
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiCallingConfig{Mode: "ANY"}}
	case "tool":
		out.ToolConfig = &geminiToolConfig{FunctionCallingConfig: &geminiCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{r.ToolChoice.Name},
		}}
	}
	return json.Marshal(&out)
}

// toolResultObject shapes a tool result as the object the dialect expects,
// wrapping scalars and text under a result key.
func toolResultObject(raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 {
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "{") && json.Valid(raw) {
			return raw
		}
	}
	wrapped, _ := json.Marshal(map[string]string{"result": toolResultText(raw)})
	return wrapped
}

// geminiResponse is the generateContent response body.
type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

func (u *geminiUsage) normalize() hub.Usage {
	if u == nil {
		return hub.Usage{}
	}
	out := hub.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount}
	if u.CachedContentTokenCount > 0 {
		out.CacheReadTokens = u.CachedContentTokenCount
		out.InputTokens = max(u.PromptTokenCount-u.CachedContentTokenCount, 0)
	}
	return out
}

func decodeGeminiResponse(body []byte) (*Response, error) {
	var in geminiResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Response{ID: in.ResponseID, Model: in.ModelVersion, Usage: in.UsageMetadata.normalize()}
	if out.ID == "" {
		out.ID = "gemini-" + in.ModelVersion
	}
	if len(in.Candidates) == 0 {
		return out, nil
	}
	cand := in.Candidates[0]
	toolCalled := false
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			toolCalled = true
			out.Blocks = append(out.Blocks, Block{
				Type:  "tool_use",
				ID:    p.FunctionCall.Name,
				Name:  p.FunctionCall.Name,
				Input: orEmptyObject(p.FunctionCall.Args),
			})
		case p.Text != "":
			out.Blocks = append(out.Blocks, Block{Type: "text", Text: p.Text})
		}
	}
	out.StopReason = stopFromGemini(cand.FinishReason, toolCalled)
	return out, nil
}

func encodeGeminiResponse(r *Response) ([]byte, error) {
	var parts []geminiPart
	for _, b := range r.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, geminiPart{Text: b.Text})
		case "tool_use":
			parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: b.Name, Args: orEmptyObject(b.Input)}})
		}
	}
	out := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      geminiContent{Role: "model", Parts: parts},
			FinishReason: stopToGemini(r.StopReason),
		}},
		ModelVersion: r.Model,
		ResponseID:   r.ID,
	}
	if !r.Usage.IsZero() {
		out.UsageMetadata = &geminiUsage{
			PromptTokenCount:        r.Usage.TotalInput(),
			CandidatesTokenCount:    r.Usage.OutputTokens,
			TotalTokenCount:         r.Usage.TotalInput() + r.Usage.OutputTokens,
			CachedContentTokenCount: r.Usage.CacheReadTokens,
		}
	}
	return json.Marshal(&out)
}

// stopFromGemini maps a finishReason to the canonical stop vocabulary. The
// dialect reports STOP for tool calls, so the caller says whether any were
// present.
func stopFromGemini(reason string, toolCalled bool) string {
	switch reason {
	case "STOP", "":
		if toolCalled {
			return StopToolUse
		}
		return StopEndTurn
	case "MAX_TOKENS":
		return StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return StopContentFilter
	default:
		return StopEndTurn
	}
}

func stopToGemini(reason string) string {
	switch reason {
	case StopMaxTokens:
		return "MAX_TOKENS"
	case StopContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}
