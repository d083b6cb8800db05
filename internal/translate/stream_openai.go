package translate

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

// openaiStreamDecoder walks chat completion chunks. The dialect has no event
// names; [DONE] terminates and usage may trail the finish_reason in its own
// chunk.
type openaiStreamDecoder struct {
	started     bool
	done        bool
	stopped     bool
	pendingStop string
	usage       hub.Usage
	textOpen    bool
	textIdx     int
	next        int
	tools       map[int]int
}

func (d *openaiStreamDecoder) feed(_, data string) ([]Event, error) {
	if data == "[DONE]" {
		d.done = true
		return d.stopEvents(), nil
	}
	r := gjson.Parse(data)
	var events []Event
	if !d.started {
		d.started = true
		events = append(events, Event{Type: EventStart, ID: r.Get("id").String(), Model: r.Get("model").String()})
	}
	if u := r.Get("usage"); u.IsObject() {
		mergeUsage(&d.usage, openaiUsageFromResult(u))
	}

	choice := r.Get("choices.0")
	delta := choice.Get("delta")
	if text := delta.Get("content"); text.Exists() && text.String() != "" {
		if !d.textOpen {
			d.textOpen = true
			d.textIdx = d.next
			d.next++
		}
		events = append(events, Event{Type: EventText, Index: d.textIdx, Text: text.String()})
	}
	for _, tc := range delta.Get("tool_calls").Array() {
		upstream := int(tc.Get("index").Int())
		idx, ok := d.tools[upstream]
		if !ok {
			if d.tools == nil {
				d.tools = map[int]int{}
			}
			idx = d.next
			d.next++
			d.tools[upstream] = idx
			events = append(events, Event{
				Type:     EventToolStart,
				Index:    idx,
				ToolID:   tc.Get("id").String(),
				ToolName: tc.Get("function.name").String(),
			})
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			events = append(events, Event{Type: EventToolDelta, Index: idx, ArgsDelta: args})
		}
	}
	if reason := choice.Get("finish_reason").String(); reason != "" {
		d.pendingStop = stopFromOpenAI(reason)
	}
	return events, nil
}

// stopEvents emits the stop exactly once, after the terminator or at EOF.
func (d *openaiStreamDecoder) stopEvents() []Event {
	if d.stopped {
		return nil
	}
	d.stopped = true
	return []Event{{Type: EventStop, StopReason: d.pendingStop, Usage: d.usage}}
}

func (d *openaiStreamDecoder) finish() []Event  { return d.stopEvents() }
func (d *openaiStreamDecoder) terminated() bool { return d.done }

func openaiUsageFromResult(u gjson.Result) hub.Usage {
	out := hub.Usage{
		InputTokens:  int(u.Get("prompt_tokens").Int()),
		OutputTokens: int(u.Get("completion_tokens").Int()),
	}
	if cached := int(u.Get("prompt_tokens_details.cached_tokens").Int()); cached > 0 {
		out.CacheReadTokens = cached
		out.InputTokens = max(out.InputTokens-cached, 0)
	}
	return out
}

// openaiStreamEncoder re-emits normalized events as chat completion chunks,
// ending with a usage chunk and [DONE].
type openaiStreamEncoder struct {
	model   string
	id      string
	created int64
	started bool
	stopped bool
	tools   map[int]int
}

func (e *openaiStreamEncoder) write(w *sseWriter, ev Event) error {
	switch ev.Type {
	case EventStart:
		return e.start(w, ev.ID)
	case EventText:
		if err := e.start(w, ""); err != nil {
			return err
		}
		return e.chunk(w, map[string]any{"content": ev.Text}, nil)
	case EventToolStart:
		if err := e.start(w, ""); err != nil {
			return err
		}
		idx := e.toolIndex(ev.Index)
		return e.chunk(w, map[string]any{"tool_calls": []map[string]any{{
			"index":    idx,
			"id":       ev.ToolID,
			"type":     "function",
			"function": map[string]any{"name": ev.ToolName, "arguments": ""},
		}}}, nil)
	case EventToolDelta:
		if err := e.start(w, ""); err != nil {
			return err
		}
		idx := e.toolIndex(ev.Index)
		return e.chunk(w, map[string]any{"tool_calls": []map[string]any{{
			"index":    idx,
			"function": map[string]any{"arguments": ev.ArgsDelta},
		}}}, nil)
	case EventStop:
		return e.stop(w, ev)
	}
	return nil
}

func (e *openaiStreamEncoder) finish(w *sseWriter) error {
	if e.stopped {
		return nil
	}
	return e.stop(w, Event{Type: EventStop})
}

func (e *openaiStreamEncoder) start(w *sseWriter, id string) error {
	if e.started {
		return nil
	}
	e.started = true
	if id == "" {
		id = "chatcmpl-stream"
	}
	e.id = id
	e.created = time.Now().Unix()
	return e.chunk(w, map[string]any{"role": "assistant"}, nil)
}

func (e *openaiStreamEncoder) stop(w *sseWriter, ev Event) error {
	if e.stopped {
		return nil
	}
	if err := e.start(w, ""); err != nil {
		return err
	}
	e.stopped = true
	if err := e.chunk(w, map[string]any{}, stopToOpenAI(ev.StopReason)); err != nil {
		return err
	}
	if !ev.Usage.IsZero() {
		usage := map[string]any{
			"prompt_tokens":     ev.Usage.TotalInput(),
			"completion_tokens": ev.Usage.OutputTokens,
			"total_tokens":      ev.Usage.TotalInput() + ev.Usage.OutputTokens,
		}
		if ev.Usage.CacheReadTokens > 0 {
			usage["prompt_tokens_details"] = map[string]any{"cached_tokens": ev.Usage.CacheReadTokens}
		}
		data, err := json.Marshal(map[string]any{
			"id":      e.id,
			"object":  "chat.completion.chunk",
			"created": e.created,
			"model":   e.model,
			"choices": []any{},
			"usage":   usage,
		})
		if err != nil {
			return err
		}
		if err := w.frame("", data); err != nil {
			return err
		}
	}
	return w.done()
}

func (e *openaiStreamEncoder) toolIndex(normalized int) int {
	if idx, ok := e.tools[normalized]; ok {
		return idx
	}
	if e.tools == nil {
		e.tools = map[int]int{}
	}
	idx := len(e.tools)
	e.tools[normalized] = idx
	return idx
}

// chunk emits one chat.completion.chunk frame with a single choice.
func (e *openaiStreamEncoder) chunk(w *sseWriter, delta map[string]any, finish any) error {
	data, err := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
	})
	if err != nil {
		return err
	}
	return w.frame("", data)
}
