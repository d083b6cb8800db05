package translate

import (
	"fmt"
	"slices"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

// claudeStreamDecoder walks the anthropic event sequence: message_start,
// content_block_start/delta/stop per block, message_delta, message_stop.
type claudeStreamDecoder struct {
	done     bool
	stopped  bool
	thinking map[int]bool
}

func (d *claudeStreamDecoder) feed(event, data string) ([]Event, error) {
	r := gjson.Parse(data)
	if event == "" {
		event = r.Get("type").String()
	}
	switch event {
	case "message_start":
		m := r.Get("message")
		return []Event{{
			Type:  EventStart,
			ID:    m.Get("id").String(),
			Model: m.Get("model").String(),
			Usage: claudeUsageFromResult(m.Get("usage")),
		}}, nil

	case "content_block_start":
		idx := int(r.Get("index").Int())
		cb := r.Get("content_block")
		switch cb.Get("type").String() {
		case "tool_use":
			return []Event{{
				Type:     EventToolStart,
				Index:    idx,
				ToolID:   cb.Get("id").String(),
				ToolName: cb.Get("name").String(),
			}}, nil
		case "thinking", "redacted_thinking":
			// Not expressible in the other dialects.
			if d.thinking == nil {
				d.thinking = map[int]bool{}
			}
			d.thinking[idx] = true
		case "text":
			if t := cb.Get("text").String(); t != "" {
				return []Event{{Type: EventText, Index: idx, Text: t}}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		idx := int(r.Get("index").Int())
		if d.thinking[idx] {
			return nil, nil
		}
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []Event{{Type: EventText, Index: idx, Text: r.Get("delta.text").String()}}, nil
		case "input_json_delta":
			return []Event{{Type: EventToolDelta, Index: idx, ArgsDelta: r.Get("delta.partial_json").String()}}, nil
		}
		return nil, nil

	case "content_block_stop":
		idx := int(r.Get("index").Int())
		if d.thinking[idx] {
			delete(d.thinking, idx)
			return nil, nil
		}
		return []Event{{Type: EventBlockStop, Index: idx}}, nil

	case "message_delta":
		d.stopped = true
		return []Event{{
			Type:       EventStop,
			StopReason: r.Get("delta.stop_reason").String(),
			Usage:      claudeUsageFromResult(r.Get("usage")),
		}}, nil

	case "message_stop":
		d.done = true
		return nil, nil

	case "error":
		d.done = true
		return nil, fmt.Errorf("%w: stream error event: %s", hub.ErrConnection, r.Get("error.message").String())
	}
	return nil, nil
}

func (d *claudeStreamDecoder) finish() []Event {
	if d.stopped {
		return nil
	}
	d.stopped = true
	return []Event{{Type: EventStop}}
}

func (d *claudeStreamDecoder) terminated() bool { return d.done }

func claudeUsageFromResult(u gjson.Result) hub.Usage {
	return hub.Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(u.Get("cache_read_input_tokens").Int()),
	}
}

// claudeStreamEncoder re-emits normalized events as the anthropic event
// sequence. Upstream block indexes are renumbered to a dense local order.
type claudeStreamEncoder struct {
	model   string
	started bool
	stopped bool
	next    int
	local   map[int]int
	open    []int
}

func (e *claudeStreamEncoder) write(w *sseWriter, ev Event) error {
	switch ev.Type {
	case EventStart:
		return e.start(w, ev)
	case EventText:
		if err := e.start(w, Event{}); err != nil {
			return err
		}
		idx, err := e.ensureBlock(w, ev.Index, true, ev)
		if err != nil {
			return err
		}
		return e.frame(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})
	case EventToolStart:
		if err := e.start(w, Event{}); err != nil {
			return err
		}
		_, err := e.ensureBlock(w, ev.Index, false, ev)
		return err
	case EventToolDelta:
		if err := e.start(w, Event{}); err != nil {
			return err
		}
		idx, err := e.ensureBlock(w, ev.Index, false, ev)
		if err != nil {
			return err
		}
		return e.frame(w, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ArgsDelta},
		})
	case EventBlockStop:
		local, ok := e.local[ev.Index]
		if !ok {
			return nil
		}
		delete(e.local, ev.Index)
		if i := slices.Index(e.open, local); i >= 0 {
			e.open = slices.Delete(e.open, i, i+1)
		}
		return e.frame(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": local})
	case EventStop:
		return e.stop(w, ev)
	}
	return nil
}

func (e *claudeStreamEncoder) finish(w *sseWriter) error {
	if e.stopped {
		return nil
	}
	return e.stop(w, Event{Type: EventStop})
}

func (e *claudeStreamEncoder) start(w *sseWriter, ev Event) error {
	if e.started {
		return nil
	}
	e.started = true
	e.local = map[int]int{}
	id := ev.ID
	if id == "" {
		id = "msg_stream"
	}
	usage := map[string]any{"input_tokens": ev.Usage.InputTokens, "output_tokens": 0}
	if ev.Usage.CacheCreationTokens > 0 {
		usage["cache_creation_input_tokens"] = ev.Usage.CacheCreationTokens
	}
	if ev.Usage.CacheReadTokens > 0 {
		usage["cache_read_input_tokens"] = ev.Usage.CacheReadTokens
	}
	return e.frame(w, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

// ensureBlock opens the content block for an upstream index on first use and
// returns its local index.
func (e *claudeStreamEncoder) ensureBlock(w *sseWriter, upstream int, text bool, ev Event) (int, error) {
	if idx, ok := e.local[upstream]; ok {
		return idx, nil
	}
	idx := e.next
	e.next++
	e.local[upstream] = idx
	e.open = append(e.open, idx)

	var block map[string]any
	if text {
		block = map[string]any{"type": "text", "text": ""}
	} else {
		toolID := ev.ToolID
		if toolID == "" {
			toolID = fmt.Sprintf("toolu_%d", idx)
		}
		block = map[string]any{"type": "tool_use", "id": toolID, "name": ev.ToolName, "input": map[string]any{}}
	}
	err := e.frame(w, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	})
	return idx, err
}

func (e *claudeStreamEncoder) stop(w *sseWriter, ev Event) error {
	if e.stopped {
		return nil
	}
	if err := e.start(w, Event{}); err != nil {
		return err
	}
	e.stopped = true
	for _, idx := range e.open {
		if err := e.frame(w, "content_block_stop", map[string]any{"type": "content_block_stop", "index": idx}); err != nil {
			return err
		}
	}
	e.open = nil

	reason := ev.StopReason
	if reason == "" {
		reason = StopEndTurn
	}
	usage := map[string]any{"output_tokens": ev.Usage.OutputTokens}
	if ev.Usage.InputTokens > 0 {
		usage["input_tokens"] = ev.Usage.InputTokens
	}
	if ev.Usage.CacheCreationTokens > 0 {
		usage["cache_creation_input_tokens"] = ev.Usage.CacheCreationTokens
	}
	if ev.Usage.CacheReadTokens > 0 {
		usage["cache_read_input_tokens"] = ev.Usage.CacheReadTokens
	}
	err := e.frame(w, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		"usage": usage,
	})
	if err != nil {
		return err
	}
	return e.frame(w, "message_stop", map[string]any{"type": "message_stop"})
}

func (e *claudeStreamEncoder) frame(w *sseWriter, event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.frame(event, data)
}
