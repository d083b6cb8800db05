package translate

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

// responsesStreamDecoder walks response.* events. Output indexes are already
// dense ordinals, so they pass through as block indexes.
type responsesStreamDecoder struct {
	started    bool
	done       bool
	stopped    bool
	toolCalled bool
}

func (d *responsesStreamDecoder) feed(event, data string) ([]Event, error) {
	if data == "[DONE]" {
		return nil, nil
	}
	r := gjson.Parse(data)
	if event == "" {
		event = r.Get("type").String()
	}
	switch event {
	case "response.created":
		if d.started {
			return nil, nil
		}
		d.started = true
		return []Event{{
			Type:  EventStart,
			ID:    r.Get("response.id").String(),
			Model: r.Get("response.model").String(),
		}}, nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		d.toolCalled = true
		toolID := item.Get("call_id").String()
		if toolID == "" {
			toolID = item.Get("id").String()
		}
		return []Event{{
			Type:     EventToolStart,
			Index:    int(r.Get("output_index").Int()),
			ToolID:   toolID,
			ToolName: item.Get("name").String(),
		}}, nil

	case "response.output_text.delta":
		return []Event{{
			Type:  EventText,
			Index: int(r.Get("output_index").Int()),
			Text:  r.Get("delta").String(),
		}}, nil

	case "response.function_call_arguments.delta":
		return []Event{{
			Type:      EventToolDelta,
			Index:     int(r.Get("output_index").Int()),
			ArgsDelta: r.Get("delta").String(),
		}}, nil

	case "response.output_item.done":
		return []Event{{Type: EventBlockStop, Index: int(r.Get("output_index").Int())}}, nil

	case "response.completed", "response.incomplete":
		d.done = true
		d.stopped = true
		reason := StopEndTurn
		if d.toolCalled {
			reason = StopToolUse
		}
		if event == "response.incomplete" && r.Get("response.incomplete_details.reason").String() == "max_output_tokens" {
			reason = StopMaxTokens
		}
		return []Event{{
			Type:       EventStop,
			StopReason: reason,
			Usage:      responsesUsageFromResult(r.Get("response.usage")),
		}}, nil

	case "response.failed":
		d.done = true
		d.stopped = true
		events := []Event{{Type: EventStop, StopReason: StopEndTurn, Usage: responsesUsageFromResult(r.Get("response.usage"))}}
		return events, fmt.Errorf("%w: response failed: %s", hub.ErrConnection, r.Get("response.error.message").String())

	case "error":
		d.done = true
		return nil, fmt.Errorf("%w: stream error event: %s", hub.ErrConnection, r.Get("message").String())
	}
	return nil, nil
}

func (d *responsesStreamDecoder) finish() []Event {
	if d.stopped {
		return nil
	}
	d.stopped = true
	return []Event{{Type: EventStop}}
}

func (d *responsesStreamDecoder) terminated() bool { return d.done }

func responsesUsageFromResult(u gjson.Result) hub.Usage {
	out := hub.Usage{
		InputTokens:  int(u.Get("input_tokens").Int()),
		OutputTokens: int(u.Get("output_tokens").Int()),
	}
	if cached := int(u.Get("input_tokens_details.cached_tokens").Int()); cached > 0 {
		out.CacheReadTokens = cached
		out.InputTokens = max(out.InputTokens-cached, 0)
	}
	return out
}

// responsesStreamEncoder re-emits normalized events as response.* frames.
// Items are buffered in full because response.completed repeats the whole
// output.
type responsesStreamEncoder struct {
	model   string
	id      string
	started bool
	stopped bool
	seq     int
	items   map[int]*responsesItemBuffer
	order   []int
}

type responsesItemBuffer struct {
	kind   string // message or function_call
	index  int
	itemID string
	callID string
	name   string
	text   strings.Builder
	args   strings.Builder
	closed bool
}

func (e *responsesStreamEncoder) write(w *sseWriter, ev Event) error {
	switch ev.Type {
	case EventStart:
		return e.start(w, ev.ID)
	case EventText:
		if err := e.start(w, ""); err != nil {
			return err
		}
		buf, err := e.item(w, ev.Index, "message", ev)
		if err != nil {
			return err
		}
		buf.text.WriteString(ev.Text)
		return e.frame(w, "response.output_text.delta", map[string]any{
			"item_id":       buf.itemID,
			"output_index":  buf.index,
			"content_index": 0,
			"delta":         ev.Text,
		})
	case EventToolStart:
		if err := e.start(w, ""); err != nil {
			return err
		}
		_, err := e.item(w, ev.Index, "function_call", ev)
		return err
	case EventToolDelta:
		if err := e.start(w, ""); err != nil {
			return err
		}
		buf, err := e.item(w, ev.Index, "function_call", ev)
		if err != nil {
			return err
		}
		buf.args.WriteString(ev.ArgsDelta)
		return e.frame(w, "response.function_call_arguments.delta", map[string]any{
			"item_id":      buf.itemID,
			"output_index": buf.index,
			"delta":        ev.ArgsDelta,
		})
	case EventBlockStop:
		if buf := e.items[ev.Index]; buf != nil {
			return e.closeItem(w, buf)
		}
		return nil
	case EventStop:
		return e.stop(w, ev)
	}
	return nil
}

func (e *responsesStreamEncoder) finish(w *sseWriter) error {
	if e.stopped {
		return nil
	}
	return e.stop(w, Event{Type: EventStop})
}

func (e *responsesStreamEncoder) start(w *sseWriter, id string) error {
	if e.started {
		return nil
	}
	e.started = true
	if id == "" {
		id = "resp_stream"
	}
	e.id = id
	e.items = map[int]*responsesItemBuffer{}
	return e.frame(w, "response.created", map[string]any{
		"response": map[string]any{
			"id":     e.id,
			"object": "response",
			"status": "in_progress",
			"model":  e.model,
			"output": []any{},
		},
	})
}

// item returns the buffer for a block, announcing it on first use.
func (e *responsesStreamEncoder) item(w *sseWriter, idx int, kind string, ev Event) (*responsesItemBuffer, error) {
	if buf, ok := e.items[idx]; ok {
		return buf, nil
	}
	buf := &responsesItemBuffer{kind: kind, index: len(e.order)}
	if kind == "message" {
		buf.itemID = fmt.Sprintf("msg_%d", buf.index)
	} else {
		buf.itemID = fmt.Sprintf("fc_%d", buf.index)
		buf.callID = ev.ToolID
		if buf.callID == "" {
			buf.callID = fmt.Sprintf("call_%d", buf.index)
		}
		buf.name = ev.ToolName
	}
	e.items[idx] = buf
	e.order = append(e.order, idx)

	var item map[string]any
	if kind == "message" {
		item = map[string]any{"id": buf.itemID, "type": "message", "role": "assistant", "content": []any{}}
	} else {
		item = map[string]any{"id": buf.itemID, "type": "function_call", "call_id": buf.callID, "name": buf.name, "arguments": ""}
	}
	err := e.frame(w, "response.output_item.added", map[string]any{
		"output_index": buf.index,
		"item":         item,
	})
	return buf, err
}

func (e *responsesStreamEncoder) closeItem(w *sseWriter, buf *responsesItemBuffer) error {
	if buf.closed {
		return nil
	}
	buf.closed = true
	if buf.kind == "message" {
		err := e.frame(w, "response.output_text.done", map[string]any{
			"item_id":       buf.itemID,
			"output_index":  buf.index,
			"content_index": 0,
			"text":          buf.text.String(),
		})
		if err != nil {
			return err
		}
	} else {
		err := e.frame(w, "response.function_call_arguments.done", map[string]any{
			"item_id":      buf.itemID,
			"output_index": buf.index,
			"arguments":    buf.args.String(),
		})
		if err != nil {
			return err
		}
	}
	return e.frame(w, "response.output_item.done", map[string]any{
		"output_index": buf.index,
		"item":         e.fullItem(buf),
	})
}

func (e *responsesStreamEncoder) stop(w *sseWriter, ev Event) error {
	if e.stopped {
		return nil
	}
	if err := e.start(w, ""); err != nil {
		return err
	}
	e.stopped = true
	for _, idx := range e.order {
		if err := e.closeItem(w, e.items[idx]); err != nil {
			return err
		}
	}

	status := "completed"
	eventName := "response.completed"
	if ev.StopReason == StopMaxTokens {
		status = "incomplete"
		eventName = "response.incomplete"
	}
	output := make([]any, 0, len(e.order))
	for _, idx := range e.order {
		output = append(output, e.fullItem(e.items[idx]))
	}
	response := map[string]any{
		"id":     e.id,
		"object": "response",
		"status": status,
		"model":  e.model,
		"output": output,
	}
	if status == "incomplete" {
		response["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	usage := map[string]any{
		"input_tokens":  ev.Usage.TotalInput(),
		"output_tokens": ev.Usage.OutputTokens,
		"total_tokens":  ev.Usage.TotalInput() + ev.Usage.OutputTokens,
	}
	if ev.Usage.CacheReadTokens > 0 {
		usage["input_tokens_details"] = map[string]any{"cached_tokens": ev.Usage.CacheReadTokens}
	}
	response["usage"] = usage
	return e.frame(w, eventName, map[string]any{"response": response})
}

func (e *responsesStreamEncoder) fullItem(buf *responsesItemBuffer) map[string]any {
	if buf.kind == "message" {
		return map[string]any{
			"id":     buf.itemID,
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type":        "output_text",
				"text":        buf.text.String(),
				"annotations": []any{},
			}},
		}
	}
	return map[string]any{
		"id":        buf.itemID,
		"type":      "function_call",
		"status":    "completed",
		"call_id":   buf.callID,
		"name":      buf.name,
		"arguments": buf.args.String(),
	}
}

// frame emits one named event with its sequence number.
func (e *responsesStreamEncoder) frame(w *sseWriter, typ string, fields map[string]any) error {
	fields["type"] = typ
	fields["sequence_number"] = e.seq
	e.seq++
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return w.frame(typ, data)
}
