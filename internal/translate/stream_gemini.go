package translate

import (
	"strings"

	"github.com/goccy/go-json"

	hub "github.com/relaymesh/cch/internal"
)

// geminiStreamDecoder walks streamGenerateContent frames. Each data line is
// a whole response fragment; usage metadata is cumulative and EOF is the
// terminator.
type geminiStreamDecoder struct {
	started    bool
	stopped    bool
	toolCalled bool
	pending    string
	usage      hub.Usage
	textOpen   bool
	textIdx    int
	next       int
}

func (d *geminiStreamDecoder) feed(_, data string) ([]Event, error) {
	var frame geminiResponse
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return nil, errTranslation(err)
	}
	var events []Event
	if !d.started {
		d.started = true
		id := frame.ResponseID
		if id == "" {
			id = "gemini-" + frame.ModelVersion
		}
		events = append(events, Event{Type: EventStart, ID: id, Model: frame.ModelVersion})
	}
	if frame.UsageMetadata != nil {
		d.usage = frame.UsageMetadata.normalize()
	}
	if len(frame.Candidates) == 0 {
		return events, nil
	}
	cand := frame.Candidates[0]
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			// Calls arrive whole, not as fragments.
			d.toolCalled = true
			idx := d.next
			d.next++
			events = append(events,
				Event{Type: EventToolStart, Index: idx, ToolID: p.FunctionCall.Name, ToolName: p.FunctionCall.Name},
				Event{Type: EventToolDelta, Index: idx, ArgsDelta: string(orEmptyObject(p.FunctionCall.Args))},
				Event{Type: EventBlockStop, Index: idx},
			)
		case p.Text != "":
			if !d.textOpen {
				d.textOpen = true
				d.textIdx = d.next
				d.next++
			}
			events = append(events, Event{Type: EventText, Index: d.textIdx, Text: p.Text})
		}
	}
	if cand.FinishReason != "" {
		d.pending = stopFromGemini(cand.FinishReason, d.toolCalled)
	}
	return events, nil
}

func (d *geminiStreamDecoder) finish() []Event {
	if d.stopped {
		return nil
	}
	d.stopped = true
	return []Event{{Type: EventStop, StopReason: d.pending, Usage: d.usage}}
}

// terminated is always true: the dialect ends at EOF.
func (d *geminiStreamDecoder) terminated() bool { return true }

// geminiStreamEncoder re-emits normalized events as streamGenerateContent
// frames. Tool arguments are buffered until the block closes because the
// dialect carries whole calls, not fragments.
type geminiStreamEncoder struct {
	model   string
	id      string
	stopped bool
	tools   map[int]*geminiToolBuffer
	order   []int
}

type geminiToolBuffer struct {
	name string
	args strings.Builder
	sent bool
}

func (e *geminiStreamEncoder) write(w *sseWriter, ev Event) error {
	switch ev.Type {
	case EventStart:
		e.id = ev.ID
		return nil
	case EventText:
		return e.emit(w, []map[string]any{{"text": ev.Text}}, "", hub.Usage{})
	case EventToolStart:
		if e.tools == nil {
			e.tools = map[int]*geminiToolBuffer{}
		}
		e.tools[ev.Index] = &geminiToolBuffer{name: ev.ToolName}
		e.order = append(e.order, ev.Index)
		return nil
	case EventToolDelta:
		if buf := e.tools[ev.Index]; buf != nil {
			buf.args.WriteString(ev.ArgsDelta)
		}
		return nil
	case EventBlockStop:
		return e.flushTool(w, ev.Index)
	case EventStop:
		return e.stop(w, ev)
	}
	return nil
}

func (e *geminiStreamEncoder) finish(w *sseWriter) error {
	if e.stopped {
		return nil
	}
	return e.stop(w, Event{Type: EventStop})
}

func (e *geminiStreamEncoder) flushTool(w *sseWriter, idx int) error {
	buf := e.tools[idx]
	if buf == nil || buf.sent {
		return nil
	}
	buf.sent = true
	part := map[string]any{"functionCall": map[string]any{
		"name": buf.name,
		"args": completeArgs(buf.args.String()),
	}}
	return e.emit(w, []map[string]any{part}, "", hub.Usage{})
}

func (e *geminiStreamEncoder) stop(w *sseWriter, ev Event) error {
	if e.stopped {
		return nil
	}
	e.stopped = true
	for _, idx := range e.order {
		if err := e.flushTool(w, idx); err != nil {
			return err
		}
	}
	return e.emit(w, []map[string]any{}, stopToGemini(ev.StopReason), ev.Usage)
}

// emit writes one frame. finishReason and usage ride only on the final one.
func (e *geminiStreamEncoder) emit(w *sseWriter, parts []map[string]any, finishReason string, usage hub.Usage) error {
	cand := map[string]any{
		"content": map[string]any{"role": "model", "parts": parts},
		"index":   0,
	}
	if finishReason != "" {
		cand["finishReason"] = finishReason
	}
	frame := map[string]any{
		"candidates":   []map[string]any{cand},
		"modelVersion": e.model,
	}
	if e.id != "" {
		frame["responseId"] = e.id
	}
	if finishReason != "" {
		meta := map[string]any{
			"promptTokenCount":     usage.TotalInput(),
			"candidatesTokenCount": usage.OutputTokens,
			"totalTokenCount":      usage.TotalInput() + usage.OutputTokens,
		}
		if usage.CacheReadTokens > 0 {
			meta["cachedContentTokenCount"] = usage.CacheReadTokens
		}
		frame["usageMetadata"] = meta
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return w.frame("", data)
}

// completeArgs returns buffered tool arguments as a valid JSON object,
// repairing truncation when possible.
func completeArgs(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	b := []byte(raw)
	if json.Valid(b) {
		return b
	}
	if fixed, ok := RepairJSON(b); ok {
		return fixed
	}
	return json.RawMessage(`{}`)
}
