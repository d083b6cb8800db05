package translate

import (
	"fmt"
	"io"

	hub "github.com/relaymesh/cch/internal"
)

// EventType enumerates the normalized streaming increments every dialect
// reduces to.
type EventType int

const (
	// EventStart opens the message: id, model and input-side usage.
	EventStart EventType = iota
	// EventText carries a text fragment for one content block.
	EventText
	// EventToolStart opens a tool call block.
	EventToolStart
	// EventToolDelta carries a tool arguments fragment.
	EventToolDelta
	// EventBlockStop closes one content block.
	EventBlockStop
	// EventStop ends the message with its stop reason and final usage.
	EventStop
)

// Event is one normalized streaming increment. Index identifies the content
// block; decoders keep it stable for the lifetime of the block.
type Event struct {
	Type       EventType
	ID         string
	Model      string
	Index      int
	Text       string
	ToolID     string
	ToolName   string
	ArgsDelta  string
	StopReason string
	Usage      hub.Usage
}

// streamDecoder turns one upstream dialect into normalized events.
type streamDecoder interface {
	// feed consumes one SSE data payload together with the event name the
	// dialect announced, if any.
	feed(event, data string) ([]Event, error)
	// finish flushes whatever the dialect only implies at EOF. It must
	// guarantee a trailing EventStop on truncated streams.
	finish() []Event
	// terminated reports whether the dialect's own terminator was seen.
	terminated() bool
}

// streamEncoder re-emits normalized events in one client dialect.
type streamEncoder interface {
	write(w *sseWriter, ev Event) error
	// finish emits the dialect terminator if the stream ended without one.
	finish(w *sseWriter) error
}

// StreamResult is what the relay needs after a stream drained: identity,
// stop reason, usage as reported, and the output volume for estimation when
// usage never arrived.
type StreamResult struct {
	ID          string
	Model       string
	StopReason  string
	Usage       hub.Usage
	OutputChars int
}

func newStreamDecoder(f hub.Family) streamDecoder {
	switch f {
	case hub.FamilyClaude:
		return &claudeStreamDecoder{}
	case hub.FamilyOpenAI:
		return &openaiStreamDecoder{}
	case hub.FamilyResponses:
		return &responsesStreamDecoder{}
	case hub.FamilyGemini:
		return &geminiStreamDecoder{}
	default:
		return &openaiStreamDecoder{}
	}
}

func newStreamEncoder(f hub.Family, model string) streamEncoder {
	switch f {
	case hub.FamilyClaude:
		return &claudeStreamEncoder{model: model}
	case hub.FamilyOpenAI:
		return &openaiStreamEncoder{model: model}
	case hub.FamilyResponses:
		return &responsesStreamEncoder{model: model}
	case hub.FamilyGemini:
		return &geminiStreamEncoder{model: model}
	default:
		return &openaiStreamEncoder{model: model}
	}
}

// PipeStream drains an upstream SSE body into dst. Same-family streams are
// echoed byte for byte and only observed for usage and stop reason;
// cross-family streams are re-emitted in the client dialect. The client
// model name is reported as-is, hiding any redirect. The returned result is
// valid even when err is not nil.
func PipeStream(dst io.Writer, flush func(), src io.Reader, upstream, client hub.Family, clientModel string) (*StreamResult, error) {
	res := &StreamResult{Model: clientModel}
	w := &sseWriter{w: dst, flush: flush}
	dec := newStreamDecoder(upstream)
	passthrough := upstream == client
	var enc streamEncoder
	if !passthrough {
		enc = newStreamEncoder(client, clientModel)
	}

	emit := func(events []Event) error {
		for _, ev := range events {
			res.observe(ev)
			if enc != nil {
				// Dialects split usage across start and stop frames; hand the
				// encoder the merged view so the final frame is complete.
				if ev.Type == EventStop {
					ev.Usage = res.Usage
				}
				if err := enc.write(w, ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	sc := newSSEScanner(src)
	var currentEvent string
	for sc.Scan() {
		line := sc.Text()
		if passthrough {
			if err := w.echo(line); err != nil {
				return res, err
			}
		}
		event, data, ok := parseSSELine(line)
		if !ok {
			if line == "" {
				currentEvent = ""
			}
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}
		events, err := dec.feed(currentEvent, data)
		if emitErr := emit(events); emitErr != nil {
			return res, emitErr
		}
		if err != nil {
			return res, err
		}
	}
	readErr := sc.Err()

	if err := emit(dec.finish()); err != nil {
		return res, err
	}
	if enc != nil {
		if err := enc.finish(w); err != nil {
			return res, err
		}
	} else if !dec.terminated() {
		if err := passthroughTerminator(w, client); err != nil {
			return res, err
		}
	}
	if readErr != nil {
		return res, fmt.Errorf("%w: read stream: %w", hub.ErrConnection, readErr)
	}
	return res, nil
}

// observe folds one event into the result.
func (r *StreamResult) observe(ev Event) {
	switch ev.Type {
	case EventStart:
		if ev.ID != "" {
			r.ID = ev.ID
		}
		mergeUsage(&r.Usage, ev.Usage)
	case EventText:
		r.OutputChars += len(ev.Text)
	case EventToolDelta:
		r.OutputChars += len(ev.ArgsDelta)
	case EventToolStart:
		r.OutputChars += len(ev.ToolName)
	case EventStop:
		if ev.StopReason != "" {
			r.StopReason = ev.StopReason
		}
		mergeUsage(&r.Usage, ev.Usage)
	}
}

// mergeUsage overlays non-zero fields, keeping earlier values otherwise.
// Dialects report usage at different points in the stream.
func mergeUsage(dst *hub.Usage, src hub.Usage) {
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CacheCreationTokens > 0 {
		dst.CacheCreationTokens = src.CacheCreationTokens
	}
	if src.CacheReadTokens > 0 {
		dst.CacheReadTokens = src.CacheReadTokens
	}
}

// passthroughTerminator closes an echoed stream that ended without its
// dialect terminator, so clients do not hang on truncated upstreams.
func passthroughTerminator(w *sseWriter, f hub.Family) error {
	switch f {
	case hub.FamilyClaude:
		return w.frame("message_stop", []byte(`{"type":"message_stop"}`))
	case hub.FamilyOpenAI:
		return w.done()
	default:
		// Gemini ends at EOF; responses clients key off response.completed,
		// which only the origin can author.
		return nil
	}
}
