package translate

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Matches the JSON repair cap so a
// truncated frame can still be salvaged.
const maxLineSize = 1024 * 1024

// newSSEScanner returns a line scanner sized for SSE payloads.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// parseSSELine splits one SSE line into its event name or data payload.
// Empty lines, comments and unknown fields report ok=false.
func parseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// sseWriter emits SSE frames and flushes after each one so deltas reach the
// client as they happen.
type sseWriter struct {
	w     io.Writer
	flush func()
}

func (w *sseWriter) frame(event string, data []byte) error {
	var b strings.Builder
	b.Grow(len(event) + len(data) + 16)
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush()
	}
	return nil
}

func (w *sseWriter) done() error {
	return w.frame("", []byte("[DONE]"))
}

// echo repeats one upstream line verbatim. Blank lines close a frame, so
// that is where the flush happens.
func (w *sseWriter) echo(line string) error {
	if _, err := io.WriteString(w.w, line+"\n"); err != nil {
		return err
	}
	if line == "" && w.flush != nil {
		w.flush()
	}
	return nil
}
