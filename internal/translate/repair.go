package translate

import (
	"bytes"
	"slices"

	"github.com/goccy/go-json"
)

const (
	repairMaxSize  = 1 << 20
	repairMaxDepth = 32
)

// RepairJSON closes off a truncated JSON document: unterminated strings,
// dangling separators and unclosed brackets, bounded by size and nesting
// depth. It reports whether the result parses. Anything beyond truncation
// damage is left alone.
func RepairJSON(data []byte) ([]byte, bool) {
	if len(data) == 0 || len(data) > repairMaxSize {
		return data, false
	}
	if json.Valid(data) {
		return data, true
	}

	var closers []byte
	inString, escaped := false, false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if len(closers) >= repairMaxDepth {
				return data, false
			}
			closers = append(closers, '}')
		case '[':
			if len(closers) >= repairMaxDepth {
				return data, false
			}
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) == 0 || closers[len(closers)-1] != c {
				return data, false
			}
			closers = closers[:len(closers)-1]
		}
	}

	out := slices.Clone(data)
	if escaped {
		out = append(out, '\\')
	}
	if inString {
		out = append(out, '"')
	}
	out = bytes.TrimRight(out, " \t\r\n")
	switch {
	case bytes.HasSuffix(out, []byte(",")):
		out = out[:len(out)-1]
	case bytes.HasSuffix(out, []byte(":")):
		out = append(out, []byte("null")...)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		out = append(out, closers[i])
	}
	return out, json.Valid(out)
}
