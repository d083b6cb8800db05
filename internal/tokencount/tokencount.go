// Package tokencount estimates request token counts for the locally served
// count_tokens endpoint. A character heuristic (~4 bytes per token) is
// accurate enough for clients sizing their context windows; exact counts
// remain the provider's job.
package tokencount

import (
	"github.com/relaymesh/cch/internal/translate"
)

const (
	// messageOverhead covers role markers and message framing.
	messageOverhead = 4
	// replyPrimer is the fixed cost of priming the assistant turn.
	replyPrimer = 3
)

// Counter estimates token counts for requests and plain text.
type Counter struct{}

// NewCounter creates a Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// CountRequest estimates the input tokens of a chat request: system text,
// conversation turns with per-message overhead, and tool declarations.
func (c *Counter) CountRequest(req *translate.Request) int {
	total := estimateTokens(req.System) + estimateTokens(req.Instructions)
	for _, m := range req.Messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		for _, b := range m.Blocks {
			total += estimateTokens(b.Text)
			total += estimateTokens(string(b.Input))
			total += estimateTokens(string(b.Content))
			if b.Name != "" {
				total += estimateTokens(b.Name) + 1
			}
		}
	}
	for _, tool := range req.Tools {
		total += estimateTokens(tool.Name)
		total += estimateTokens(tool.Description)
		total += estimateTokens(string(tool.InputSchema))
	}
	total += replyPrimer
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 bytes per token heuristic with ceil division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
