package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/relaymesh/cch/internal/translate"
)

func text(role, s string) translate.Message {
	return translate.Message{Role: role, Blocks: []translate.Block{{Type: "text", Text: s}}}
}

func TestCountRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	tests := []struct {
		name    string
		req     *translate.Request
		wantMin int
		wantMax int
	}{
		{
			name:    "single short message",
			req:     &translate.Request{Messages: []translate.Message{text("user", "hello")}},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name: "system plus conversation",
			req: &translate.Request{
				System: "You are helpful.",
				Messages: []translate.Message{
					text("user", "Explain quantum computing."),
					text("assistant", "At a high level it uses qubits."),
				},
			},
			wantMin: 20,
			wantMax: 50,
		},
		{
			name:    "empty request floors at one",
			req:     &translate.Request{},
			wantMin: 1,
			wantMax: 10,
		},
		{
			name: "tool declarations count",
			req: &translate.Request{
				Messages: []translate.Message{text("user", "weather?")},
				Tools: []translate.Tool{{
					Name:        "get_weather",
					Description: "Returns current conditions for a city.",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
				}},
			},
			wantMin: 30,
			wantMax: 60,
		},
		{
			name: "tool use blocks count",
			req: &translate.Request{
				Messages: []translate.Message{{
					Role: "assistant",
					Blocks: []translate.Block{{
						Type:  "tool_use",
						Name:  "get_weather",
						Input: json.RawMessage(`{"city":"Berlin"}`),
					}},
				}},
			},
			wantMin: 10,
			wantMax: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.CountRequest(tt.req)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("CountRequest() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCountRequestMonotonic(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	short := &translate.Request{Messages: []translate.Message{text("user", "hi")}}
	long := &translate.Request{Messages: []translate.Message{
		text("user", "hi"),
		text("assistant", "hello, how can I help today?"),
		text("user", "summarize the history of computing in five paragraphs"),
	}}
	if cs, cl := c.CountRequest(short), c.CountRequest(long); cs >= cl {
		t.Errorf("short = %d not below long = %d", cs, cl)
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	if got := c.CountText("Hello, world!"); got != 4 {
		t.Errorf("CountText = %d, want 4", got)
	}
	if got := c.CountText(""); got != 1 {
		t.Errorf("CountText('') = %d, want 1", got)
	}
}
