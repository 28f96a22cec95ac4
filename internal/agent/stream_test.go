package agent

import (
	"strings"
	"testing"
)

func TestDecodeStreamSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"thread.started","thread_id":"t1"}`,
		`not json at all`,
		``,
		`{"type":"response.output_text.delta","delta":"hi"}`,
		`{"broken":`,
		`{"type":"response.output_text.done","text":"hi there"}`,
	}, "\n")

	var events []RawEvent
	err := DecodeStream(strings.NewReader(input), func(ev RawEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 parsed events, got %d", len(events))
	}
	if events[0].Type() != "thread.started" || events[0].ThreadID() != "t1" {
		t.Errorf("unexpected first event %v", events[0])
	}
}

func TestDecodeStreamLongLines(t *testing.T) {
	// Tool results can exceed the default bufio.Scanner token size.
	payload := strings.Repeat("x", 256*1024)
	input := `{"type":"item.completed","item":{"type":"command_execution","output":"` + payload + `"}}`

	var count int
	err := DecodeStream(strings.NewReader(input), func(ev RawEvent) { count++ })
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestExtractResponseText(t *testing.T) {
	events := []RawEvent{
		{"type": "thread.started", "thread_id": "t1"},
		{"type": "response.output_text.delta", "delta": "Hello, "},
		{"type": "response.output_text.delta", "delta": "world"},
		{"type": "item.completed", "item": map[string]any{"type": "reasoning", "text": "ignored"}},
		{"type": "item.completed", "item": map[string]any{"type": "agent_message", "text": "!"}},
		{"type": "mystery.event", "data": "ignored"},
	}

	if got := extractResponseText(events); got != "Hello, world!" {
		t.Errorf("unexpected response text %q", got)
	}
	if got := extractThreadID(events); got != "t1" {
		t.Errorf("unexpected thread id %q", got)
	}
}

func TestExtractResponseTextPartsList(t *testing.T) {
	events := []RawEvent{
		{"type": "item.completed", "item": map[string]any{
			"type": "agent_message",
			"text": []any{
				map[string]any{"type": "output_text", "text": "part one "},
				map[string]any{"type": "output_text", "text": "part two"},
			},
		}},
	}
	if got := extractResponseText(events); got != "part one part two" {
		t.Errorf("unexpected response text %q", got)
	}
}

func TestThreadIDFirstWins(t *testing.T) {
	events := []RawEvent{
		{"type": "thread.started", "thread_id": "first"},
		{"type": "thread.started", "thread_id": "second"},
	}
	if got := extractThreadID(events); got != "first" {
		t.Errorf("expected first thread id, got %q", got)
	}
}
