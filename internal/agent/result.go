// internal/agent/result.go
package agent

import (
	"strings"

	"github.com/RustingSword/jarvis/internal/types"
)

// Result is the aggregate outcome of one completed agent run.
type Result struct {
	// ThreadID is the agent's conversation handle, "" if the run never
	// reported one.
	ThreadID string
	// ResponseText is the concatenated assistant answer with media
	// markers stripped.
	ResponseText string
	// Events holds every decoded stream event in arrival order.
	Events []RawEvent
	// Media lists attachments the agent asked to deliver via embedded
	// media markers.
	Media []types.MediaItem
}

func extractThreadID(events []RawEvent) string {
	for _, ev := range events {
		if ev.Type() == "thread.started" {
			if id := ev.ThreadID(); id != "" {
				return id
			}
		}
	}
	return ""
}

func extractResponseText(events []RawEvent) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(eventText(ev))
	}
	return strings.TrimSpace(b.String())
}

// eventText pulls the textual contribution out of one stream event.
// Recognized shapes: completed assistant messages, streaming text deltas,
// and streaming text completions. Anything else contributes nothing.
func eventText(ev RawEvent) string {
	switch ev.Type() {
	case "item.completed":
		item := ev.Item()
		if item == nil {
			return ""
		}
		if t, _ := item["type"].(string); t != "agent_message" {
			return ""
		}
		return coerceText(item["text"])
	case "response.output_text.delta":
		return coerceText(ev["delta"])
	case "response.output_text.done":
		return coerceText(ev["text"])
	}
	return ""
}

// coerceText flattens the handful of text encodings the protocol uses:
// plain strings, {"text": …} / {"content": …} wrappers, and lists of
// output_text parts.
func coerceText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if inner, ok := v["text"].(string); ok {
			return inner
		}
		if inner, ok := v["content"].(string); ok {
			return inner
		}
	case []any:
		var b strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				b.WriteString(t)
			}
		}
		return b.String()
	}
	return ""
}
