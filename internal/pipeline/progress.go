// internal/pipeline/progress.go
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/settings"
)

const progressTextLimit = 1200

// Progress relays intermediate agent activity to the chat, filtered by
// the chat's verbosity level.
type Progress struct {
	messenger *messenger.Messenger
	verbosity *settings.Verbosity
}

func NewProgress(m *messenger.Messenger, v *settings.Verbosity) *Progress {
	return &Progress{messenger: m, verbosity: v}
}

// Render forwards a single stream event to the chat if the verbosity
// level admits it. Final answers are not rendered here; pipelines send
// them from the run result.
func (p *Progress) Render(ctx context.Context, chatID string, ev agent.RawEvent) {
	if ev.Type() != "item.completed" {
		return
	}
	item := ev.Item()
	if item == nil {
		return
	}

	var text string
	switch itemType, _ := item["type"].(string); itemType {
	case "reasoning":
		if !p.verbosity.ShowReasoning(chatID) {
			return
		}
		body := itemText(item)
		if body == "" {
			return
		}
		text = Blockquote("💭 " + Truncate(body, progressTextLimit))
	case "command_execution":
		if !p.verbosity.ShowToolMessages(chatID) {
			return
		}
		cmd, _ := item["command"].(string)
		if cmd == "" {
			return
		}
		text = "⚙️ Running\n" + CodeBlock("console", Truncate(cmd, progressTextLimit))
	case "mcp_tool_call", "tool_call":
		if !p.verbosity.ShowToolMessages(chatID) {
			return
		}
		name := toolName(item)
		if name == "" {
			return
		}
		text = fmt.Sprintf("🔧 Calling `%s`", name)
	default:
		return
	}

	p.messenger.Send(ctx, chatID, text, messenger.Options{Markdown: true})
}

// itemText extracts human-readable text from a stream item, which may
// arrive as a plain string or a list of summary parts.
func itemText(item map[string]any) string {
	if s, ok := item["text"].(string); ok {
		return strings.TrimSpace(s)
	}
	parts, ok := item["summary"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		switch v := part.(type) {
		case string:
			b.WriteString(v)
		case map[string]any:
			if t, ok := v["text"].(string); ok {
				b.WriteString(t)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func toolName(item map[string]any) string {
	if name, _ := item["tool"].(string); name != "" {
		return name
	}
	name, _ := item["name"].(string)
	return name
}
