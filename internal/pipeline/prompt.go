// internal/pipeline/prompt.go
package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/RustingSword/jarvis/internal/memory"
	"github.com/RustingSword/jarvis/internal/types"
)

// PromptBuilder assembles the prompt handed to the agent process. Memory
// snippets are appended under a token budget so a large memory corpus
// cannot crowd out the user's message.
type PromptBuilder struct {
	tokenizer    *tiktoken.Tiktoken
	memory       *memory.Searcher
	memoryBudget int
}

// NewPromptBuilder selects a tokenizer for model, falling back to
// cl100k_base for unknown models.
func NewPromptBuilder(model string, mem *memory.Searcher, memoryBudget int) (*PromptBuilder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if memoryBudget <= 0 {
		memoryBudget = 1024
	}
	return &PromptBuilder{tokenizer: enc, memory: mem, memoryBudget: memoryBudget}, nil
}

func (p *PromptBuilder) countTokens(text string) int {
	return len(p.tokenizer.Encode(text, nil, nil))
}

// Build renders the final prompt text for one incoming message.
func (p *PromptBuilder) Build(text string, attachments []types.Attachment) string {
	var b strings.Builder

	if snippets := p.memorySection(text); snippets != "" {
		b.WriteString(snippets)
		b.WriteString("\n\n")
	}

	b.WriteString(text)

	if len(attachments) > 0 {
		b.WriteString("\n\nAttached files (read them from these paths):")
		for _, a := range attachments {
			name := a.FileName
			if name == "" {
				name = filepath.Base(a.Path)
			}
			b.WriteString(fmt.Sprintf("\n- %s: %s", name, a.Path))
		}
	}

	return b.String()
}

// memorySection returns a "relevant notes" block for the query, trimmed
// to the memory token budget. Snippets arrive best-first; once one no
// longer fits the section is closed.
func (p *PromptBuilder) memorySection(query string) string {
	if p.memory == nil || !p.memory.Enabled() {
		return ""
	}
	snippets, err := p.memory.Search(query)
	if err != nil {
		slog.Warn("memory search failed", "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	header := "Possibly relevant notes from memory (for reference only):"
	used := p.countTokens(header)
	var lines []string
	for _, s := range snippets {
		line := fmt.Sprintf("[%s:%d]\n%s", filepath.Base(s.Path), s.StartLine, s.Text)
		cost := p.countTokens(line)
		if used+cost > p.memoryBudget {
			break
		}
		lines = append(lines, line)
		used += cost
	}
	if len(lines) == 0 {
		return ""
	}
	return header + "\n\n" + strings.Join(lines, "\n\n")
}
