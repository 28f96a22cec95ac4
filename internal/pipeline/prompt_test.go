package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RustingSword/jarvis/internal/memory"
	"github.com/RustingSword/jarvis/internal/types"
)

func TestBuildPlainMessage(t *testing.T) {
	b, err := NewPromptBuilder("gpt-4", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Build("what time is it", nil); got != "what time is it" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildWithAttachments(t *testing.T) {
	b, err := NewPromptBuilder("gpt-4", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	prompt := b.Build("summarize this", []types.Attachment{
		{Path: "/spool/42/report.pdf", FileName: "report.pdf"},
		{Path: "/spool/42/photo_1.jpg"},
	})
	if !strings.HasPrefix(prompt, "summarize this") {
		t.Fatalf("user text should lead the prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "report.pdf: /spool/42/report.pdf") {
		t.Fatalf("missing named attachment: %q", prompt)
	}
	if !strings.Contains(prompt, "photo_1.jpg: /spool/42/photo_1.jpg") {
		t.Fatalf("missing basename fallback: %q", prompt)
	}
}

func TestBuildWithMemorySnippets(t *testing.T) {
	dir := t.TempDir()
	note := "# Preferences\n\nBackup jobs run nightly on the home server.\n"
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(note), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := NewPromptBuilder("gpt-4", memory.NewSearcher(dir, 5), 1024)
	if err != nil {
		t.Fatal(err)
	}
	prompt := b.Build("when do backup jobs run on the server", nil)
	if !strings.Contains(prompt, "Possibly relevant notes from memory") {
		t.Fatalf("missing memory section: %q", prompt)
	}
	if !strings.Contains(prompt, "nightly") {
		t.Fatalf("snippet body missing: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "when do backup jobs run on the server") {
		t.Fatalf("user text should close the prompt: %q", prompt)
	}
}

func TestMemoryBudgetLimitsSnippets(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "the backup server schedule entry number")
	}
	if err := os.WriteFile(filepath.Join(dir, "big.md"), []byte(strings.Join(lines, "\n\n")), 0o644); err != nil {
		t.Fatal(err)
	}

	tight, err := NewPromptBuilder("gpt-4", memory.NewSearcher(dir, 40), 60)
	if err != nil {
		t.Fatal(err)
	}
	loose, err := NewPromptBuilder("gpt-4", memory.NewSearcher(dir, 40), 4096)
	if err != nil {
		t.Fatal(err)
	}

	query := "backup server schedule"
	if lt, ll := len(tight.Build(query, nil)), len(loose.Build(query, nil)); lt >= ll {
		t.Fatalf("tight budget prompt (%d) should be shorter than loose (%d)", lt, ll)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := Blockquote("a\nb"); got != "> a\n> b" {
		t.Fatalf("Blockquote = %q", got)
	}
	if got := CodeBlock("sh", "ls\n"); got != "```sh\nls\n```" {
		t.Fatalf("CodeBlock = %q", got)
	}
	if got := Truncate("héllo", 3); got != "hél…" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("ok", 3); got != "ok" {
		t.Fatalf("Truncate unmodified = %q", got)
	}
}
