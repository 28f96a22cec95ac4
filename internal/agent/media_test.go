package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RustingSword/jarvis/internal/types"
)

func TestMediaMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "chart.png")
	if err := os.WriteFile(img, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	text := "Here is the chart media://chart.png as requested."
	cleaned, media := extractMedia(text, nil, dir)

	if cleaned != "Here is the chart as requested." {
		t.Errorf("expected marker stripped with whitespace normalized, got %q", cleaned)
	}
	if len(media) != 1 {
		t.Fatalf("expected 1 media item, got %d", len(media))
	}
	if media[0].Kind != types.MediaPhoto {
		t.Errorf("expected photo kind for .png, got %q", media[0].Kind)
	}
	if media[0].Path != img {
		t.Errorf("expected resolved path %q, got %q", img, media[0].Path)
	}
}

func TestMediaMarkerMissingFile(t *testing.T) {
	dir := t.TempDir()
	text := "Result saved to media://missing.pdf for you."
	cleaned, media := extractMedia(text, nil, dir)

	if len(media) != 0 {
		t.Errorf("expected no media for missing file, got %d", len(media))
	}
	if strings.Contains(cleaned, "media://") {
		t.Errorf("marker must be stripped even when unresolvable, got %q", cleaned)
	}
}

func TestMediaMarkerInsideEvents(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(doc, []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}

	events := []RawEvent{
		{"type": "item.completed", "item": map[string]any{
			"type":   "command_execution",
			"output": "wrote media://report.pdf",
		}},
	}
	cleaned, media := extractMedia("done", events, dir)

	if cleaned != "done" {
		t.Errorf("text without markers must be untouched, got %q", cleaned)
	}
	if len(media) != 1 || media[0].Kind != types.MediaDocument {
		t.Fatalf("expected 1 document item, got %+v", media)
	}
}

func TestMediaMarkerDirectoryIgnored(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "outputs")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	_, media := extractMedia("see media://outputs", nil, dir)
	if len(media) != 0 {
		t.Errorf("directories must not become media items, got %+v", media)
	}
}

func TestMediaMarkerDeduped(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(img, []byte("jpg"), 0o644); err != nil {
		t.Fatal(err)
	}

	text := "media://a.jpg and again media://a.jpg"
	_, media := extractMedia(text, nil, dir)
	if len(media) != 1 {
		t.Errorf("expected dedup to 1 item, got %d", len(media))
	}
}
