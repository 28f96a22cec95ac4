// internal/agent/media.go
package agent

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/RustingSword/jarvis/internal/types"
)

// Media markers are in-band directives of the form media://<path>
// embedded by the agent anywhere in its output. Each marker referencing
// an existing file becomes an attachment; markers are never shown to the
// user.
var mediaMarkerRe = regexp.MustCompile(`media://[^\s"'<>()\[\]]+`)

var photoExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// extractMedia scans the response text and every string nested anywhere
// in the raw events for media markers. It returns the text with markers
// stripped (whitespace normalized) and the resolved media items, deduped
// by path, in first-seen order.
func extractMedia(text string, events []RawEvent, workspaceDir string) (string, []types.MediaItem) {
	seen := make(map[string]bool)
	var markers []string

	collect := func(s string) {
		for _, marker := range mediaMarkerRe.FindAllString(s, -1) {
			if !seen[marker] {
				seen[marker] = true
				markers = append(markers, marker)
			}
		}
	}

	collect(text)
	for _, ev := range events {
		walkStrings(map[string]any(ev), collect)
	}

	var media []types.MediaItem
	resolved := make(map[string]bool)
	for _, marker := range markers {
		path := strings.TrimPrefix(marker, "media://")
		if path == "" {
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspaceDir, path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		if resolved[abs] {
			continue
		}
		resolved[abs] = true
		kind := types.MediaDocument
		if photoExtensions[strings.ToLower(filepath.Ext(abs))] {
			kind = types.MediaPhoto
		}
		media = append(media, types.MediaItem{Path: abs, Kind: kind})
	}

	return stripMarkers(text), media
}

func stripMarkers(text string) string {
	if !strings.Contains(text, "media://") {
		return text
	}
	cleaned := mediaMarkerRe.ReplaceAllString(text, "")
	var lines []string
	for _, line := range strings.Split(cleaned, "\n") {
		lines = append(lines, strings.Join(strings.Fields(line), " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// walkStrings visits every string value nested in a decoded JSON tree.
func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, child := range v {
			walkStrings(child, fn)
		}
	case []any:
		for _, child := range v {
			walkStrings(child, fn)
		}
	}
}
