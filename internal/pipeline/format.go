// internal/pipeline/format.go
package pipeline

import "strings"

// Blockquote prefixes every line of text with "> " for markdown rendering.
func Blockquote(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

// CodeBlock wraps text in a fenced code block. lang may be "".
func CodeBlock(lang, text string) string {
	return "```" + lang + "\n" + strings.TrimRight(text, "\n") + "\n```"
}

// Truncate caps text at max runes, appending an ellipsis when trimmed.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
