// internal/memory/memory.go
package memory

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Snippet is one scored match from the memory files.
type Snippet struct {
	Path      string
	StartLine int
	EndLine   int
	Text      string
	score     int
}

// Searcher scans markdown memory files for lines sharing terms with a
// query. It is deliberately simple: the memory corpus is small personal
// notes, not a search index.
type Searcher struct {
	root       string
	maxResults int
}

// NewSearcher creates a Searcher over the markdown files beneath root.
// An empty root disables search (Enabled reports false).
func NewSearcher(root string, maxResults int) *Searcher {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &Searcher{root: root, maxResults: maxResults}
}

func (s *Searcher) Enabled() bool { return s.root != "" }

// Search returns up to maxResults snippets ranked by term overlap with
// the query. Queries with no usable terms return nothing.
func (s *Searcher) Search(query string) ([]Snippet, error) {
	if !s.Enabled() {
		return nil, nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var snippets []Snippet
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		found, err := scanFile(path, terms)
		if err != nil {
			return err
		}
		snippets = append(snippets, found...)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("search memory: %w", err)
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].score > snippets[j].score
	})
	if len(snippets) > s.maxResults {
		snippets = snippets[:s.maxResults]
	}
	return snippets, nil
}

func scanFile(path string, terms []string) ([]Snippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")

	var out []Snippet
	for i, line := range lines {
		lower := strings.ToLower(line)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		start := i - 1
		if start < 0 {
			start = 0
		}
		end := i + 1
		if end >= len(lines) {
			end = len(lines) - 1
		}
		out = append(out, Snippet{
			Path:      path,
			StartLine: start + 1,
			EndLine:   end + 1,
			Text:      strings.TrimSpace(strings.Join(lines[start:end+1], "\n")),
			score:     score,
		})
	}
	return out, nil
}

func queryTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		trimmed := strings.Trim(field, ".,!?:;\"'`()[]")
		if len(trimmed) >= 3 {
			terms = append(terms, trimmed)
		}
	}
	return terms
}
