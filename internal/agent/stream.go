// internal/agent/stream.go
package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
)

// RawEvent is one decoded line of the agent's JSONL output stream. Event
// shapes are only loosely known; accessors tolerate missing fields.
type RawEvent map[string]any

// Type returns the event's type discriminator, or "".
func (e RawEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

// ThreadID returns the thread id carried by a thread-started event, or "".
func (e RawEvent) ThreadID() string {
	id, _ := e["thread_id"].(string)
	return id
}

// Item returns the nested item of an item-completion event, or nil.
func (e RawEvent) Item() map[string]any {
	item, _ := e["item"].(map[string]any)
	return item
}

// DecodeStream reads newline-delimited JSON objects from r and calls fn
// for each successfully parsed event. Malformed lines are skipped, not
// fatal. The decoder is deliberately independent of the process that
// produces the stream so it can be tested against a canned byte stream.
func DecodeStream(r io.Reader, fn func(RawEvent)) error {
	scanner := bufio.NewScanner(r)
	// Agent output can carry long lines (tool results with large file
	// contents).
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev RawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Debug("skipping non-JSON agent output line", "line", string(line))
			continue
		}
		fn(ev)
	}
	return scanner.Err()
}
