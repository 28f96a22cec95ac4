// internal/bus/bus.go
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RustingSword/jarvis/internal/types"
)

// EventType tags an event on the bus. Payloads are typed per tag; see the
// payload structs below.
type EventType string

const (
	// MessageReceived carries an Incoming payload from the transport layer.
	MessageReceived EventType = "message.received"
	// CommandReceived carries a Command payload.
	CommandReceived EventType = "command.received"
	// TaskQueued carries a Task payload for the task queue.
	TaskQueued EventType = "task.queued"
	// Send carries an Outgoing payload for the transport layer to deliver.
	Send EventType = "message.send"
	// Sent carries a SentInfo payload published by the transport layer
	// after delivery, with the platform message id.
	Sent EventType = "message.sent"
	// TriggerFired carries a Trigger payload from schedulers, monitors,
	// or webhooks.
	TriggerFired EventType = "trigger.fired"
)

// Incoming is one (possibly bundled) user message.
type Incoming struct {
	ChatID           string
	UserID           string
	Text             string
	MessageID        int64
	MediaGroupID     string
	ReplyToMessageID int64
	Attachments      []types.Attachment
	Origin           types.Origin
	BundleCount      int
}

// Command is a parsed slash command.
type Command struct {
	ChatID  string
	Command string
	Args    []string
	RawText string
}

// Task is an ad-hoc unit of work for the task queue.
type Task struct {
	ChatID string
	Text   string
}

// Meta ties an outbound message to the session that produced it so the
// transport layer can report it back for reply routing.
type Meta struct {
	SessionID int64
	ThreadID  string
}

// Outgoing is a message for the transport layer to render and deliver.
type Outgoing struct {
	ChatID   string
	Text     string
	Media    []types.MediaItem
	Markdown bool
	Meta     *Meta
}

// SentInfo reports a delivered message and its platform id.
type SentInfo struct {
	ChatID    string
	MessageID int64
	SessionID int64
	ThreadID  string
}

// Trigger is a fired trigger (schedule, monitor, webhook).
type Trigger struct {
	Kind    string
	Name    string
	ChatID  string
	Message string
}

// Event is an immutable envelope published on the bus. Payload is one of
// the typed structs above, selected by Type.
type Event struct {
	Type      EventType
	Payload   any
	CreatedAt time.Time
}

// Handler consumes one event. Handler failures are recovered and logged
// by the bus; they never reach the publisher or sibling handlers.
type Handler func(ctx context.Context, ev Event)

// Bus is a typed publish/subscribe dispatcher. Subscribers are expected
// to be registered at startup; Publish may be called concurrently.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[EventType][]Handler)}
}

// Subscribe registers handler for events of the given type.
func (b *Bus) Subscribe(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], handler)
}

// Publish dispatches payload to every handler registered for t. Handlers
// run concurrently and independently; Publish returns once all of them
// have been invoked. No registered handlers is a no-op.
func (b *Bus) Publish(ctx context.Context, t EventType, payload any) {
	b.mu.RLock()
	handlers := b.subs[t]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		slog.Debug("no subscribers for event", "type", string(t))
		return
	}

	ev := Event{Type: t, Payload: payload, CreatedAt: time.Now().UTC()}
	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "type", string(t), "panic", r)
				}
			}()
			h(ctx, ev)
		}(handler)
	}
	wg.Wait()
}
