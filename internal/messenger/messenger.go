// internal/messenger/messenger.go
package messenger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/types"
)

// Sessions is the slice of session state the messenger needs to decorate
// outbound messages.
type Sessions interface {
	Active(ctx context.Context, chatID string) (*types.SessionRecord, error)
}

// Options control rendering of one outbound message.
type Options struct {
	// Markdown asks the transport layer to render markdown, with a
	// plain-text fallback on parse failure.
	Markdown bool
	// SessionID/ThreadID tie the message to the session that produced
	// it, for the session prefix and for reply routing.
	SessionID int64
	ThreadID  string
	// Prefix prepends the "> Session [N]" header when SessionID is set.
	Prefix bool
}

// Messenger turns pipeline output into Send events on the bus. It owns
// the session prefix decoration so every pipeline renders it uniformly.
type Messenger struct {
	bus      *bus.Bus
	sessions Sessions
}

func New(b *bus.Bus, sessions Sessions) *Messenger {
	return &Messenger{bus: b, sessions: sessions}
}

// Send publishes a text message. Empty text is dropped.
func (m *Messenger) Send(ctx context.Context, chatID, text string, o Options) {
	if text == "" {
		return
	}
	m.publish(ctx, chatID, text, nil, o)
}

// SendMedia publishes a message carrying media items, with text as the
// caption or accompanying message.
func (m *Messenger) SendMedia(ctx context.Context, chatID, text string, media []types.MediaItem, o Options) {
	if text == "" && len(media) == 0 {
		return
	}
	m.publish(ctx, chatID, text, media, o)
}

func (m *Messenger) publish(ctx context.Context, chatID, text string, media []types.MediaItem, o Options) {
	if o.Prefix && o.SessionID > 0 {
		text = m.sessionPrefix(ctx, chatID, o.SessionID) + text
	}
	out := bus.Outgoing{
		ChatID:   chatID,
		Text:     text,
		Media:    media,
		Markdown: o.Markdown,
	}
	if o.SessionID > 0 || o.ThreadID != "" {
		out.Meta = &bus.Meta{SessionID: o.SessionID, ThreadID: o.ThreadID}
	}
	m.bus.Publish(ctx, bus.Send, out)
}

// sessionPrefix renders "> Session [N]" with a trailing star when N is
// the chat's active session.
func (m *Messenger) sessionPrefix(ctx context.Context, chatID string, sessionID int64) string {
	star := ""
	active, err := m.sessions.Active(ctx, chatID)
	if err != nil {
		slog.Warn("session prefix lookup failed", "chat_id", chatID, "error", err)
	} else if active != nil && active.SessionID == sessionID {
		star = "*"
	}
	return fmt.Sprintf("> Session [%d%s]\n\n", sessionID, star)
}
