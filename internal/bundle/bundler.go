// internal/bundle/bundler.go
package bundle

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/types"
)

// pending accumulates message fragments for one (chat, user) key until the
// debounce timer fires.
type pending struct {
	chatID           string
	userID           string
	textParts        []string
	attachments      []types.Attachment
	lastMessageID    int64
	mediaGroupID     string
	replyToMessageID int64
	origin           types.Origin
	timer            *time.Timer
}

func (p *pending) add(msg bus.Incoming) {
	if text := strings.TrimSpace(msg.Text); text != "" {
		p.textParts = append(p.textParts, text)
	}
	p.attachments = append(p.attachments, msg.Attachments...)
	if msg.MessageID != 0 {
		p.lastMessageID = msg.MessageID
	}
	if msg.MediaGroupID != "" {
		p.mediaGroupID = msg.MediaGroupID
	}
	if msg.ReplyToMessageID != 0 {
		p.replyToMessageID = msg.ReplyToMessageID
	}
	if msg.Origin != "" {
		p.origin = msg.Origin
	}
}

func (p *pending) build() bus.Incoming {
	return bus.Incoming{
		ChatID:           p.chatID,
		UserID:           p.userID,
		Text:             strings.Join(p.textParts, "\n"),
		MessageID:        p.lastMessageID,
		MediaGroupID:     p.mediaGroupID,
		ReplyToMessageID: p.replyToMessageID,
		Attachments:      p.attachments,
		Origin:           p.origin,
		BundleCount:      len(p.textParts) + len(p.attachments),
	}
}

// Bundler coalesces rapid-fire message fragments (several messages or an
// album sent within seconds) into one logical message per (chat, user)
// key. Every new fragment resets the debounce clock.
type Bundler struct {
	wait    time.Duration
	enqueue func(bus.Incoming)

	mu      sync.Mutex
	buckets map[string]*pending
}

// New creates a Bundler with the given debounce window. A zero or
// negative wait disables bundling: fragments pass straight through to
// enqueue.
func New(wait time.Duration, enqueue func(bus.Incoming)) *Bundler {
	return &Bundler{
		wait:    wait,
		enqueue: enqueue,
		buckets: make(map[string]*pending),
	}
}

// Handle accepts one message fragment. Fragments without a chat id cannot
// be keyed and are dropped.
func (b *Bundler) Handle(msg bus.Incoming) {
	if b.wait <= 0 {
		b.enqueue(msg)
		return
	}
	if msg.ChatID == "" {
		slog.Debug("dropping unkeyable message fragment")
		return
	}

	key := msg.ChatID + ":" + msg.UserID

	b.mu.Lock()
	p, ok := b.buckets[key]
	if !ok {
		p = &pending{chatID: msg.ChatID, userID: msg.UserID}
		b.buckets[key] = p
	}
	p.add(msg)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(b.wait, func() { b.flush(key) })
	b.mu.Unlock()
}

// FlushAll cancels all timers and synchronously flushes every pending
// bundle. Called on shutdown so no fragment is silently dropped.
func (b *Bundler) FlushAll() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.buckets))
	for key := range b.buckets {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.flush(key)
	}
}

// flush atomically pops the bundle for key and emits the consolidated
// message. A timer that fires after its bundle was already flushed finds
// nothing and returns.
func (b *Bundler) flush(key string) {
	b.mu.Lock()
	p, ok := b.buckets[key]
	if ok {
		delete(b.buckets, key)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.enqueue(p.build())
}
