// internal/session/manager.go
package session

import (
	"context"
	"sync"

	"github.com/RustingSword/jarvis/internal/types"
)

// Store is the persistence contract the manager needs. Lookups return
// (nil, nil) for "not found".
type Store interface {
	GetActiveSession(ctx context.Context, chatID string) (*types.SessionRecord, error)
	GetSessionByID(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error)
	GetSessionByThread(ctx context.Context, chatID, threadID string) (*types.SessionRecord, error)
	ListSessions(ctx context.Context, chatID string, limit int) ([]*types.SessionRecord, error)
	UpsertSession(ctx context.Context, chatID, threadID string, setActive bool) (*types.SessionRecord, error)
	ActivateSession(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error)
	ClearSession(ctx context.Context, chatID string) error
	SaveMessageSession(ctx context.Context, chatID string, messageID, sessionID int64, threadID string) error
	GetMessageSession(ctx context.Context, chatID string, messageID int64) (*types.MessageSession, error)
}

// Resolution is the outcome of deciding which session a new turn belongs
// to.
type Resolution struct {
	// ThreadID is the agent thread to resume; empty means a fresh turn.
	ThreadID string
	// SessionID is the session the turn is known to belong to, 0 when a
	// brand-new session will be minted by the run.
	SessionID int64
	// FromReply reports that reply routing picked the session.
	FromReply bool
	// ActivateOnComplete is set when the thread id reported by the
	// completed run should become the chat's active session.
	ActivateOnComplete bool
}

// Manager owns session identity and thread correlation. All persisted
// state transitions go through here; per-chat locking serializes
// read-modify-write sequences between concurrent turns on the same chat.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) chatLock(chatID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[chatID] = l
	}
	return l
}

// Resolve decides, at the start of a turn, which session the turn belongs
// to. Precedence: reply routing (which also reactivates the replied-to
// session), then the chat's active session, then a fresh turn.
// Trigger- and heartbeat-originated turns always run fresh and never
// activate anything.
func (m *Manager) Resolve(ctx context.Context, chatID string, replyToMessageID int64, origin types.Origin) (Resolution, error) {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	var res Resolution

	var replied *types.MessageSession
	if replyToMessageID != 0 {
		ms, err := m.store.GetMessageSession(ctx, chatID, replyToMessageID)
		if err != nil {
			return res, err
		}
		if ms != nil {
			replied = ms
			if _, err := m.store.ActivateSession(ctx, chatID, ms.SessionID); err != nil {
				return res, err
			}
		}
	}

	active, err := m.store.GetActiveSession(ctx, chatID)
	if err != nil {
		return res, err
	}

	if origin == types.OriginTrigger || origin == types.OriginHeartbeat {
		// Automated turns run without a prior thread and must not tamper
		// with the chat's active session.
		if replied != nil {
			res.SessionID = replied.SessionID
		} else if active != nil {
			res.SessionID = active.SessionID
		}
		return res, nil
	}

	switch {
	case replied != nil:
		res.ThreadID = replied.ThreadID
		res.SessionID = replied.SessionID
		res.FromReply = true
	case active != nil:
		res.ThreadID = active.ThreadID
		res.SessionID = active.SessionID
	default:
		res.ActivateOnComplete = true
	}
	return res, nil
}

// Upsert correlates (chatID, threadID) to a session id, reusing the
// existing id for a pair already in history.
func (m *Manager) Upsert(ctx context.Context, chatID, threadID string, setActive bool) (*types.SessionRecord, error) {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()
	return m.store.UpsertSession(ctx, chatID, threadID, setActive)
}

// Activate makes a historical session active. Returns nil if the id does
// not belong to the chat.
func (m *Manager) Activate(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error) {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()
	return m.store.ActivateSession(ctx, chatID, sessionID)
}

// Clear drops the chat's active pointer; history stays.
func (m *Manager) Clear(ctx context.Context, chatID string) error {
	l := m.chatLock(chatID)
	l.Lock()
	defer l.Unlock()
	return m.store.ClearSession(ctx, chatID)
}

// Active returns the chat's active session, or nil.
func (m *Manager) Active(ctx context.Context, chatID string) (*types.SessionRecord, error) {
	return m.store.GetActiveSession(ctx, chatID)
}

// List returns recent sessions for a chat, newest first.
func (m *Manager) List(ctx context.Context, chatID string, limit int) ([]*types.SessionRecord, error) {
	return m.store.ListSessions(ctx, chatID, limit)
}

// Get returns a historical session by id, or nil.
func (m *Manager) Get(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error) {
	return m.store.GetSessionByID(ctx, chatID, sessionID)
}

// RecordMessage appends to the reply-routing log.
func (m *Manager) RecordMessage(ctx context.Context, chatID string, messageID, sessionID int64, threadID string) error {
	return m.store.SaveMessageSession(ctx, chatID, messageID, sessionID, threadID)
}
