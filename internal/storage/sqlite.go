// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/RustingSword/jarvis/internal/types"
)

// Store is the SQLite-backed persistence layer. The sessions table holds
// the per-chat active-session pointer; session_history is append-only and
// is where session ids are minted; message_sessions is the append-only
// reply-routing log; settings holds per-chat key/value preferences.
type Store struct {
	db         *sql.DB
	summaryDir string
}

// Open opens (creating if needed) the database at dbPath and ensures the
// schema. Summaries produced by the compact flow are written under
// summaryDir.
func Open(dbPath, summaryDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(summaryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create summary dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection
	// avoids busy errors from concurrent turns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, summaryDir: summaryDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			chat_id TEXT PRIMARY KEY,
			session_id INTEGER NOT NULL,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_active TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_active TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_chat ON session_history(chat_id);`,
		`CREATE TABLE IF NOT EXISTS message_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			session_id INTEGER NOT NULL,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_message_sessions_lookup ON message_sessions(chat_id, message_id);`,
		`CREATE TABLE IF NOT EXISTS settings (
			chat_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, key)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetActiveSession returns the chat's active session, or nil if the chat
// has none.
func (s *Store) GetActiveSession(ctx context.Context, chatID string) (*types.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, session_id, thread_id, created_at, last_active
		 FROM sessions WHERE chat_id = ?`, chatID)
	return scanSession(row)
}

// GetSessionByID returns the history entry with the given session id, or
// nil if it does not belong to the chat.
func (s *Store) GetSessionByID(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, id, thread_id, created_at, last_active
		 FROM session_history WHERE chat_id = ? AND id = ?`, chatID, sessionID)
	return scanSession(row)
}

// GetSessionByThread returns the most recent history entry correlating the
// chat with the given agent thread, or nil if none exists.
func (s *Store) GetSessionByThread(ctx context.Context, chatID, threadID string) (*types.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, id, thread_id, created_at, last_active
		 FROM session_history WHERE chat_id = ? AND thread_id = ?
		 ORDER BY id DESC LIMIT 1`, chatID, threadID)
	return scanSession(row)
}

// ListSessions returns up to limit history entries for the chat, newest
// first.
func (s *Store) ListSessions(ctx context.Context, chatID string, limit int) ([]*types.SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, id, thread_id, created_at, last_active
		 FROM session_history WHERE chat_id = ?
		 ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.SessionRecord
	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertSession correlates (chatID, threadID) with a session id. A pair
// already in history resolves to its existing id; otherwise a new history
// entry mints the next id. With setActive the session becomes the chat's
// active session. Idempotent: repeated calls with the same pair return
// the same id and only bump last_active.
func (s *Store) UpsertSession(ctx context.Context, chatID, threadID string, setActive bool) (*types.SessionRecord, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT chat_id, id, thread_id, created_at, last_active
		 FROM session_history WHERE chat_id = ? AND thread_id = ?
		 ORDER BY id DESC LIMIT 1`, chatID, threadID))
	if err != nil {
		return nil, err
	}

	rec := &types.SessionRecord{
		ChatID:     chatID,
		ThreadID:   threadID,
		CreatedAt:  now,
		LastActive: now,
	}
	if existing != nil {
		rec.SessionID = existing.SessionID
		rec.CreatedAt = existing.CreatedAt
		if _, err := tx.ExecContext(ctx,
			`UPDATE session_history SET last_active = ? WHERE id = ?`,
			formatTime(now), existing.SessionID); err != nil {
			return nil, fmt.Errorf("touch session: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO session_history (chat_id, thread_id, created_at, last_active)
			 VALUES (?, ?, ?, ?)`,
			chatID, threadID, formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		rec.SessionID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
	}

	if setActive {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (chat_id, session_id, thread_id, created_at, last_active)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(chat_id) DO UPDATE SET
				session_id = excluded.session_id,
				thread_id = excluded.thread_id,
				created_at = excluded.created_at,
				last_active = excluded.last_active`,
			chatID, rec.SessionID, threadID, formatTime(rec.CreatedAt), formatTime(now)); err != nil {
			return nil, fmt.Errorf("set active session: %w", err)
		}
	} else {
		// Keep last_active fresh when the run happens to be on the
		// already-active thread.
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_active = ? WHERE chat_id = ? AND thread_id = ?`,
			formatTime(now), chatID, threadID); err != nil {
			return nil, fmt.Errorf("touch active session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return rec, nil
}

// ActivateSession makes a historical session the chat's active one.
// Returns nil if the session id does not belong to the chat.
func (s *Store) ActivateSession(ctx context.Context, chatID string, sessionID int64) (*types.SessionRecord, error) {
	rec, err := s.GetSessionByID(ctx, chatID, sessionID)
	if err != nil || rec == nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE session_history SET last_active = ? WHERE id = ?`,
		formatTime(now), sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (chat_id, session_id, thread_id, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			session_id = excluded.session_id,
			thread_id = excluded.thread_id,
			created_at = excluded.created_at,
			last_active = excluded.last_active`,
		chatID, sessionID, rec.ThreadID, formatTime(rec.CreatedAt), formatTime(now)); err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activate: %w", err)
	}

	rec.LastActive = now
	return rec, nil
}

// ClearSession removes the chat's active-session pointer. History is
// untouched.
func (s *Store) ClearSession(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// SaveMessageSession appends to the reply-routing log. Entries are never
// overwritten.
func (s *Store) SaveMessageSession(ctx context.Context, chatID string, messageID, sessionID int64, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO message_sessions (chat_id, message_id, session_id, thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chatID, messageID, sessionID, threadID, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("save message session: %w", err)
	}
	return nil
}

// GetMessageSession returns the session that produced the given outbound
// message, or nil if the message is unknown. The newest entry wins.
func (s *Store) GetMessageSession(ctx context.Context, chatID string, messageID int64) (*types.MessageSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id FROM message_sessions
		 WHERE chat_id = ? AND message_id = ?
		 ORDER BY id DESC LIMIT 1`, chatID, messageID)
	var ms types.MessageSession
	if err := row.Scan(&ms.SessionID, &ms.ThreadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message session: %w", err)
	}
	return &ms, nil
}

// GetSetting returns a per-chat setting value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, chatID, key string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE chat_id = ? AND key = ?`, chatID, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, chatID, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (chat_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		chatID, key, value, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, chatID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE chat_id = ? AND key = ?`, chatID, key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

// SaveSummary writes a compact-flow summary to the summary dir and returns
// its path.
func (s *Store) SaveSummary(chatID, summary string) (string, error) {
	name := fmt.Sprintf("%s_%s.summary.txt", chatID, uuid.New().String())
	path := filepath.Join(s.summaryDir, name)
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*types.SessionRecord, error) {
	rec, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func scanSessionRow(row rowScanner) (*types.SessionRecord, error) {
	var rec types.SessionRecord
	var createdAt, lastActive string
	if err := row.Scan(&rec.ChatID, &rec.SessionID, &rec.ThreadID, &createdAt, &lastActive); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.LastActive = parseTime(lastActive)
	return &rec, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
