// internal/types/models.go
package types

import "time"

// Origin identifies who initiated a unit of work. Trigger- and
// heartbeat-originated runs must never touch a chat's active session.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginTrigger   Origin = "trigger"
	OriginHeartbeat Origin = "heartbeat"
)

// SessionRecord is one logical conversation thread between a chat and the
// external agent. SessionID is monotonically increasing per chat and never
// reused; ThreadID is the agent's opaque conversation handle.
type SessionRecord struct {
	ChatID     string    `json:"chat_id"`
	SessionID  int64     `json:"session_id"`
	ThreadID   string    `json:"thread_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// MessageSession maps an outbound message back to the session that produced
// it, so a later reply to that message can route to the right thread.
type MessageSession struct {
	SessionID int64  `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// Attachment is a file the user sent alongside a message, already spooled
// to local disk by the transport adapter.
type Attachment struct {
	Path     string `json:"path"`
	Kind     string `json:"kind,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// MediaKind classifies an outbound media item for the transport layer.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// MediaItem is a file the agent asked to be delivered as an attachment
// rather than inline text.
type MediaItem struct {
	Path string    `json:"path"`
	Kind MediaKind `json:"kind"`
}
