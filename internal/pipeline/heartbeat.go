// internal/pipeline/heartbeat.go
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/session"
)

// HeartbeatOK is the sentinel the heartbeat instructions ask the agent
// to answer with when nothing needs attention. Runs answering with it
// are delivered to nobody.
const HeartbeatOK = "HEARTBEAT_OK"

// HeartbeatPipeline runs periodic heartbeat checks on a fresh thread.
// The resulting session is recorded but never activated, and quiet
// outcomes are suppressed entirely.
type HeartbeatPipeline struct {
	agent     Runner
	sessions  *session.Manager
	messenger *messenger.Messenger
}

func NewHeartbeatPipeline(runner Runner, sessions *session.Manager, m *messenger.Messenger) *HeartbeatPipeline {
	return &HeartbeatPipeline{agent: runner, sessions: sessions, messenger: m}
}

// Run executes one heartbeat check with the given instructions and
// reports to chatID only when the agent found something.
func (p *HeartbeatPipeline) Run(ctx context.Context, chatID, instructions string) error {
	result, err := p.agent.Run(ctx, instructions, "", nil)
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}

	if suppressHeartbeat(result) {
		slog.Debug("heartbeat quiet", "chat_id", chatID)
		return nil
	}

	opts := messenger.Options{Markdown: true}
	if result.ThreadID != "" {
		rec, err := p.sessions.Upsert(ctx, chatID, result.ThreadID, false)
		if err != nil {
			slog.Error("heartbeat session update failed", "chat_id", chatID, "error", err)
		} else {
			opts.SessionID = rec.SessionID
			opts.ThreadID = rec.ThreadID
			opts.Prefix = true
		}
	}

	text := result.ResponseText
	if len(result.Media) > 0 {
		p.messenger.SendMedia(ctx, chatID, text, result.Media, opts)
		return nil
	}
	p.messenger.Send(ctx, chatID, text, opts)
	return nil
}

// suppressHeartbeat reports whether the run produced nothing worth
// relaying: an empty answer, the bare sentinel, or a short answer that
// ends with it.
func suppressHeartbeat(result *agent.Result) bool {
	if len(result.Media) > 0 {
		return false
	}
	text := strings.TrimSpace(result.ResponseText)
	if text == "" || text == HeartbeatOK {
		return true
	}
	return strings.HasSuffix(text, HeartbeatOK) && len(text) < len(HeartbeatOK)+80
}
