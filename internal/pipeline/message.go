// internal/pipeline/message.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/settings"
	"github.com/RustingSword/jarvis/internal/types"
)

// Runner is the slice of the agent driver the pipelines depend on.
type Runner interface {
	Run(ctx context.Context, prompt, threadID string, progress agent.ProgressFunc) (*agent.Result, error)
}

// MessagePipeline turns one incoming message into an agent run and
// delivers the outcome.
type MessagePipeline struct {
	agent     Runner
	sessions  *session.Manager
	prompt    *PromptBuilder
	progress  *Progress
	messenger *messenger.Messenger
	verbosity *settings.Verbosity
}

func NewMessagePipeline(
	runner Runner,
	sessions *session.Manager,
	prompt *PromptBuilder,
	progress *Progress,
	m *messenger.Messenger,
	v *settings.Verbosity,
) *MessagePipeline {
	return &MessagePipeline{
		agent:     runner,
		sessions:  sessions,
		prompt:    prompt,
		progress:  progress,
		messenger: m,
		verbosity: v,
	}
}

// Handle processes one bus.Incoming event off the message queue.
func (p *MessagePipeline) Handle(ctx context.Context, ev bus.Event) error {
	msg, ok := ev.Payload.(bus.Incoming)
	if !ok {
		return fmt.Errorf("message pipeline: unexpected payload %T", ev.Payload)
	}
	return p.run(ctx, msg)
}

func (p *MessagePipeline) run(ctx context.Context, msg bus.Incoming) error {
	chatID := msg.ChatID
	if err := p.verbosity.Ensure(ctx, chatID); err != nil {
		slog.Warn("verbosity load failed", "chat_id", chatID, "error", err)
	}

	res, err := p.sessions.Resolve(ctx, chatID, msg.ReplyToMessageID, msg.Origin)
	if err != nil {
		p.messenger.Send(ctx, chatID, "❌ Could not resolve the session for this message.", messenger.Options{})
		return fmt.Errorf("resolve session: %w", err)
	}

	prompt := p.prompt.Build(msg.Text, msg.Attachments)
	result, runErr := p.agent.Run(ctx, prompt, res.ThreadID, p.progressFunc(ctx, chatID))
	if runErr != nil {
		p.reportRunFailure(ctx, chatID, runErr)
		return fmt.Errorf("agent run: %w", runErr)
	}

	rec, err := p.recordOutcome(ctx, chatID, result.ThreadID, res)
	if err != nil {
		slog.Error("session update failed", "chat_id", chatID, "thread_id", result.ThreadID, "error", err)
	}

	p.deliver(ctx, chatID, result, rec)
	return nil
}

// progressFunc builds the per-run stream callback: thread correlation
// first, then progress rendering. The early upsert with set_active=false
// lets /status and reply routing see the session before the run finishes
// without racing the activation decision.
func (p *MessagePipeline) progressFunc(ctx context.Context, chatID string) agent.ProgressFunc {
	var once sync.Once
	return func(ev agent.RawEvent) {
		if ev.Type() == "thread.started" {
			if id := ev.ThreadID(); id != "" {
				once.Do(func() {
					if _, err := p.sessions.Upsert(ctx, chatID, id, false); err != nil {
						slog.Warn("thread correlation failed", "chat_id", chatID, "thread_id", id, "error", err)
					}
				})
			}
			return
		}
		p.progress.Render(ctx, chatID, ev)
	}
}

func (p *MessagePipeline) recordOutcome(ctx context.Context, chatID, threadID string, res session.Resolution) (*types.SessionRecord, error) {
	if threadID == "" {
		// The run never reported a thread. Fall back to the session we
		// resolved, if any, so the reply still carries a prefix.
		if res.SessionID > 0 {
			return p.sessions.Get(ctx, chatID, res.SessionID)
		}
		return nil, nil
	}
	return p.sessions.Upsert(ctx, chatID, threadID, res.ActivateOnComplete)
}

func (p *MessagePipeline) deliver(ctx context.Context, chatID string, result *agent.Result, rec *types.SessionRecord) {
	text := result.ResponseText
	if text == "" && len(result.Media) == 0 {
		text = "✅ Done (no output)"
	}

	opts := messenger.Options{Markdown: true}
	if rec != nil {
		opts.SessionID = rec.SessionID
		opts.ThreadID = rec.ThreadID
		opts.Prefix = true
	}
	if len(result.Media) > 0 {
		p.messenger.SendMedia(ctx, chatID, text, result.Media, opts)
		return
	}
	p.messenger.Send(ctx, chatID, text, opts)
}

func (p *MessagePipeline) reportRunFailure(ctx context.Context, chatID string, err error) {
	var timeoutErr *agent.TimeoutError
	var procErr *agent.ProcessError
	switch {
	case errors.As(err, &timeoutErr):
		p.messenger.Send(ctx, chatID,
			fmt.Sprintf("⏱️ The agent did not finish within %s. Try again or split the request.", timeoutErr.Timeout),
			messenger.Options{})
	case errors.As(err, &procErr):
		text := fmt.Sprintf("❌ Agent process failed (exit %d).", procErr.ExitCode)
		if s := Truncate(procErr.Stderr, 500); s != "" {
			text += "\n" + CodeBlock("", s)
		}
		p.messenger.Send(ctx, chatID, text, messenger.Options{Markdown: true})
	default:
		p.messenger.Send(ctx, chatID, "❌ Agent run failed: "+Truncate(err.Error(), 300), messenger.Options{})
	}
}
