// internal/pipeline/task.go
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/settings"
)

// TaskPipeline runs ad-hoc tasks. Each task starts a fresh agent thread
// which becomes the chat's active session, announced as soon as the
// thread id is known so the user can reply into it mid-run.
type TaskPipeline struct {
	agent     Runner
	sessions  *session.Manager
	prompt    *PromptBuilder
	progress  *Progress
	messenger *messenger.Messenger
	verbosity *settings.Verbosity
}

func NewTaskPipeline(
	runner Runner,
	sessions *session.Manager,
	prompt *PromptBuilder,
	progress *Progress,
	m *messenger.Messenger,
	v *settings.Verbosity,
) *TaskPipeline {
	return &TaskPipeline{
		agent:     runner,
		sessions:  sessions,
		prompt:    prompt,
		progress:  progress,
		messenger: m,
		verbosity: v,
	}
}

// Handle processes one bus.Task event off the task queue.
func (p *TaskPipeline) Handle(ctx context.Context, ev bus.Event) error {
	task, ok := ev.Payload.(bus.Task)
	if !ok {
		return fmt.Errorf("task pipeline: unexpected payload %T", ev.Payload)
	}
	chatID := task.ChatID
	if err := p.verbosity.Ensure(ctx, chatID); err != nil {
		slog.Warn("verbosity load failed", "chat_id", chatID, "error", err)
	}

	var once sync.Once
	progressFn := func(ev agent.RawEvent) {
		if ev.Type() == "thread.started" {
			if id := ev.ThreadID(); id != "" {
				once.Do(func() {
					rec, err := p.sessions.Upsert(ctx, chatID, id, true)
					if err != nil {
						slog.Warn("task session activation failed", "chat_id", chatID, "thread_id", id, "error", err)
						return
					}
					p.messenger.Send(ctx, chatID,
						fmt.Sprintf("🆕 Session %d created for this task.", rec.SessionID),
						messenger.Options{})
				})
			}
			return
		}
		p.progress.Render(ctx, chatID, ev)
	}

	result, err := p.agent.Run(ctx, p.prompt.Build(task.Text, nil), "", progressFn)
	if err != nil {
		p.messenger.Send(ctx, chatID, "❌ Task failed: "+Truncate(err.Error(), 300), messenger.Options{})
		return fmt.Errorf("task run: %w", err)
	}

	opts := messenger.Options{Markdown: true}
	if result.ThreadID != "" {
		rec, err := p.sessions.Upsert(ctx, chatID, result.ThreadID, false)
		if err != nil {
			slog.Error("task session update failed", "chat_id", chatID, "error", err)
		} else {
			opts.SessionID = rec.SessionID
			opts.ThreadID = rec.ThreadID
			opts.Prefix = true
		}
	}

	text := result.ResponseText
	if text == "" && len(result.Media) == 0 {
		text = "✅ Task finished (no output)"
	}
	if len(result.Media) > 0 {
		p.messenger.SendMedia(ctx, chatID, text, result.Media, opts)
		return nil
	}
	p.messenger.Send(ctx, chatID, text, opts)
	return nil
}
