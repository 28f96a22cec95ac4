// internal/command/router.go
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/pipeline"
	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/settings"
	"github.com/RustingSword/jarvis/internal/worker"
)

const helpText = `Available commands:
/new [task] - start a fresh session, optionally with an initial task
/reset - clear the active session (history is kept)
/resume [id] - list recent sessions, or reactivate one by id
/compact - summarize the active session and continue in a new one
/task <text> - run a task in its own new session
/verbosity [full|compact|result] - show or set progress verbosity
/status - show running work and the active session
/help - this message

Reply to any of my messages to continue that session, even after
switching to another one.`

const compactSeedPrefix = "Context carried over from our previous conversation (summarized):\n\n"

// Summaries is the compact flow's persistence hook.
type Summaries interface {
	SaveSummary(chatID, summary string) (string, error)
}

// Router dispatches slash commands. It runs on the command queue, so a
// slow command (like /compact) never blocks message handling.
type Router struct {
	sessions  *session.Manager
	messenger *messenger.Messenger
	verbosity *settings.Verbosity
	agent     pipeline.Runner
	summaries Summaries
	bus       *bus.Bus
	queues    []*worker.Worker
	startedAt time.Time
}

func NewRouter(
	sessions *session.Manager,
	m *messenger.Messenger,
	v *settings.Verbosity,
	agent pipeline.Runner,
	summaries Summaries,
	b *bus.Bus,
	queues []*worker.Worker,
) *Router {
	return &Router{
		sessions:  sessions,
		messenger: m,
		verbosity: v,
		agent:     agent,
		summaries: summaries,
		bus:       b,
		queues:    queues,
		startedAt: time.Now(),
	}
}

// SetQueues registers the worker pools /status reports on. Called once
// during wiring, after the queues (including the one running this
// router) exist.
func (r *Router) SetQueues(queues ...*worker.Worker) {
	r.queues = queues
}

// Handle processes one bus.Command event off the command queue.
func (r *Router) Handle(ctx context.Context, ev bus.Event) error {
	cmd, ok := ev.Payload.(bus.Command)
	if !ok {
		return fmt.Errorf("command router: unexpected payload %T", ev.Payload)
	}

	switch cmd.Command {
	case "start", "help":
		r.messenger.Send(ctx, cmd.ChatID, helpText, messenger.Options{})
		return nil
	case "new":
		return r.handleNew(ctx, cmd)
	case "reset":
		return r.handleReset(ctx, cmd)
	case "resume":
		return r.handleResume(ctx, cmd)
	case "compact":
		return r.handleCompact(ctx, cmd)
	case "task":
		return r.handleTask(ctx, cmd)
	case "verbosity":
		return r.handleVerbosity(ctx, cmd)
	case "status":
		return r.handleStatus(ctx, cmd)
	default:
		r.messenger.Send(ctx, cmd.ChatID,
			fmt.Sprintf("Unknown command /%s. Try /help.", cmd.Command), messenger.Options{})
		return nil
	}
}

func (r *Router) handleNew(ctx context.Context, cmd bus.Command) error {
	if err := r.sessions.Clear(ctx, cmd.ChatID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if text := strings.TrimSpace(strings.Join(cmd.Args, " ")); text != "" {
		r.bus.Publish(ctx, bus.TaskQueued, bus.Task{ChatID: cmd.ChatID, Text: text})
		r.messenger.Send(ctx, cmd.ChatID, "🧾 Task queued in a fresh session.", messenger.Options{})
		return nil
	}
	r.messenger.Send(ctx, cmd.ChatID,
		"🆕 Starting fresh. Your next message begins a new session.", messenger.Options{})
	return nil
}

func (r *Router) handleReset(ctx context.Context, cmd bus.Command) error {
	if err := r.sessions.Clear(ctx, cmd.ChatID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	r.messenger.Send(ctx, cmd.ChatID,
		"♻️ Session cleared. Use /resume to get back to an earlier one.", messenger.Options{})
	return nil
}

func (r *Router) handleResume(ctx context.Context, cmd bus.Command) error {
	if len(cmd.Args) == 0 {
		return r.listSessions(ctx, cmd.ChatID)
	}

	id, err := strconv.ParseInt(cmd.Args[0], 10, 64)
	if err != nil {
		r.messenger.Send(ctx, cmd.ChatID,
			fmt.Sprintf("%q is not a session id. Use /resume to list them.", cmd.Args[0]), messenger.Options{})
		return nil
	}
	rec, err := r.sessions.Activate(ctx, cmd.ChatID, id)
	if err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	if rec == nil {
		r.messenger.Send(ctx, cmd.ChatID,
			fmt.Sprintf("Session %d was not found in this chat.", id), messenger.Options{})
		return nil
	}
	r.messenger.Send(ctx, cmd.ChatID,
		fmt.Sprintf("▶️ Session %d is active again.", rec.SessionID), messenger.Options{})
	return nil
}

func (r *Router) listSessions(ctx context.Context, chatID string) error {
	records, err := r.sessions.List(ctx, chatID, 10)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(records) == 0 {
		r.messenger.Send(ctx, chatID, "No sessions yet. Just send me a message.", messenger.Options{})
		return nil
	}

	active, err := r.sessions.Active(ctx, chatID)
	if err != nil {
		return fmt.Errorf("active session: %w", err)
	}

	var b strings.Builder
	b.WriteString("Recent sessions (newest first):\n")
	for _, rec := range records {
		marker := " "
		if active != nil && active.SessionID == rec.SessionID {
			marker = "*"
		}
		b.WriteString(fmt.Sprintf("%s %d  last active %s\n",
			marker, rec.SessionID, rec.LastActive.Local().Format("Jan 2 15:04")))
	}
	b.WriteString("\nUse /resume <id> to reactivate one.")
	r.messenger.Send(ctx, chatID, b.String(), messenger.Options{})
	return nil
}

// handleCompact summarizes the active session, archives the summary,
// then seeds a fresh thread with it so the conversation continues with
// a small context.
func (r *Router) handleCompact(ctx context.Context, cmd bus.Command) error {
	chatID := cmd.ChatID
	active, err := r.sessions.Active(ctx, chatID)
	if err != nil {
		return fmt.Errorf("active session: %w", err)
	}
	if active == nil {
		r.messenger.Send(ctx, chatID, "No active session to compact.", messenger.Options{})
		return nil
	}

	r.messenger.Send(ctx, chatID,
		fmt.Sprintf("🗜️ Compacting session %d…", active.SessionID), messenger.Options{})

	summaryResult, err := r.agent.Run(ctx,
		"Summarize this entire conversation for a future session. Include key facts, "+
			"decisions, preferences, and any unfinished tasks. Be thorough but concise.",
		active.ThreadID, nil)
	if err != nil {
		r.messenger.Send(ctx, chatID, "❌ Compaction failed: "+pipeline.Truncate(err.Error(), 300), messenger.Options{})
		return fmt.Errorf("summarize session: %w", err)
	}
	summary := strings.TrimSpace(summaryResult.ResponseText)
	if summary == "" {
		r.messenger.Send(ctx, chatID, "❌ The agent returned an empty summary; keeping the session as is.", messenger.Options{})
		return nil
	}

	path, err := r.summaries.SaveSummary(chatID, summary)
	if err != nil {
		slog.Error("summary archive failed", "chat_id", chatID, "error", err)
	}

	if err := r.sessions.Clear(ctx, chatID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	seeded, err := r.agent.Run(ctx, compactSeedPrefix+summary+
		"\n\nAcknowledge briefly; the user will continue from here.", "", nil)
	if err != nil {
		r.messenger.Send(ctx, chatID,
			"⚠️ Summary saved but seeding the new session failed. Your next message starts one from scratch.",
			messenger.Options{})
		return fmt.Errorf("seed session: %w", err)
	}
	if seeded.ThreadID == "" {
		r.messenger.Send(ctx, chatID,
			"⚠️ The new session reported no thread id. Your next message starts one from scratch.",
			messenger.Options{})
		return nil
	}

	rec, err := r.sessions.Upsert(ctx, chatID, seeded.ThreadID, true)
	if err != nil {
		return fmt.Errorf("activate compacted session: %w", err)
	}
	note := fmt.Sprintf("✅ Session %d compacted into session %d.", active.SessionID, rec.SessionID)
	if path != "" {
		note += " Summary archived."
	}
	r.messenger.Send(ctx, chatID, note, messenger.Options{
		SessionID: rec.SessionID, ThreadID: rec.ThreadID, Prefix: true,
	})
	return nil
}

func (r *Router) handleTask(ctx context.Context, cmd bus.Command) error {
	text := strings.TrimSpace(strings.Join(cmd.Args, " "))
	if text == "" {
		r.messenger.Send(ctx, cmd.ChatID, "Usage: /task <what to do>", messenger.Options{})
		return nil
	}
	r.bus.Publish(ctx, bus.TaskQueued, bus.Task{ChatID: cmd.ChatID, Text: text})
	r.messenger.Send(ctx, cmd.ChatID, "🧾 Task queued.", messenger.Options{})
	return nil
}

func (r *Router) handleVerbosity(ctx context.Context, cmd bus.Command) error {
	chatID := cmd.ChatID
	if err := r.verbosity.Ensure(ctx, chatID); err != nil {
		return fmt.Errorf("load verbosity: %w", err)
	}
	if len(cmd.Args) == 0 {
		r.messenger.Send(ctx, chatID,
			fmt.Sprintf("Verbosity is %q. Options: full, compact, result.", r.verbosity.Get(chatID)),
			messenger.Options{})
		return nil
	}
	level, err := r.verbosity.Set(ctx, chatID, cmd.Args[0])
	if err != nil {
		r.messenger.Send(ctx, chatID,
			fmt.Sprintf("%q is not a verbosity level. Options: full, compact, result.", cmd.Args[0]),
			messenger.Options{})
		return nil
	}
	r.messenger.Send(ctx, chatID, fmt.Sprintf("Verbosity set to %q.", level), messenger.Options{})
	return nil
}

func (r *Router) handleStatus(ctx context.Context, cmd bus.Command) error {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Up %s.\n", time.Since(r.startedAt).Round(time.Second)))

	active, err := r.sessions.Active(ctx, cmd.ChatID)
	if err != nil {
		return fmt.Errorf("active session: %w", err)
	}
	if active != nil {
		b.WriteString(fmt.Sprintf("Active session: %d (last active %s).\n",
			active.SessionID, active.LastActive.Local().Format("Jan 2 15:04")))
	} else {
		b.WriteString("No active session.\n")
	}

	busy := 0
	for _, q := range r.queues {
		snapshots := q.Active()
		busy += len(snapshots)
		for _, s := range snapshots {
			b.WriteString(fmt.Sprintf("• %s: %s (running %s)\n",
				s.Loop, s.Summary, time.Since(s.StartedAt).Round(time.Second)))
		}
		if pending := q.Pending(); pending > 0 {
			b.WriteString(fmt.Sprintf("• %s: %d queued\n", q.Name(), pending))
		}
	}
	if busy == 0 {
		b.WriteString("Nothing is running.")
	}

	r.messenger.Send(ctx, cmd.ChatID, strings.TrimRight(b.String(), "\n"), messenger.Options{})
	return nil
}
