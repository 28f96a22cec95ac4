package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/settings"
	"github.com/RustingSword/jarvis/internal/storage"
	"github.com/RustingSword/jarvis/internal/types"
)

type runCall struct {
	prompt   string
	threadID string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []runCall
	events []agent.RawEvent
	result *agent.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, prompt, threadID string, progress agent.ProgressFunc) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runCall{prompt: prompt, threadID: threadID})
	f.mu.Unlock()
	if progress != nil {
		for _, ev := range f.events {
			progress(ev)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) lastCall(t *testing.T) runCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("agent was never invoked")
	}
	return f.calls[len(f.calls)-1]
}

type outbox struct {
	mu   sync.Mutex
	sent []bus.Outgoing
}

func (o *outbox) handler(_ context.Context, ev bus.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, ev.Payload.(bus.Outgoing))
}

func (o *outbox) all() []bus.Outgoing {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bus.Outgoing(nil), o.sent...)
}

func (o *outbox) last(t *testing.T) bus.Outgoing {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return o.sent[len(o.sent)-1]
}

type fixture struct {
	runner   *fakeRunner
	sessions *session.Manager
	box      *outbox
	message  *MessagePipeline
	task     *TaskPipeline
	heart    *HeartbeatPipeline
}

func newFixture(t *testing.T, runner *fakeRunner) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "jarvis.db"), filepath.Join(dir, "summaries"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sessions := session.NewManager(store)
	b := bus.New()
	box := &outbox{}
	b.Subscribe(bus.Send, box.handler)

	m := messenger.New(b, sessions)
	v := settings.NewVerbosity(store, settings.VerbosityFull)
	progress := NewProgress(m, v)

	prompt, err := NewPromptBuilder("gpt-4", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		runner:   runner,
		sessions: sessions,
		box:      box,
		message:  NewMessagePipeline(runner, sessions, prompt, progress, m, v),
		task:     NewTaskPipeline(runner, sessions, prompt, progress, m, v),
		heart:    NewHeartbeatPipeline(runner, sessions, m),
	}
}

func incomingEvent(msg bus.Incoming) bus.Event {
	return bus.Event{Type: bus.MessageReceived, Payload: msg, CreatedAt: time.Now()}
}

func TestMessageFirstTurnActivatesSession(t *testing.T) {
	runner := &fakeRunner{
		events: []agent.RawEvent{{"type": "thread.started", "thread_id": "t1"}},
		result: &agent.Result{ThreadID: "t1", ResponseText: "hi there"},
	}
	f := newFixture(t, runner)
	ctx := context.Background()

	err := f.message.Handle(ctx, incomingEvent(bus.Incoming{ChatID: "42", Text: "hello", Origin: types.OriginUser}))
	if err != nil {
		t.Fatal(err)
	}

	if got := runner.lastCall(t); got.threadID != "" {
		t.Fatalf("first turn should start fresh, resumed %q", got.threadID)
	}

	active, err := f.sessions.Active(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ThreadID != "t1" {
		t.Fatalf("active session = %+v, want thread t1", active)
	}

	out := f.box.last(t)
	if !strings.HasPrefix(out.Text, "> Session [1*]\n\n") {
		t.Fatalf("missing active-session prefix: %q", out.Text)
	}
	if !strings.HasSuffix(out.Text, "hi there") {
		t.Fatalf("missing answer text: %q", out.Text)
	}
	if out.Meta == nil || out.Meta.SessionID != 1 || out.Meta.ThreadID != "t1" {
		t.Fatalf("meta = %+v", out.Meta)
	}
}

func TestMessageResumesActiveSession(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{ThreadID: "t1", ResponseText: "again"}}
	f := newFixture(t, runner)
	ctx := context.Background()

	if _, err := f.sessions.Upsert(ctx, "42", "t1", true); err != nil {
		t.Fatal(err)
	}
	if err := f.message.Handle(ctx, incomingEvent(bus.Incoming{ChatID: "42", Text: "more", Origin: types.OriginUser})); err != nil {
		t.Fatal(err)
	}
	if got := f.runner.lastCall(t); got.threadID != "t1" {
		t.Fatalf("expected resume of t1, got %q", got.threadID)
	}
}

func TestMessageReplyRoutesToOldSession(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{ThreadID: "t1", ResponseText: "old thread answer"}}
	f := newFixture(t, runner)
	ctx := context.Background()

	if _, err := f.sessions.Upsert(ctx, "42", "t1", true); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.RecordMessage(ctx, "42", 900, 1, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.Upsert(ctx, "42", "t2", true); err != nil {
		t.Fatal(err)
	}

	err := f.message.Handle(ctx, incomingEvent(bus.Incoming{
		ChatID: "42", Text: "about that", ReplyToMessageID: 900, Origin: types.OriginUser,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.runner.lastCall(t); got.threadID != "t1" {
		t.Fatalf("reply should resume t1, got %q", got.threadID)
	}
	active, err := f.sessions.Active(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.SessionID != 1 {
		t.Fatalf("reply should reactivate session 1, active = %+v", active)
	}
}

func TestMessageTriggerOriginRunsFresh(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{ThreadID: "t9", ResponseText: "checked"}}
	f := newFixture(t, runner)
	ctx := context.Background()

	if _, err := f.sessions.Upsert(ctx, "42", "t1", true); err != nil {
		t.Fatal(err)
	}
	err := f.message.Handle(ctx, incomingEvent(bus.Incoming{ChatID: "42", Text: "cron says", Origin: types.OriginTrigger}))
	if err != nil {
		t.Fatal(err)
	}
	if got := f.runner.lastCall(t); got.threadID != "" {
		t.Fatalf("trigger turn should not resume, got %q", got.threadID)
	}
	active, err := f.sessions.Active(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ThreadID != "t1" {
		t.Fatalf("trigger turn must not steal activation, active = %+v", active)
	}
}

func TestMessageTimeoutReported(t *testing.T) {
	runner := &fakeRunner{err: &agent.TimeoutError{Timeout: 5 * time.Minute}}
	f := newFixture(t, runner)

	err := f.message.Handle(context.Background(), incomingEvent(bus.Incoming{ChatID: "42", Text: "slow", Origin: types.OriginUser}))
	if err == nil {
		t.Fatal("expected error from timed-out run")
	}
	out := f.box.last(t)
	if !strings.Contains(out.Text, "did not finish within 5m0s") {
		t.Fatalf("timeout message = %q", out.Text)
	}
}

func TestMessageProcessFailureReported(t *testing.T) {
	runner := &fakeRunner{err: &agent.ProcessError{ExitCode: 3, Stderr: "boom"}}
	f := newFixture(t, runner)

	err := f.message.Handle(context.Background(), incomingEvent(bus.Incoming{ChatID: "42", Text: "x", Origin: types.OriginUser}))
	if err == nil {
		t.Fatal("expected error from failed run")
	}
	out := f.box.last(t)
	if !strings.Contains(out.Text, "exit 3") || !strings.Contains(out.Text, "boom") {
		t.Fatalf("failure message = %q", out.Text)
	}
}

func TestMessageMediaDelivery(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{
		ThreadID:     "t1",
		ResponseText: "here is the chart",
		Media:        []types.MediaItem{{Path: "/tmp/chart.png", Kind: types.MediaPhoto}},
	}}
	f := newFixture(t, runner)

	err := f.message.Handle(context.Background(), incomingEvent(bus.Incoming{ChatID: "42", Text: "plot it", Origin: types.OriginUser}))
	if err != nil {
		t.Fatal(err)
	}
	out := f.box.last(t)
	if len(out.Media) != 1 || out.Media[0].Path != "/tmp/chart.png" {
		t.Fatalf("media = %+v", out.Media)
	}
}

func TestMessageProgressRelayed(t *testing.T) {
	runner := &fakeRunner{
		events: []agent.RawEvent{
			{"type": "item.completed", "item": map[string]any{"type": "reasoning", "text": "planning the steps"}},
			{"type": "item.completed", "item": map[string]any{"type": "command_execution", "command": "ls -la"}},
		},
		result: &agent.Result{ThreadID: "t1", ResponseText: "done"},
	}
	f := newFixture(t, runner)

	err := f.message.Handle(context.Background(), incomingEvent(bus.Incoming{ChatID: "42", Text: "go", Origin: types.OriginUser}))
	if err != nil {
		t.Fatal(err)
	}
	sent := f.box.all()
	if len(sent) != 3 {
		t.Fatalf("got %d messages, want reasoning + command + answer", len(sent))
	}
	if !strings.Contains(sent[0].Text, "💭") || !strings.Contains(sent[0].Text, "planning the steps") {
		t.Fatalf("reasoning progress = %q", sent[0].Text)
	}
	if !strings.Contains(sent[1].Text, "ls -la") {
		t.Fatalf("command progress = %q", sent[1].Text)
	}
}

func TestTaskCreatesAndAnnouncesSession(t *testing.T) {
	runner := &fakeRunner{
		events: []agent.RawEvent{{"type": "thread.started", "thread_id": "t5"}},
		result: &agent.Result{ThreadID: "t5", ResponseText: "task output"},
	}
	f := newFixture(t, runner)
	ctx := context.Background()

	err := f.task.Handle(ctx, bus.Event{Type: bus.TaskQueued, Payload: bus.Task{ChatID: "42", Text: "clean up"}})
	if err != nil {
		t.Fatal(err)
	}

	sent := f.box.all()
	if len(sent) != 2 {
		t.Fatalf("got %d messages, want announcement + result", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Session 1 created") {
		t.Fatalf("announcement = %q", sent[0].Text)
	}
	if !strings.HasPrefix(sent[1].Text, "> Session [1*]") {
		t.Fatalf("result prefix = %q", sent[1].Text)
	}

	active, err := f.sessions.Active(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ThreadID != "t5" {
		t.Fatalf("task session should be active, got %+v", active)
	}
}

func TestHeartbeatQuietRunSuppressed(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{ThreadID: "t3", ResponseText: "HEARTBEAT_OK"}}
	f := newFixture(t, runner)

	if err := f.heart.Run(context.Background(), "42", "check disk space"); err != nil {
		t.Fatal(err)
	}
	if got := f.box.all(); len(got) != 0 {
		t.Fatalf("quiet heartbeat should send nothing, sent %+v", got)
	}
}

func TestHeartbeatFindingDelivered(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{ThreadID: "t3", ResponseText: "Disk is 95% full on /var."}}
	f := newFixture(t, runner)
	ctx := context.Background()

	if err := f.heart.Run(ctx, "42", "check disk space"); err != nil {
		t.Fatal(err)
	}
	out := f.box.last(t)
	if !strings.Contains(out.Text, "95% full") {
		t.Fatalf("finding = %q", out.Text)
	}
	if !strings.HasPrefix(out.Text, "> Session [1]\n\n") {
		t.Fatalf("heartbeat session must not be active: %q", out.Text)
	}

	active, err := f.sessions.Active(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("heartbeat must not activate a session, got %+v", active)
	}
}

func TestHeartbeatRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("spawn failed")}
	f := newFixture(t, runner)
	if err := f.heart.Run(context.Background(), "42", "check"); err == nil {
		t.Fatal("expected error")
	}
}
