// internal/worker/worker.go
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
)

// Handler processes one dequeued event. A handler error is logged per
// item and never terminates the consumer loop.
type Handler func(ctx context.Context, ev bus.Event) error

// Snapshot describes one item currently being processed, for "what is
// running right now" diagnostics.
type Snapshot struct {
	Loop      string
	EventType string
	StartedAt time.Time
	Summary   string
	SessionID string
	ChatID    string
}

type item struct {
	ev     bus.Event
	poison bool
}

// Worker is a named consumer pool draining an unbounded in-memory FIFO
// queue with bounded concurrency. Stop uses one poison pill per consumer
// loop, so shutdown latency is at most one in-flight item per loop.
type Worker struct {
	name        string
	concurrency int
	handler     Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	started bool
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]Snapshot
}

// New creates a Worker. Concurrency below 1 is clamped to 1.
func New(name string, concurrency int, handler Handler) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	w := &Worker{
		name:        name,
		concurrency: concurrency,
		handler:     handler,
		active:      make(map[string]Snapshot),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *Worker) Name() string { return w.name }

// Start spawns the consumer loops. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	for i := 0; i < w.concurrency; i++ {
		loop := fmt.Sprintf("%s-%d", w.name, i+1)
		w.wg.Add(1)
		go w.run(ctx, loop)
	}
}

// Stop enqueues one sentinel per consumer loop and waits for all loops to
// exit. Items enqueued before Stop are processed; no handler is invoked
// after Stop returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for i := 0; i < w.concurrency; i++ {
		w.queue = append(w.queue, item{poison: true})
	}
	w.started = false
	w.mu.Unlock()
	w.cond.Broadcast()

	w.wg.Wait()
}

// Enqueue appends an event to the queue. It never blocks the caller.
func (w *Worker) Enqueue(ev bus.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, item{ev: ev})
	w.mu.Unlock()
	w.cond.Signal()
}

// Pending returns the number of queued, not yet dequeued items.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Active returns a snapshot of items currently being processed.
func (w *Worker) Active() []Snapshot {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	out := make([]Snapshot, 0, len(w.active))
	for _, s := range w.active {
		out = append(out, s)
	}
	return out
}

func (w *Worker) run(ctx context.Context, loop string) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if next.poison {
			return
		}

		w.activeMu.Lock()
		w.active[loop] = describe(loop, next.ev)
		w.activeMu.Unlock()

		if err := w.handler(ctx, next.ev); err != nil {
			slog.Error("worker failed to handle event",
				"worker", w.name, "loop", loop, "type", string(next.ev.Type), "error", err)
		}

		w.activeMu.Lock()
		delete(w.active, loop)
		w.activeMu.Unlock()
	}
}

func describe(loop string, ev bus.Event) Snapshot {
	s := Snapshot{
		Loop:      loop,
		EventType: string(ev.Type),
		StartedAt: time.Now().UTC(),
	}
	switch p := ev.Payload.(type) {
	case bus.Incoming:
		s.ChatID = p.ChatID
		s.Summary = truncate(p.Text)
	case bus.Command:
		s.ChatID = p.ChatID
		if p.RawText != "" {
			s.Summary = truncate(p.RawText)
		} else {
			s.Summary = truncate("/" + p.Command + " " + strings.Join(p.Args, " "))
		}
	case bus.Task:
		s.ChatID = p.ChatID
		s.Summary = truncate(p.Text)
	case bus.Trigger:
		s.ChatID = p.ChatID
		s.Summary = truncate(p.Kind + " " + p.Name)
	default:
		s.Summary = string(ev.Type)
	}
	return s
}

func truncate(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	runes := []rune(cleaned)
	if len(runes) <= 120 {
		return cleaned
	}
	return string(runes[:119]) + "…"
}
