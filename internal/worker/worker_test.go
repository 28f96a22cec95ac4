package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
)

func incoming(chatID, text string) bus.Event {
	return bus.Event{
		Type:      bus.MessageReceived,
		Payload:   bus.Incoming{ChatID: chatID, Text: text},
		CreatedAt: time.Now(),
	}
}

func TestStopDrainsEverythingEnqueuedBefore(t *testing.T) {
	var handled int32
	w := New("message", 1, func(ctx context.Context, ev bus.Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	w.Start(context.Background())

	const n = 20
	for i := 0; i < n; i++ {
		w.Enqueue(incoming("1", "msg"))
	}
	w.Stop()

	if got := atomic.LoadInt32(&handled); got != n {
		t.Errorf("expected %d handled after Stop, got %d", n, got)
	}
	// No handler runs after Stop returns.
	before := atomic.LoadInt32(&handled)
	time.Sleep(50 * time.Millisecond)
	if after := atomic.LoadInt32(&handled); after != before {
		t.Errorf("handler invoked after Stop: %d -> %d", before, after)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var running, maxSeen int32
	w := New("task", 3, func(ctx context.Context, ev bus.Event) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	w.Start(context.Background())

	for i := 0; i < 10; i++ {
		w.Enqueue(incoming("1", "work"))
	}
	w.Stop()

	if m := atomic.LoadInt32(&maxSeen); m > 3 {
		t.Errorf("expected at most 3 concurrent handlers, saw %d", m)
	}
}

func TestHandlerErrorDoesNotKillLoop(t *testing.T) {
	var handled int32
	w := New("command", 1, func(ctx context.Context, ev bus.Event) error {
		if atomic.AddInt32(&handled, 1) == 1 {
			return errors.New("first item fails")
		}
		return nil
	})
	w.Start(context.Background())

	w.Enqueue(incoming("1", "bad"))
	w.Enqueue(incoming("1", "good"))
	w.Stop()

	if got := atomic.LoadInt32(&handled); got != 2 {
		t.Errorf("expected both items handled, got %d", got)
	}
}

func TestFIFOAtConcurrencyOne(t *testing.T) {
	var mu sync.Mutex
	var order []string
	w := New("message", 1, func(ctx context.Context, ev bus.Event) error {
		mu.Lock()
		order = append(order, ev.Payload.(bus.Incoming).Text)
		mu.Unlock()
		return nil
	})
	w.Start(context.Background())

	for _, text := range []string{"a", "b", "c", "d"} {
		w.Enqueue(incoming("1", text))
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestActiveSnapshot(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	w := New("message", 1, func(ctx context.Context, ev bus.Event) error {
		close(started)
		<-release
		return nil
	})
	w.Start(context.Background())

	w.Enqueue(incoming("42", "long running job"))
	<-started

	snaps := w.Active()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 active snapshot, got %d", len(snaps))
	}
	if snaps[0].ChatID != "42" || snaps[0].Summary != "long running job" {
		t.Errorf("unexpected snapshot %+v", snaps[0])
	}
	if snaps[0].Loop != "message-1" {
		t.Errorf("unexpected loop identity %q", snaps[0].Loop)
	}

	close(release)
	w.Stop()

	if got := w.Active(); len(got) != 0 {
		t.Errorf("expected empty snapshot after Stop, got %d", len(got))
	}
}
