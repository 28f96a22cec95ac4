package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/types"
)

type fired struct {
	mu       sync.Mutex
	triggers []bus.Trigger
}

func collect(b *bus.Bus) *fired {
	f := &fired{}
	b.Subscribe(bus.TriggerFired, func(_ context.Context, ev bus.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.triggers = append(f.triggers, ev.Payload.(bus.Trigger))
	})
	return f
}

func (f *fired) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func (f *fired) last(t *testing.T) bus.Trigger {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.triggers) == 0 {
		t.Fatal("no trigger fired")
	}
	return f.triggers[len(f.triggers)-1]
}

func TestSchedulerFires(t *testing.T) {
	b := bus.New()
	f := collect(b)

	s := NewScheduler(b, []CronRule{{
		Name:     "every-second",
		Schedule: "* * * * * *",
		ChatID:   "42",
		Message:  "tick",
	}})
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("cron trigger did not fire within 2.5s")
		case <-ticker.C:
			if f.count() > 0 {
				trig := f.last(t)
				if trig.Kind != "cron" || trig.ChatID != "42" || trig.Message != "tick" {
					t.Fatalf("unexpected trigger: %+v", trig)
				}
				return
			}
		}
	}
}

func TestSchedulerSkipsInvalidSchedule(t *testing.T) {
	b := bus.New()
	f := collect(b)

	s := NewScheduler(b, []CronRule{
		{Name: "broken", Schedule: "not a schedule", ChatID: "42"},
	})
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	if f.count() != 0 {
		t.Fatal("invalid schedule should never fire")
	}
}

func TestMonitorEdgeTriggered(t *testing.T) {
	b := bus.New()
	f := collect(b)

	values := []float64{50, 95, 96, 40, 97}
	idx := 0
	m := NewMonitor(b, []MonitorRule{{
		Name: "cpu-high", ChatID: "42", Kind: "cpu", Threshold: 90,
	}}, time.Minute)
	m.usage = func(MonitorRule) (float64, error) {
		v := values[idx]
		idx++
		return v, nil
	}

	ctx := context.Background()
	for range values {
		m.runChecks(ctx)
	}

	// 50 no, 95 fire, 96 still over (suppressed), 40 resets, 97 fire.
	if got := f.count(); got != 2 {
		t.Fatalf("fired %d times, want 2", got)
	}
	if trig := f.last(t); !strings.Contains(trig.Message, "97.0%") {
		t.Fatalf("message = %q", trig.Message)
	}
}

func TestMonitorURLChange(t *testing.T) {
	var mu sync.Mutex
	page := "<html><body><h1>v1</h1></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Write([]byte(page))
	}))
	defer srv.Close()

	b := bus.New()
	f := collect(b)
	m := NewMonitor(b, []MonitorRule{{
		Name: "watch-page", ChatID: "42", Kind: "url", URL: srv.URL,
	}}, time.Minute)

	ctx := context.Background()
	m.runChecks(ctx) // baseline
	m.runChecks(ctx) // unchanged
	if f.count() != 0 {
		t.Fatal("unchanged page should not fire")
	}

	mu.Lock()
	page = "<html><body><h1>v2</h1></body></html>"
	mu.Unlock()
	m.runChecks(ctx)
	if f.count() != 1 {
		t.Fatalf("fired %d times after change, want 1", f.count())
	}
	if trig := f.last(t); trig.Kind != "monitor" || !strings.Contains(trig.Message, "changed") {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
}

func TestWebhookAuth(t *testing.T) {
	b := bus.New()
	f := collect(b)
	s := NewWebhookServer(b, "127.0.0.1:0", "secret", "42")
	srv := httptest.NewServer(s)
	defer srv.Close()

	body := strings.NewReader(`{"message":"deploy finished"}`)
	resp, err := http.Post(srv.URL+"/webhook", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}
	if f.count() != 0 {
		t.Fatal("unauthorized request must not fire")
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook",
		strings.NewReader(`{"name":"ci","message":"deploy finished"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Webhook-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}

	trig := f.last(t)
	if trig.Kind != "webhook" || trig.Name != "ci" || trig.ChatID != "42" {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
}

func TestWebhookHealth(t *testing.T) {
	s := NewWebhookServer(bus.New(), "127.0.0.1:0", "", "")
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestWebhookRequiresMessage(t *testing.T) {
	s := NewWebhookServer(bus.New(), "127.0.0.1:0", "", "42")
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDispatcherConvertsTriggers(t *testing.T) {
	b := bus.New()
	RegisterDispatcher(b)

	var mu sync.Mutex
	var got []bus.Incoming
	b.Subscribe(bus.MessageReceived, func(_ context.Context, ev bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(bus.Incoming))
	})

	b.Publish(context.Background(), bus.TriggerFired, bus.Trigger{
		Kind: "cron", Name: "daily-digest", ChatID: "42", Message: "summarize the news",
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	msg := got[0]
	if msg.Origin != types.OriginTrigger {
		t.Fatalf("origin = %v", msg.Origin)
	}
	if msg.ChatID != "42" || !strings.Contains(msg.Text, "daily-digest") || !strings.Contains(msg.Text, "summarize the news") {
		t.Fatalf("message = %+v", msg)
	}
}
