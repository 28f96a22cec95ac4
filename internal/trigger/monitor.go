// internal/trigger/monitor.go
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/RustingSword/jarvis/internal/bus"
)

const maxMonitorBody = 2 * 1024 * 1024

// MonitorRule is one resource or URL watch.
type MonitorRule struct {
	Name   string `json:"name"`
	ChatID string `json:"chat_id"`
	// Kind is cpu, memory, disk, or url.
	Kind string `json:"kind"`
	// Threshold is the alert percentage for resource kinds.
	Threshold float64 `json:"threshold"`
	// Path is the mount point for disk rules. Defaults to "/".
	Path string `json:"path"`
	// URL is the page to watch for url rules.
	URL string `json:"url"`
	// Message is extra context handed to the agent when the rule fires.
	Message string `json:"message"`
}

// Monitor polls resource usage and watched URLs, publishing a trigger on
// threshold crossings and content changes. Resource alerts are
// edge-triggered: a rule must drop back under its threshold before it
// can fire again.
type Monitor struct {
	bus      *bus.Bus
	rules    []MonitorRule
	interval time.Duration
	client   *http.Client

	// usage is swappable for tests.
	usage func(rule MonitorRule) (float64, error)

	mu      sync.Mutex
	alerted map[string]bool
	hashes  map[string]string

	stop chan struct{}
	done chan struct{}
}

func NewMonitor(b *bus.Bus, rules []MonitorRule, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		bus:      b,
		rules:    rules,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		usage:    systemUsage,
		alerted:  make(map[string]bool),
		hashes:   make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling. The first pass runs immediately so URL watches
// establish their baseline hash at startup.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.runChecks(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the current pass to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) runChecks(ctx context.Context) {
	for _, rule := range m.rules {
		var err error
		if rule.Kind == "url" {
			err = m.checkURL(ctx, rule)
		} else {
			err = m.checkUsage(ctx, rule)
		}
		if err != nil {
			slog.Warn("monitor check failed", "name", rule.Name, "kind", rule.Kind, "error", err)
		}
	}
}

func (m *Monitor) checkUsage(ctx context.Context, rule MonitorRule) error {
	value, err := m.usage(rule)
	if err != nil {
		return err
	}

	over := value >= rule.Threshold
	m.mu.Lock()
	fire := over && !m.alerted[rule.Name]
	m.alerted[rule.Name] = over
	m.mu.Unlock()
	if !fire {
		return nil
	}

	msg := fmt.Sprintf("%s usage is at %.1f%% (threshold %.1f%%).", rule.Kind, value, rule.Threshold)
	if rule.Message != "" {
		msg += " " + rule.Message
	}
	m.bus.Publish(ctx, bus.TriggerFired, bus.Trigger{
		Kind:    "monitor",
		Name:    rule.Name,
		ChatID:  rule.ChatID,
		Message: msg,
	})
	return nil
}

// checkURL fetches the page, converts it to markdown, and fires when the
// content hash differs from the previous pass. The first pass only
// records the baseline.
func (m *Monitor) checkURL(ctx context.Context, rule MonitorRule) error {
	content, err := m.fetchMarkdown(ctx, rule.URL)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	prev, seen := m.hashes[rule.Name]
	m.hashes[rule.Name] = hash
	m.mu.Unlock()

	if !seen || prev == hash {
		return nil
	}

	msg := fmt.Sprintf("The page %s changed.", rule.URL)
	if rule.Message != "" {
		msg += " " + rule.Message
	}
	m.bus.Publish(ctx, bus.TriggerFired, bus.Trigger{
		Kind:    "monitor",
		Name:    rule.Name,
		ChatID:  rule.ChatID,
		Message: msg,
	})
	return nil
}

func (m *Monitor) fetchMarkdown(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Jarvis/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMonitorBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return md, nil
}

func systemUsage(rule MonitorRule) (float64, error) {
	switch rule.Kind {
	case "cpu":
		percents, err := cpu.Percent(time.Second, false)
		if err != nil {
			return 0, err
		}
		if len(percents) == 0 {
			return 0, fmt.Errorf("no cpu sample")
		}
		return percents[0], nil
	case "memory":
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	case "disk":
		path := rule.Path
		if path == "" {
			path = "/"
		}
		usage, err := disk.Usage(path)
		if err != nil {
			return 0, err
		}
		return usage.UsedPercent, nil
	default:
		return 0, fmt.Errorf("unknown monitor kind %q", rule.Kind)
	}
}
