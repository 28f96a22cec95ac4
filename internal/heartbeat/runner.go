// internal/heartbeat/runner.go
package heartbeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Pipeline runs one heartbeat check. Satisfied by
// pipeline.HeartbeatPipeline.
type Pipeline interface {
	Run(ctx context.Context, chatID, instructions string) error
}

// state is the persisted change-detection record.
type state struct {
	Hash    string    `json:"hash"`
	LastRun time.Time `json:"last_run"`
}

// Runner periodically reads the heartbeat instruction file and runs the
// heartbeat pipeline when its meaningful content has changed since the
// last run. Edits to comments and spacing do not count as changes.
type Runner struct {
	pipeline  Pipeline
	chatID    string
	files     []string
	statePath string
	schedule  string
	cron      *cron.Cron
}

// cronParser matches the trigger scheduler: optional seconds field plus
// @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewRunner watches the first existing file of files on the given cron
// schedule. statePath holds the change-detection record between
// restarts.
func NewRunner(p Pipeline, chatID string, files []string, statePath, schedule string) *Runner {
	if schedule == "" {
		schedule = "@every 30m"
	}
	return &Runner{
		pipeline:  p,
		chatID:    chatID,
		files:     files,
		statePath: statePath,
		schedule:  schedule,
		cron:      cron.New(cron.WithParser(cronParser)),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if err := r.Tick(ctx); err != nil {
			slog.Error("heartbeat tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("heartbeat schedule: %w", err)
	}
	r.cron.Start()
	slog.Info("heartbeat runner started", "schedule", r.schedule, "files", r.files)
	return nil
}

func (r *Runner) Stop() {
	r.cron.Stop()
}

// Tick performs one check. Exported so tests and a manual CLI poke can
// drive it without the cron ticker.
func (r *Runner) Tick(ctx context.Context) error {
	raw, path, err := r.readFirst()
	if err != nil {
		return err
	}
	if path == "" {
		slog.Debug("no heartbeat file present")
		return nil
	}

	content := Normalize(raw)
	if content == "" {
		slog.Debug("heartbeat file has no instructions", "path", path)
		return nil
	}

	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	prev, err := r.loadState()
	if err != nil {
		slog.Warn("heartbeat state unreadable, treating as first run", "error", err)
		prev = state{}
	}
	if prev.Hash == hash {
		slog.Debug("heartbeat unchanged", "path", path)
		return nil
	}

	if err := r.pipeline.Run(ctx, r.chatID, raw); err != nil {
		return err
	}
	return r.saveState(state{Hash: hash, LastRun: time.Now().UTC()})
}

func (r *Runner) readFirst() (content, path string, err error) {
	for _, candidate := range r.files {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", "", fmt.Errorf("read heartbeat file: %w", err)
		}
		return string(data), candidate, nil
	}
	return "", "", nil
}

// Normalize strips comment lines and blank lines so only actionable
// instructions participate in change detection.
func Normalize(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

func (r *Runner) loadState() (state, error) {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return state{}, nil
		}
		return state{}, err
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return state{}, err
	}
	return s, nil
}

func (r *Runner) saveState(s state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat state: %w", err)
	}
	return os.Rename(tmp, r.statePath)
}
