// internal/agent/driver.go
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// TimeoutError reports a run that exceeded the configured timeout. The
// subprocess has been killed and awaited before this error is returned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}

// ProcessError reports a subprocess that exited with a non-zero status.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
}

// ProgressFunc receives each decoded stream event as it arrives. A
// panicking callback is recovered and logged; it never aborts the run.
type ProgressFunc func(ev RawEvent)

// Config holds the subprocess invocation parameters.
type Config struct {
	// ExecPath is the agent binary.
	ExecPath string
	// WorkspaceDir is the subprocess working directory; relative media
	// marker paths resolve against it.
	WorkspaceDir string
	// ExtraArgs are appended after "exec --json".
	ExtraArgs []string
	// Timeout bounds one attempt; zero means no timeout.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the base retry delay; attempt n sleeps Backoff * 2^n.
	Backoff time.Duration
}

// Driver executes agent turns as one-shot subprocesses speaking a
// newline-delimited JSON protocol on stdout. It holds no state across
// runs: one subprocess per Run call, no pooling, no reuse.
type Driver struct {
	cfg Config
}

func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Run executes one agent turn, retrying timeouts and non-zero exits with
// exponential backoff up to MaxRetries. A non-empty threadID resumes the
// given agent conversation. Other errors propagate immediately.
func (d *Driver) Run(ctx context.Context, prompt, threadID string, progress ProgressFunc) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		result, err := d.runOnce(ctx, prompt, threadID, progress)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == d.cfg.MaxRetries {
			break
		}
		delay := d.cfg.Backoff * (1 << attempt)
		slog.Warn("agent run failed, retrying",
			"attempt", attempt+1, "max_retries", d.cfg.MaxRetries, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var timeoutErr *TimeoutError
	var processErr *ProcessError
	return errors.As(err, &timeoutErr) || errors.As(err, &processErr)
}

func (d *Driver) runOnce(ctx context.Context, prompt, threadID string, progress ProgressFunc) (*Result, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if d.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
	}
	defer cancel()

	args := d.buildArgs(prompt, threadID)
	slog.Info("running agent", "exec", d.cfg.ExecPath, "resume", threadID != "")

	cmd := exec.CommandContext(runCtx, d.cfg.ExecPath, args...)
	cmd.Dir = d.cfg.WorkspaceDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	var events []RawEvent
	g := new(errgroup.Group)
	g.Go(func() error {
		return DecodeStream(stdout, func(ev RawEvent) {
			events = append(events, ev)
			if progress != nil {
				safeProgress(progress, ev)
			}
		})
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		// CommandContext killed the process; Wait above has reaped it.
		return nil, &TimeoutError{Timeout: d.cfg.Timeout}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ProcessError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return nil, fmt.Errorf("wait agent: %w", waitErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read agent output: %w", readErr)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		slog.Warn("agent stderr", "stderr", msg)
	}

	text, media := extractMedia(extractResponseText(events), events, d.cfg.WorkspaceDir)
	return &Result{
		ThreadID:     extractThreadID(events),
		ResponseText: text,
		Events:       events,
		Media:        media,
	}, nil
}

func (d *Driver) buildArgs(prompt, threadID string) []string {
	args := []string{"exec", "--json"}
	args = append(args, d.cfg.ExtraArgs...)
	if threadID != "" {
		args = append(args, "resume", threadID)
	}
	return append(args, prompt)
}

func safeProgress(progress ProgressFunc, ev RawEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("progress callback panicked", "panic", r)
		}
	}()
	progress(ev)
}
