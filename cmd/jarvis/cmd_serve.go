package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/RustingSword/jarvis/internal/agent"
	"github.com/RustingSword/jarvis/internal/bundle"
	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/command"
	"github.com/RustingSword/jarvis/internal/config"
	"github.com/RustingSword/jarvis/internal/heartbeat"
	"github.com/RustingSword/jarvis/internal/memory"
	"github.com/RustingSword/jarvis/internal/messenger"
	"github.com/RustingSword/jarvis/internal/pipeline"
	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/settings"
	"github.com/RustingSword/jarvis/internal/storage"
	"github.com/RustingSword/jarvis/internal/telegram"
	"github.com/RustingSword/jarvis/internal/trigger"
	"github.com/RustingSword/jarvis/internal/worker"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the jarvis daemon",
	RunE:  runServe,
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := cfg.PIDPath()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	store, err := storage.Open(cfg.DBPath(), cfg.SummaryDir())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	sessions := session.NewManager(store)
	b := bus.New()
	msgr := messenger.New(b, sessions)
	verbosity := settings.NewVerbosity(store, cfg.Verbosity)

	mem := memory.NewSearcher(cfg.Memory.Dir, cfg.Memory.MaxResults)
	promptBuilder, err := pipeline.NewPromptBuilder(cfg.Agent.Model, mem, cfg.Memory.TokenBudget)
	if err != nil {
		return fmt.Errorf("create prompt builder: %w", err)
	}

	driver := agent.NewDriver(agent.Config{
		ExecPath:     cfg.Agent.ExecPath,
		WorkspaceDir: cfg.Agent.WorkspaceDir,
		ExtraArgs:    cfg.Agent.ExtraArgs,
		Timeout:      cfg.AgentTimeout(),
		MaxRetries:   cfg.Agent.MaxRetries,
		Backoff:      cfg.AgentBackoff(),
	})

	progress := pipeline.NewProgress(msgr, verbosity)
	msgPipe := pipeline.NewMessagePipeline(driver, sessions, promptBuilder, progress, msgr, verbosity)
	taskPipe := pipeline.NewTaskPipeline(driver, sessions, promptBuilder, progress, msgr, verbosity)
	heartPipe := pipeline.NewHeartbeatPipeline(driver, sessions, msgr)

	router := command.NewRouter(sessions, msgr, verbosity, driver, store, b, nil)

	messageQueue := worker.New("message", cfg.Workers.MessageConcurrency, msgPipe.Handle)
	commandQueue := worker.New("command", 1, router.Handle)
	taskQueue := worker.New("task", 1, taskPipe.Handle)
	router.SetQueues(messageQueue, commandQueue, taskQueue)

	bundler := bundle.New(cfg.BundlerWait(), func(msg bus.Incoming) {
		messageQueue.Enqueue(bus.Event{Type: bus.MessageReceived, Payload: msg, CreatedAt: time.Now().UTC()})
	})

	b.Subscribe(bus.MessageReceived, func(_ context.Context, ev bus.Event) {
		if msg, ok := ev.Payload.(bus.Incoming); ok {
			bundler.Handle(msg)
		}
	})
	b.Subscribe(bus.CommandReceived, func(_ context.Context, ev bus.Event) {
		commandQueue.Enqueue(ev)
	})
	b.Subscribe(bus.TaskQueued, func(_ context.Context, ev bus.Event) {
		taskQueue.Enqueue(ev)
	})
	b.Subscribe(bus.Sent, func(ctx context.Context, ev bus.Event) {
		info, ok := ev.Payload.(bus.SentInfo)
		if !ok || info.SessionID == 0 {
			return
		}
		if err := sessions.RecordMessage(ctx, info.ChatID, info.MessageID, info.SessionID, info.ThreadID); err != nil {
			slog.Warn("record sent message failed", "chat_id", info.ChatID, "error", err)
		}
	})
	trigger.RegisterDispatcher(b)

	// Intake runs under a cancellable context; the queues get the
	// background context so already-accepted work still drains cleanly
	// after intake stops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workCtx := context.Background()
	messageQueue.Start(workCtx)
	commandQueue.Start(workCtx)
	taskQueue.Start(workCtx)

	scheduler := trigger.NewScheduler(b, cfg.Triggers.Cron)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var monitor *trigger.Monitor
	if len(cfg.Triggers.Monitors) > 0 {
		monitor = trigger.NewMonitor(b, cfg.Triggers.Monitors, cfg.MonitorInterval())
		monitor.Start(ctx)
	}

	var webhookSrv *trigger.WebhookServer
	if cfg.Webhook.Addr != "" {
		webhookSrv = trigger.NewWebhookServer(b, cfg.Webhook.Addr, cfg.Webhook.Token, cfg.Webhook.DefaultChat)
		webhookSrv.Start()
	}

	var heart *heartbeat.Runner
	if cfg.Heartbeat.ChatID != "" && len(cfg.HeartbeatFiles()) > 0 {
		heart = heartbeat.NewRunner(heartPipe, cfg.Heartbeat.ChatID,
			cfg.HeartbeatFiles(), cfg.HeartbeatStatePath(), cfg.Heartbeat.Schedule)
		if err := heart.Start(ctx); err != nil {
			return err
		}
	}

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, b, cfg.SpoolDir(), cfg.Telegram.AllowedChats)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	slog.Info("jarvis started",
		"data_dir", cfg.DataDir,
		"agent", cfg.Agent.ExecPath,
		"workspace", cfg.Agent.WorkspaceDir,
		"message_concurrency", cfg.Workers.MessageConcurrency,
	)
	for _, chatID := range cfg.Telegram.StartupChats {
		msgr.Send(ctx, chatID, "👋 Jarvis is up.", messenger.Options{})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	slog.Info("shutting down")

	// Intake first, then drain the queues in dependency order.
	cancel()
	if webhookSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("webhook shutdown failed", "error", err)
		}
	}
	if heart != nil {
		heart.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	scheduler.Stop()
	bundler.FlushAll()
	messageQueue.Stop()
	commandQueue.Stop()
	taskQueue.Stop()
	return nil
}
