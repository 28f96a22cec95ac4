// internal/trigger/scheduler.go
package trigger

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/RustingSword/jarvis/internal/bus"
)

// CronRule is one scheduled trigger.
type CronRule struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	ChatID   string `json:"chat_id"`
	Message  string `json:"message"`
}

// cronParser accepts standard 5-field expressions plus an optional
// seconds field and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires cron-driven triggers onto the bus.
type Scheduler struct {
	bus   *bus.Bus
	rules []CronRule
	cron  *cron.Cron
}

func NewScheduler(b *bus.Bus, rules []CronRule) *Scheduler {
	return &Scheduler{
		bus:   b,
		rules: rules,
		cron:  cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every valid rule and starts the ticker. Invalid
// schedules are logged and skipped so one bad rule cannot keep the rest
// from running.
func (s *Scheduler) Start(ctx context.Context) {
	for _, rule := range s.rules {
		rule := rule
		if rule.Schedule == "" || rule.ChatID == "" {
			slog.Warn("skipping incomplete cron trigger", "name", rule.Name)
			continue
		}
		_, err := s.cron.AddFunc(rule.Schedule, func() {
			slog.Info("cron trigger fired", "name", rule.Name, "chat_id", rule.ChatID)
			s.bus.Publish(ctx, bus.TriggerFired, bus.Trigger{
				Kind:    "cron",
				Name:    rule.Name,
				ChatID:  rule.ChatID,
				Message: rule.Message,
			})
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", rule.Name, "schedule", rule.Schedule, "error", err)
			continue
		}
		slog.Info("registered cron trigger", "name", rule.Name, "schedule", rule.Schedule)
	}
	s.cron.Start()
}

// Stop halts the ticker. Running jobs finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
