package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RustingSword/jarvis/internal/agent"
)

func init() {
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "resume an existing agent thread")
	rootCmd.AddCommand(runCmd)
}

var runThreadID string

var runCmd = &cobra.Command{
	Use:   "run <prompt...>",
	Short: "Run one agent turn from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		driver := agent.NewDriver(agent.Config{
			ExecPath:     cfg.Agent.ExecPath,
			WorkspaceDir: cfg.Agent.WorkspaceDir,
			ExtraArgs:    cfg.Agent.ExtraArgs,
			Timeout:      cfg.AgentTimeout(),
			MaxRetries:   cfg.Agent.MaxRetries,
			Backoff:      cfg.AgentBackoff(),
		})

		prompt := strings.Join(args, " ")
		result, err := driver.Run(context.Background(), prompt, runThreadID, func(ev agent.RawEvent) {
			if ev.Type() == "thread.started" {
				fmt.Fprintf(os.Stderr, "thread: %s\n", ev.ThreadID())
			}
		})
		if err != nil {
			return err
		}

		fmt.Println(result.ResponseText)
		if result.ThreadID != "" {
			fmt.Fprintf(os.Stderr, "\nresume with: jarvis run --thread %s <prompt>\n", result.ThreadID)
		}
		return nil
	},
}
