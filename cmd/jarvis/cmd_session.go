package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/RustingSword/jarvis/internal/session"
	"github.com/RustingSword/jarvis/internal/storage"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionActivateCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage chat sessions",
}

func openSessions() (*storage.Store, *session.Manager, error) {
	cfg := loadConfig()
	store, err := storage.Open(cfg.DBPath(), cfg.SummaryDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return store, session.NewManager(store), nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list <chat-id>",
	Short: "List recent sessions for a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, sessions, err := openSessions()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		chatID := args[0]
		records, err := sessions.List(ctx, chatID, 20)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		active, err := sessions.Active(ctx, chatID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTHREAD\tLAST ACTIVE\t")
		for _, rec := range records {
			marker := ""
			if active != nil && active.SessionID == rec.SessionID {
				marker = " *"
			}
			fmt.Fprintf(w, "%d%s\t%s\t%s\t\n",
				rec.SessionID, marker, rec.ThreadID, rec.LastActive.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionActivateCmd = &cobra.Command{
	Use:   "activate <chat-id> <session-id>",
	Short: "Make a historical session the chat's active one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, sessions, err := openSessions()
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid session id %q", args[1])
		}
		rec, err := sessions.Activate(context.Background(), args[0], id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("session %d not found for chat %s", id, args[0])
		}
		fmt.Printf("session %d active (thread %s)\n", rec.SessionID, rec.ThreadID)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <chat-id>",
	Short: "Clear the chat's active session pointer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, sessions, err := openSessions()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sessions.Clear(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("cleared")
		return nil
	},
}
