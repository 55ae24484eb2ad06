package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/agentchat/internal/app"
	"github.com/ent0n29/agentchat/internal/config"
	"github.com/ent0n29/agentchat/internal/memory"
)

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored messages of a session",
	Long: `Print the most recent messages of a session from the configured memory
backend, oldest first. The backend is selected the same way serve selects it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := strings.TrimSpace(historySession)
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		if verboseHistory(cmd) {
			logger = app.NewLogger(cfg, cmd.ErrOrStderr())
		}

		conversations, err := app.OpenConversations(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer conversations.Close()

		limit := historyLimit
		if limit <= 0 {
			limit = conversations.WindowSize()
		}
		msgs, err := conversations.History(cmd.Context(), sessionID, limit)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no messages for session %s\n", sessionID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), memory.RenderMessages(msgs))
		return nil
	},
}

func verboseHistory(cmd *cobra.Command) bool {
	v, err := cmd.Flags().GetBool("verbose")
	return err == nil && v
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Session ID to print")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum messages to print (default: memory window size)")
	historyCmd.Flags().BoolP("verbose", "v", false, "Log backend activity to stderr")
	rootCmd.AddCommand(historyCmd)
}
