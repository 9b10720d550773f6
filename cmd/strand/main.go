// Package main provides the strand CLI: the conversation server and the
// operator commands for pending action approvals.
//
// Start the server:
//
//	strand serve --config strand.yaml
//
// Review and resolve pending actions:
//
//	strand approvals list --org org-1
//	strand approvals approve <action-id> --org org-1 --by ops@example.com
//	strand approvals reject <action-id> --org org-1 --by ops@example.com --reason "not authorized"
//
// The vault master key is read from the environment variable named by
// vault.master_key_env (default STRAND_MASTER_KEY) as 64 hex characters.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "strand",
		Short:   "Conversational agent server for CRM and ERP workflows",
		Version: version,
	}
	rootCmd.SetVersionTemplate("strand {{.Version}} (" + commit + ", built " + date + ")\n")

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildApprovalsCmd())
	return rootCmd
}
