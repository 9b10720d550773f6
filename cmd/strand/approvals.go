package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/strandcrm/strand/internal/approvals"
	"github.com/strandcrm/strand/pkg/models"
)

func buildApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review and resolve actions awaiting approval",
	}
	cmd.AddCommand(buildApprovalsListCmd(), buildApprovalsApproveCmd(), buildApprovalsRejectCmd())
	return cmd
}

func buildApprovalsListCmd() *cobra.Command {
	var configPath, orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.store.ListActionLogs(cmd.Context(), orgID, models.ActionPendingApproval)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No actions awaiting approval.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tCONVERSATION\tREQUESTED\tINPUT")
			for _, log := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					log.ID, log.ToolKey, log.ConversationID,
					log.CreatedAt.Format("2006-01-02 15:04:05"), log.Input)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	mustMarkRequired(cmd, "org")
	return cmd
}

func buildApprovalsApproveCmd() *cobra.Command {
	var configPath, orgID, decidedBy string
	cmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action and resume the conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.handler.Approve(cmd.Context(), orgID, args[0], decidedBy); err != nil {
				if approvals.IsConflict(err) {
					return fmt.Errorf("action already decided: %w", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved action %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&decidedBy, "by", "", "Identity recorded as the approver")
	mustMarkRequired(cmd, "org")
	mustMarkRequired(cmd, "by")
	return cmd
}

func buildApprovalsRejectCmd() *cobra.Command {
	var configPath, orgID, decidedBy, reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.handler.Reject(cmd.Context(), orgID, args[0], decidedBy, reason); err != nil {
				if approvals.IsConflict(err) {
					return fmt.Errorf("action already decided: %w", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected action %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&decidedBy, "by", "", "Identity recorded as the decider")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the action log")
	mustMarkRequired(cmd, "org")
	mustMarkRequired(cmd, "by")
	return cmd
}

func mustMarkRequired(cmd *cobra.Command, flag string) {
	if err := cmd.MarkFlagRequired(flag); err != nil {
		fmt.Fprintf(os.Stderr, "flag wiring error: %v\n", err)
		os.Exit(1)
	}
}
