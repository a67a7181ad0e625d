package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	reconcileDryRun bool
	reconcileJSON   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	Long: `List running instances once, advance each eligible instance one
escalation step and print a summary.

Examples:
  # See what a pass would do without stopping anything
  curfew reconcile --dry-run`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "never stop instances")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "print the pass result as JSON")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg, reconcileDryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()

	result, err := a.reconciler.Pass(ctx)
	if err != nil {
		return err
	}
	if reconcileJSON {
		return printJSON(cmd.OutOrStdout(), result)
	}
	printPassResult(cmd.OutOrStdout(), result)
	return nil
}
