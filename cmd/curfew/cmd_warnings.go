package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/override"
)

var warningsJSON bool

var warningsCmd = &cobra.Command{
	Use:   "warnings",
	Short: "Inspect the warning ledger",
}

var warningsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances under warning",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		records, err := st.List(ctx)
		if err != nil {
			return fmt.Errorf("list warnings: %w", err)
		}
		if warningsJSON {
			if records == nil {
				records = []ledger.WarningRecord{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		}
		printWarnings(cmd.OutOrStdout(), records, time.Now())
		return nil
	},
}

var warningsGetCmd = &cobra.Command{
	Use:   "get <instance-id>",
	Short: "Show the warning record of one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		id := override.Sanitize(args[0])
		rec, err := st.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("instance not found: %s", id)
		}
		if err != nil {
			return fmt.Errorf("get warning: %w", err)
		}
		if warningsJSON {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		printWarnings(cmd.OutOrStdout(), []ledger.WarningRecord{rec}, time.Now())
		return nil
	},
}

func init() {
	warningsCmd.PersistentFlags().BoolVar(&warningsJSON, "json", false, "print JSON instead of a table")
	warningsCmd.AddCommand(warningsListCmd, warningsGetCmd)
	rootCmd.AddCommand(warningsCmd)
}
