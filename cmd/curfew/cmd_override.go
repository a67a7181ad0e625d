package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/curfew/internal/override"
)

func newOverrideCmd(action override.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			result, err := override.NewApplier(st).Apply(ctx, args[0], action, override.TransportCLI)
			if err != nil {
				return err
			}
			if !result.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "No warning recorded for %s, nothing to %s\n", result.ResourceID, action)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s to %s (strikes %d, silenced %t)\n",
				action, result.ResourceID, result.Record.Strikes, result.Record.Silenced)
			return nil
		},
	}
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Postpone or silence an instance from the command line",
}

func init() {
	overrideCmd.AddCommand(
		newOverrideCmd(override.Postpone, "Hold escalation of an instance for an hour"),
		newOverrideCmd(override.Silence, "Stop warning about an instance and let it be stopped"),
	)
	rootCmd.AddCommand(overrideCmd)
}
