package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index [account...]",
	Short: "Rebuild the conversation index and reconcile tags",
	Long: `Read the primary mailbox headers of each account (all configured
accounts when none are named), rebuild the conversation index and bring
every conversation's tags in line with the grouping mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ids := args
		if len(ids) == 0 {
			for _, acct := range cfg.Accounts {
				ids = append(ids, acct.ID)
			}
		}
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "Scanning %s...\n", id)
			if err := a.scan(ctx, id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
