package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/threadtags/internal/engine"
)

var groupingCmd = &cobra.Command{
	Use:   "grouping <on|off|status>",
	Short: "Show or change grouping mode",
	Long: `Grouping mode applies the effective action of every fully classified
conversation to all of its messages.

Turning it on retags every ready conversation. Turning it off restores each
message's own cached action.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switch args[0] {
		case "status":
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			enabled, err := s.GroupingEnabled(ctx)
			if err != nil {
				return fmt.Errorf("read grouping mode: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Grouping mode: %s\n", onOff(enabled))
			return nil
		case "on", "off":
		default:
			return fmt.Errorf("unknown grouping argument %q (expected on, off or status)", args[0])
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.engine.SetGroupingModeEnabled(ctx, args[0] == "on")
		if err != nil {
			return err
		}
		printRetag(cmd.OutOrStdout(), report)
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printRetag(w io.Writer, r engine.RetagReport) {
	fmt.Fprintf(w, "Grouping mode: %s\n", onOff(r.Enabled))
	fmt.Fprintf(w, "  Accounts:      %d\n", r.Accounts)
	fmt.Fprintf(w, "  Conversations: %d\n", r.Conversations)
	fmt.Fprintf(w, "  Applied:       %d\n", r.Applied)
	fmt.Fprintf(w, "  Skipped:       %d\n", r.Skipped)
	if r.Failed > 0 {
		fmt.Fprintf(w, "  Failed:        %d\n", r.Failed)
	}
	fmt.Fprintf(w, "  Took:          %s\n", r.Duration.Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(groupingCmd)
}
