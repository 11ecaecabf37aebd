package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
)

// withMessage opens the app, resolves <account> <message-id> and runs fn.
func withMessage(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app, id identity.MessageIdentity) (engine.Result, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.engine.Identity(args[0], args[1])
	if err != nil {
		return err
	}
	res, err := fn(ctx, a, id)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(w io.Writer, res engine.Result) {
	if !res.OK {
		fmt.Fprintf(w, "Not aggregated: %s\n", res.Reason)
		return
	}
	fmt.Fprintf(w, "Thread:    %s\n", res.ThreadKey)
	fmt.Fprintf(w, "Members:   %d (%d classified)\n", len(res.Members), res.ReadyCount)
	for _, m := range res.Members {
		act := res.Actions[m.MessageID]
		if !act.IsPresent() {
			act = "-"
		}
		fmt.Fprintf(w, "  %-8s %s\n", act, m.MessageID)
	}
	if res.AllReady {
		fmt.Fprintf(w, "Effective: %s\n", res.Effective)
	} else {
		fmt.Fprintf(w, "Effective: (waiting for every member to be classified)\n")
	}
	switch {
	case res.Applied:
		fmt.Fprintln(w, "Applied to every member.")
	case res.Written:
		fmt.Fprintln(w, "Aggregate stored; grouping mode is off.")
	}
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute <account> <message-id>",
	Short: "Recompute the conversation containing a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMessage(cmd, args, func(ctx context.Context, a *app, id identity.MessageIdentity) (engine.Result, error) {
			return a.engine.RecomputeThread(ctx, id, "cli"), nil
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <account> <message-id> <reply|archive|delete|none|reset>",
	Short: "Manually set or reset a message's action",
	Long: `Set a message's action by hand, replacing any classification, and
recompute its conversation. "reset" forgets the message's action so the
conversation waits for a new classification.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.EqualFold(args[2], "reset") {
			return withMessage(cmd, args, func(ctx context.Context, a *app, id identity.MessageIdentity) (engine.Result, error) {
				return a.engine.ResetAction(ctx, id)
			})
		}
		act, err := action.Parse(args[2])
		if err != nil {
			return err
		}
		return withMessage(cmd, args, func(ctx context.Context, a *app, id identity.MessageIdentity) (engine.Result, error) {
			return a.engine.ApplyManualOverride(ctx, id, act)
		})
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <account> <message-id> <reply|archive|delete|none>",
	Short: "Record a classifier's action for a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		act, err := action.Parse(args[2])
		if err != nil {
			return err
		}
		return withMessage(cmd, args, func(ctx context.Context, a *app, id identity.MessageIdentity) (engine.Result, error) {
			return a.engine.RecordClassification(ctx, id, act)
		})
	},
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(classifyCmd)
}
