package cmd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newTestRootCmd() *cobra.Command {
	return &cobra.Command{Use: "threadtags"}
}

func TestExecuteContext_CancellationPropagates(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})

	root := newTestRootCmd()
	root.AddCommand(&cobra.Command{
		Use: "wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			close(started)
			select {
			case <-cmd.Context().Done():
				cancelled.Store(true)
				return cmd.Context().Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		root.SetArgs([]string{"wait"})
		done <- root.ExecuteContext(ctx)
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("ExecuteContext error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not return after cancellation")
	}
	if !cancelled.Load() {
		t.Error("command did not observe cancellation")
	}
}

func TestRootRegistersCommands(t *testing.T) {
	want := []string{
		"serve", "recompute", "override", "classify", "grouping", "index",
		"status", "add-imap", "add-account", "mcp", "version",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}
