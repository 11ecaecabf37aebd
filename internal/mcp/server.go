// Package mcp exposes the engine as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

// Tool names.
const (
	ToolRecomputeThread      = "recompute_thread"
	ToolApplyOverride        = "apply_override"
	ToolRecordClassification = "record_classification"
	ToolSetGroupingMode      = "set_grouping_mode"
	ToolGetThread            = "get_thread"
	ToolGetStatus            = "get_status"
)

// Engine is the part of the engine the tools drive.
type Engine interface {
	Accounts() []string
	Identity(accountID, messageID string) (identity.MessageIdentity, error)
	RecomputeThread(ctx context.Context, seed identity.MessageIdentity, reason string) engine.Result
	RecordClassification(ctx context.Context, id identity.MessageIdentity, act action.Action) (engine.Result, error)
	ApplyManualOverride(ctx context.Context, id identity.MessageIdentity, act action.Action) (engine.Result, error)
	ResetAction(ctx context.Context, id identity.MessageIdentity) (engine.Result, error)
	GroupingModeEnabled(ctx context.Context) (bool, error)
	SetGroupingModeEnabled(ctx context.Context, enabled bool) (engine.RetagReport, error)
	Thread(ctx context.Context, threadKey string) (*store.Aggregate, error)
}

// StatsSource reports store row counts.
type StatsSource interface {
	GetStats(ctx context.Context) (*store.Stats, error)
}

func withMessage() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("account", mcp.Required(), mcp.Description("Account id as configured")),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("RFC 5322 Message-ID, with or without angle brackets")),
	}
}

// NewServer builds the MCP server with every tool registered.
func NewServer(eng Engine, stats StatsSource, version string) *server.MCPServer {
	s := server.NewMCPServer("threadtags", version, server.WithToolCapabilities(false))
	h := &handlers{engine: eng, stats: stats}

	s.AddTool(recomputeThreadTool(), h.recomputeThread)
	s.AddTool(applyOverrideTool(), h.applyOverride)
	s.AddTool(recordClassificationTool(), h.recordClassification)
	s.AddTool(setGroupingModeTool(), h.setGroupingMode)
	s.AddTool(getThreadTool(), h.getThread)
	s.AddTool(getStatusTool(), h.getStatus)
	return s
}

// Serve runs the tools over stdio until stdin closes or ctx is cancelled.
func Serve(ctx context.Context, eng Engine, stats StatsSource, version string) error {
	return server.NewStdioServer(NewServer(eng, stats, version)).Listen(ctx, os.Stdin, os.Stdout)
}

func recomputeThreadTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Re-aggregate the conversation containing a message and, in grouping mode, apply its effective action to every member."),
	}, withMessage()...)
	return mcp.NewTool(ToolRecomputeThread, opts...)
}

func applyOverrideTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Manually set a message's action, replacing any classification. Use action \"reset\" to forget it."),
	}, withMessage()...)
	opts = append(opts, mcp.WithString("action",
		mcp.Required(),
		mcp.Enum("reply", "archive", "delete", "none", "reset"),
	))
	return mcp.NewTool(ToolApplyOverride, opts...)
}

func recordClassificationTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Record a classifier's action for a message and re-aggregate its conversation."),
	}, withMessage()...)
	opts = append(opts, mcp.WithString("action",
		mcp.Required(),
		mcp.Enum("reply", "archive", "delete", "none"),
	))
	return mcp.NewTool(ToolRecordClassification, opts...)
}

func setGroupingModeTool() mcp.Tool {
	return mcp.NewTool(ToolSetGroupingMode,
		mcp.WithDescription("Turn grouping mode on or off and retag every account. On applies each ready thread's effective action; off restores each message's own action."),
		mcp.WithBoolean("enabled", mcp.Required()),
	)
}

func getThreadTool() mcp.Tool {
	return mcp.NewTool(ToolGetThread,
		mcp.WithDescription("Get the stored aggregate of a conversation by thread key."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("thread_key", mcp.Required()),
	)
}

func getStatusTool() mcp.Tool {
	return mcp.NewTool(ToolGetStatus,
		mcp.WithDescription("Get grouping mode, configured accounts and cache statistics."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}
