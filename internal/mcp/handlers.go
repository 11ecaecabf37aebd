package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

type handlers struct {
	engine Engine
	stats  StatsSource
}

// Status is the get_status payload.
type Status struct {
	GroupingEnabled bool         `json:"grouping_enabled"`
	Accounts        []string     `json:"accounts"`
	Stats           *store.Stats `json:"stats,omitempty"`
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func (h *handlers) identityArg(args map[string]any) (identity.MessageIdentity, error) {
	account, msgID := stringArg(args, "account"), stringArg(args, "message_id")
	if account == "" || msgID == "" {
		return identity.MessageIdentity{}, fmt.Errorf("account and message_id are required")
	}
	return h.engine.Identity(account, msgID)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func resultOrError(res engine.Result, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (h *handlers) recomputeThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := h.identityArg(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.engine.RecomputeThread(ctx, id, "mcp request"))
}

func (h *handlers) applyOverride(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := h.identityArg(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw := stringArg(args, "action")
	if strings.EqualFold(raw, "reset") {
		return resultOrError(h.engine.ResetAction(ctx, id))
	}
	act, err := action.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultOrError(h.engine.ApplyManualOverride(ctx, id, act))
}

func (h *handlers) recordClassification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := h.identityArg(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	act, err := action.Parse(stringArg(args, "action"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultOrError(h.engine.RecordClassification(ctx, id, act))
}

func (h *handlers) setGroupingMode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, ok := req.GetArguments()["enabled"].(bool)
	if !ok {
		return mcp.NewToolResultError("enabled parameter is required"), nil
	}
	report, err := h.engine.SetGroupingModeEnabled(ctx, enabled)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set grouping mode: %v", err)), nil
	}
	return jsonResult(report)
}

func (h *handlers) getThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := stringArg(req.GetArguments(), "thread_key")
	if key == "" {
		return mcp.NewToolResultError("thread_key parameter is required"), nil
	}
	agg, err := h.engine.Thread(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get thread: %v", err)), nil
	}
	if agg == nil {
		return mcp.NewToolResultError("no aggregate for thread key " + key), nil
	}
	return jsonResult(agg)
}

func (h *handlers) getStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	grouping, err := h.engine.GroupingModeEnabled(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read grouping mode: %v", err)), nil
	}
	st := Status{GroupingEnabled: grouping, Accounts: h.engine.Accounts()}
	if h.stats != nil {
		if st.Stats, err = h.stats.GetStats(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get stats: %v", err)), nil
		}
	}
	return jsonResult(st)
}
