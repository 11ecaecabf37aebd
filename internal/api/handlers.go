package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/scheduler"
	"github.com/wesm/threadtags/internal/store"
)

const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse describes the service state.
type StatusResponse struct {
	GroupingEnabled  bool         `json:"grouping_enabled"`
	Accounts         []string     `json:"accounts"`
	Stats            *store.Stats `json:"stats,omitempty"`
	SchedulerRunning bool         `json:"scheduler_running"`
}

// MessageRequest names one message and, for writes, an action.
type MessageRequest struct {
	Account   string `json:"account"`
	MessageID string `json:"message_id"`
	Action    string `json:"action,omitempty"`
}

// GroupingRequest toggles grouping mode.
type GroupingRequest struct {
	Enabled *bool `json:"enabled"`
}

// SchedulerStatusResponse lists scheduled accounts.
type SchedulerStatusResponse struct {
	Running  bool                      `json:"running"`
	Accounts []scheduler.AccountStatus `json:"accounts"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// resolve decodes a MessageRequest and maps it to an identity.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (MessageRequest, identity.MessageIdentity, bool) {
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return req, identity.MessageIdentity{}, false
	}
	if req.Account == "" || strings.TrimSpace(req.MessageID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account and message_id are required")
		return req, identity.MessageIdentity{}, false
	}
	id, err := s.engine.Identity(req.Account, req.MessageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_account", err.Error())
		return req, identity.MessageIdentity{}, false
	}
	return req, id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	grouping, err := s.engine.GroupingModeEnabled(r.Context())
	if err != nil {
		s.logger.Error("failed to read grouping mode", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read grouping mode")
		return
	}
	resp := StatusResponse{GroupingEnabled: grouping, Accounts: s.engine.Accounts()}
	if s.stats != nil {
		stats, err := s.stats.GetStats(r.Context())
		if err != nil {
			s.logger.Error("failed to get stats", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read statistics")
			return
		}
		resp.Stats = stats
	}
	if s.scheduler != nil {
		resp.SchedulerRunning = s.scheduler.IsRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	agg, err := s.engine.Thread(r.Context(), key)
	if err != nil {
		s.logger.Error("failed to read aggregate", "thread_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read thread")
		return
	}
	if agg == nil {
		writeError(w, http.StatusNotFound, "not_found", "no aggregate for thread key")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	_, id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecomputeThread(r.Context(), id, "api request"))
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	req, id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	act, err := action.Parse(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	res, err := s.engine.RecordClassification(r.Context(), id, act)
	s.writeResult(w, res, err)
}

// handleOverride applies a manual action, or forgets the message's action
// when action is "reset".
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	req, id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if strings.EqualFold(req.Action, "reset") {
		res, err := s.engine.ResetAction(r.Context(), id)
		s.writeResult(w, res, err)
		return
	}
	act, err := action.Parse(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	res, err := s.engine.ApplyManualOverride(r.Context(), id, act)
	s.writeResult(w, res, err)
}

func (s *Server) writeResult(w http.ResponseWriter, res engine.Result, err error) {
	switch {
	case errors.Is(err, action.ErrUnknown):
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleSetGrouping(w http.ResponseWriter, r *http.Request) {
	var req GroupingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	report, err := s.engine.SetGroupingModeEnabled(r.Context(), *req.Enabled)
	if err != nil {
		s.logger.Error("failed to set grouping mode", "enabled", *req.Enabled, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set grouping mode")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusResponse{Accounts: []scheduler.AccountStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running:  s.scheduler.IsRunning(),
		Accounts: s.scheduler.Status(),
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if s.scheduler == nil || !s.scheduler.IsScheduled(account) {
		writeError(w, http.StatusNotFound, "not_scheduled", "account is not scheduled: "+account)
		return
	}
	if err := s.scheduler.TriggerSync(account); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "scheduler_stopped", err.Error())
			return
		}
		writeError(w, http.StatusConflict, "scan_running", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "account": account})
}
