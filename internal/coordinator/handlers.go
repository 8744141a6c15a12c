package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/remoteshell/remoteshell/internal/policy"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg, kind string) {
	s.respondJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	AgentsOnline int    `json:"agents_online"`
	UptimeSecs   int64  `json:"uptime_seconds"`
}

// handleHealth serves GET / and GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Version:      Version,
		AgentsOnline: s.registry.Count(),
		UptimeSecs:   int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListAgents serves GET /agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list agents")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	if agents == nil {
		agents = []Agent{}
	}
	s.respondJSON(w, http.StatusOK, agents)
}

type agentDetail struct {
	Agent
	Queue QueueSnapshot `json:"queue"`
}

// handleGetAgent serves GET /agents/{agentID}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	agent, err := s.store.GetAgent(agentID)
	if errors.Is(err, ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown agent", "")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to load agent")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	s.respondJSON(w, http.StatusOK, agentDetail{Agent: *agent, Queue: s.engine.Snapshot(agentID)})
}

// handleGetQueue serves GET /agents/{agentID}/queue.
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !s.agentKnown(agentID) {
		s.respondError(w, http.StatusNotFound, "unknown agent", "")
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Snapshot(agentID))
}

type submitRequest struct {
	AgentID        string `json:"agent_id,omitempty"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Priority       int    `json:"priority,omitempty"`
}

// agentKnown reports whether the agent has a configured token or has been
// seen before. Commands may be queued for known agents that are offline.
func (s *Server) agentKnown(agentID string) bool {
	if s.cfg.KnownAgent(agentID) {
		return true
	}
	_, err := s.store.GetAgent(agentID)
	return err == nil
}

// submit validates and enqueues one command. Returns the stored row.
func (s *Server) submit(agentID string, req *submitRequest) (*Command, int, *errorResponse) {
	if agentID == "" {
		return nil, http.StatusBadRequest, &errorResponse{Error: "agent_id is required"}
	}
	if !s.agentKnown(agentID) {
		return nil, http.StatusNotFound, &errorResponse{Error: "unknown agent"}
	}

	if rej := s.validator.Validate(req.Command); rej != nil {
		s.metrics.ValidationRejects.WithLabelValues(string(rej.Kind)).Inc()
		return nil, http.StatusBadRequest, &errorResponse{Error: rej.Detail, Kind: string(rej.Kind)}
	}

	cmd := &Command{
		CommandID:      uuid.NewString(),
		AgentID:        agentID,
		Command:        req.Command,
		TimeoutSeconds: s.validator.EffectiveTimeout(req.TimeoutSeconds),
		Priority:       req.Priority,
	}

	if err := s.engine.Submit(cmd); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return nil, http.StatusTooManyRequests, &errorResponse{Error: "queue full for agent " + agentID}
		}
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to submit command")
		return nil, http.StatusServiceUnavailable, &errorResponse{Error: "store unavailable"}
	}
	return cmd, http.StatusOK, nil
}

// handleSubmitForAgent serves POST /agents/{agentID}/commands.
func (s *Server) handleSubmitForAgent(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	cmd, status, errResp := s.submit(chi.URLParam(r, "agentID"), &req)
	if errResp != nil {
		s.respondJSON(w, status, errResp)
		return
	}
	s.respondJSON(w, status, cmd)
}

// handleSubmit serves POST /commands (agent_id in the body).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	cmd, status, errResp := s.submit(req.AgentID, &req)
	if errResp != nil {
		s.respondJSON(w, status, errResp)
		return
	}
	s.respondJSON(w, status, cmd)
}

type bulkRequest struct {
	AgentIDs       []string `json:"agent_ids"`
	Command        string   `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Priority       int      `json:"priority,omitempty"`
}

type bulkResult struct {
	AgentID   string `json:"agent_id"`
	CommandID string `json:"command_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// handleBulkSubmit serves POST /commands/bulk: the same command fanned out
// to several agents. Each agent succeeds or fails independently.
func (s *Server) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if len(req.AgentIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "agent_ids is required", "")
		return
	}

	results := make([]bulkResult, 0, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		sub := submitRequest{
			Command:        req.Command,
			TimeoutSeconds: req.TimeoutSeconds,
			Priority:       req.Priority,
		}
		cmd, _, errResp := s.submit(agentID, &sub)
		if errResp != nil {
			results = append(results, bulkResult{AgentID: agentID, Error: errResp.Error, Kind: errResp.Kind})
			continue
		}
		results = append(results, bulkResult{AgentID: agentID, CommandID: cmd.CommandID})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// listFilterFromQuery builds a ListFilter from common query parameters.
func listFilterFromQuery(r *http.Request) ListFilter {
	q := r.URL.Query()
	f := ListFilter{
		AgentID: q.Get("agent_id"),
		Status:  CommandStatus(q.Get("status")),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	return f
}

// handleListCommands serves GET /commands.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.store.ListCommands(listFilterFromQuery(r))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list commands")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	if cmds == nil {
		cmds = []Command{}
	}
	s.respondJSON(w, http.StatusOK, cmds)
}

// handleListAgentCommands serves GET /agents/{agentID}/commands.
func (s *Server) handleListAgentCommands(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !s.agentKnown(agentID) {
		s.respondError(w, http.StatusNotFound, "unknown agent", "")
		return
	}
	f := listFilterFromQuery(r)
	f.AgentID = agentID
	cmds, err := s.store.ListCommands(f)
	if err != nil {
		s.log.Error().Err(err).Str("agent", agentID).Msg("failed to list commands")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	if cmds == nil {
		cmds = []Command{}
	}
	s.respondJSON(w, http.StatusOK, cmds)
}

// handleGetCommand serves GET /commands/{commandID}.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	cmd, err := s.store.GetCommand(commandID)
	if errors.Is(err, ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown command", "")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("command_id", commandID).Msg("failed to load command")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	s.respondJSON(w, http.StatusOK, cmd)
}

// handleCancelCommand serves DELETE /commands/{commandID}. Only pending
// commands can be cancelled; anything already dispatched is a conflict.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	cmd, err := s.store.GetCommand(commandID)
	if errors.Is(err, ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown command", "")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}

	switch err := s.engine.Cancel(cmd.AgentID, commandID); {
	case errors.Is(err, ErrConflict):
		s.respondError(w, http.StatusConflict,
			"command is not pending (status: "+string(cmd.Status)+")", "")
	case errors.Is(err, ErrNotFound):
		s.respondError(w, http.StatusNotFound, "unknown command", "")
	case err != nil:
		s.log.Error().Err(err).Str("command_id", commandID).Msg("failed to cancel command")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{
			"command_id": commandID,
			"status":     string(StatusCancelled),
		})
	}
}

// handleStatistics serves GET /statistics.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.URL.Query().Get("agent_id"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to compute statistics")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// handleCleanup serves POST /history/cleanup.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{OlderThanDays: 30}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body", "")
			return
		}
	}
	if req.OlderThanDays <= 0 {
		s.respondError(w, http.StatusBadRequest, "older_than_days must be positive", "")
		return
	}

	cutoff := time.Now().Add(-time.Duration(req.OlderThanDays) * 24 * time.Hour)
	purged, err := s.store.PurgeOlderThan(cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to purge history")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}
	s.log.Info().Int64("purged", purged).Int("older_than_days", req.OlderThanDays).Msg("history cleanup")
	s.respondJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}

// rejectionKinds lists the validator's rejection vocabulary for API
// consumers (served on GET /policy).
func rejectionKinds() []string {
	return []string{
		string(policy.RejectEmpty),
		string(policy.RejectTooLong),
		string(policy.RejectDenied),
		string(policy.RejectNotAllowed),
		string(policy.RejectShellOperator),
	}
}

// handlePolicy serves GET /policy: the effective validator settings.
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	cfg := s.validator.Config()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"max_length":            cfg.MaxLength,
		"max_timeout_seconds":   cfg.MaxTimeoutSeconds,
		"allow_list_enabled":    cfg.AllowListEnabled,
		"allow_shell_operators": cfg.AllowShellOperators,
		"rejection_kinds":       rejectionKinds(),
	})
}
