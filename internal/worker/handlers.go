package worker

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/solace-ai/solace/internal/session"
	"github.com/solace-ai/solace/pkg/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

type engagementResponse struct {
	Error    string `json:"error"`
	Sent     int    `json:"sent"`
	Required int    `json:"required"`
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

type sendMessageRequest struct {
	UserID   string             `json:"user_id"`
	Content  string             `json:"content"`
	Role     string             `json:"role,omitempty"`
	Metadata models.MessageMeta `json:"metadata"`
}

type sessionActionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

type messageListResponse struct {
	Messages []*models.Message `json:"messages"`
	Count    int               `json:"count"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
}

type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	PausedSessions int    `json:"paused_sessions"`
	SSEClients     int    `json:"sse_clients"`
	FeedBackend    string `json:"feed_backend"`
	DatabaseDriver string `json:"database_driver"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeSessionError maps session-layer failures onto HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	var engagement *session.EngagementError
	switch {
	case errors.As(err, &engagement):
		writeJSON(w, http.StatusUnprocessableEntity, engagementResponse{
			Error:    engagement.Error(),
			Sent:     engagement.Sent,
			Required: engagement.Required,
		})
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnknownConversation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrNotPaused),
		errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, session.ErrTerminalState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Session operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleHealth godoc
// @Summary Liveness and readiness probe
// @Tags meta
// @Produce json
// @Success 200 {object} healthResponse
// @Router /health [get]
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Ready:   s.ready.Load(),
		Version: s.version,
	})
}

// handleStatus godoc
// @Summary Service status with session counts
// @Tags meta
// @Produce json
// @Success 200 {object} statusResponse
// @Router /api/status [get]
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, paused := s.manager.SessionCounts()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        s.version,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveSessions: active,
		PausedSessions: paused,
		SSEClients:     s.broadcaster.ClientCount(),
		FeedBackend:    s.config.FeedBackend,
		DatabaseDriver: s.store.Driver(),
	})
}

// handleStartSession godoc
// @Summary Start a new conversation session
// @Description Creates an active conversation for the user. A prior non-terminal session is terminated and replaced.
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body startSessionRequest true "owner of the session"
// @Success 201 {object} session.View
// @Failure 400 {object} errorResponse
// @Failure 500 {object} errorResponse
// @Router /api/sessions [post]
func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	view, err := s.manager.StartNewSession(r.Context(), req.UserID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleCurrentSession godoc
// @Summary Current session view for a user
// @Description Rehydrates from the snapshot cache or the store when the session is not in memory. Users without a live session get an empty view.
// @Tags sessions
// @Produce json
// @Param user_id query string true "user id"
// @Success 200 {object} session.View
// @Failure 400 {object} errorResponse
// @Router /api/sessions/current [get]
func (s *Service) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	view, err := s.manager.CurrentSession(r.Context(), userID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSendMessage godoc
// @Summary Append a message to a session
// @Description Role "user" (default) sends through the optimistic path and wakes the assistant. Role "assistant" is the collaborator service writing its reply.
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "conversation id"
// @Param request body sendMessageRequest true "message"
// @Success 201 {object} models.Message
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /api/sessions/{id}/messages [post]
func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var (
		msg *models.Message
		err error
	)
	if req.Role == string(models.MessageRoleAssistant) {
		msg, err = s.manager.AddAssistantMessage(r.Context(), req.UserID, conversationID, req.Content, req.Metadata)
	} else {
		msg, err = s.manager.SendMessage(r.Context(), req.UserID, conversationID, req.Content)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleListMessages godoc
// @Summary Ordered message list for a conversation
// @Tags sessions
// @Produce json
// @Param id path string true "conversation id"
// @Param user_id query string true "user id"
// @Success 200 {object} messageListResponse
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /api/sessions/{id}/messages [get]
func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	msgs, err := s.manager.SessionMessages(r.Context(), userID, conversationID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: msgs, Count: len(msgs)})
}

// handlePauseSession godoc
// @Summary Pause an active session
// @Description Pausing an already paused session succeeds without side effects.
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "conversation id"
// @Param request body sessionActionRequest true "actor"
// @Success 200 {object} map[string]string
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /api/sessions/{id}/pause [post]
func (s *Service) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = session.ReasonUser
	}

	if err := s.manager.PauseSession(r.Context(), req.UserID, conversationID, reason); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          string(models.ConversationStatusPaused),
		"conversation_id": conversationID,
	})
}

// handleResumeSession godoc
// @Summary Resume a paused session
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "conversation id"
// @Param request body sessionActionRequest true "actor"
// @Success 200 {object} session.View
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /api/sessions/{id}/resume [post]
func (s *Service) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	view, err := s.manager.ResumePausedSession(r.Context(), req.UserID, conversationID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCompleteSession godoc
// @Summary Complete a session
// @Description Explicit completion requires the minimum number of user messages; the response carries sent/required counts when the gate blocks it.
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "conversation id"
// @Param request body sessionActionRequest true "actor"
// @Success 200 {object} map[string]string
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Failure 422 {object} engagementResponse
// @Router /api/sessions/{id}/complete [post]
func (s *Service) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.manager.CompleteSession(r.Context(), req.UserID, conversationID, false); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          string(models.ConversationStatusCompleted),
		"conversation_id": conversationID,
	})
}

// handleActivity godoc
// @Summary Record user activity on a session
// @Description Heartbeat consumed by the idle monitor. Never changes conversation status.
// @Tags sessions
// @Accept json
// @Param id path string true "conversation id"
// @Param request body sessionActionRequest true "actor"
// @Success 204
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /api/sessions/{id}/activity [post]
func (s *Service) handleActivity(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.manager.UpdateActivity(req.UserID, conversationID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionInsights godoc
// @Summary Analysis insights for a completed session
// @Tags sessions
// @Produce json
// @Param id path string true "conversation id"
// @Param user_id query string true "user id"
// @Success 200 {object} models.SessionInsights
// @Failure 404 {object} errorResponse
// @Router /api/sessions/{id}/insights [get]
func (s *Service) handleSessionInsights(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	insights, err := s.manager.SessionInsights(r.Context(), userID, conversationID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if insights == nil {
		writeError(w, http.StatusNotFound, "insights are not available yet")
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// handleTeamInsights godoc
// @Summary Aggregate team view for a manager
// @Description Per-member session counts and latest OCEAN signals plus the team average, from the team graph.
// @Tags team
// @Produce json
// @Param managerID path string true "manager id"
// @Success 200 {object} team.TeamReport
// @Failure 503 {object} errorResponse
// @Router /api/team/{managerID}/insights [get]
func (s *Service) handleTeamInsights(w http.ResponseWriter, r *http.Request) {
	report, err := s.team.TeamInsights(chi.URLParam(r, "managerID"))
	if err != nil {
		log.Error().Err(err).Msg("Team insights query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if report == nil {
		writeError(w, http.StatusServiceUnavailable, "team graph is not configured")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAddTeamMember godoc
// @Summary Attach a user to a manager's team
// @Tags team
// @Accept json
// @Param managerID path string true "manager id"
// @Param request body addMemberRequest true "member"
// @Success 204
// @Failure 400 {object} errorResponse
// @Failure 503 {object} errorResponse
// @Router /api/team/{managerID}/members [post]
func (s *Service) handleAddTeamMember(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if s.team == nil {
		writeError(w, http.StatusServiceUnavailable, "team graph is not configured")
		return
	}

	if err := s.team.EnsureManager(managerID, req.UserID); err != nil {
		log.Error().Err(err).Str("managerId", managerID).Msg("Failed to record team membership")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
