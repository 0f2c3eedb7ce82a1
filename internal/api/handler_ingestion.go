package api

import (
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"memoryd/internal/eventbus"
	"memoryd/internal/model"
)

// ensureSessionHandler handles POST /api/sessions/ensure — the core
// idempotent session upsert.
func (s *Server) ensureSessionHandler(c *echo.Context) error {
	var req EnsureSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentSessionID == "" || req.Platform == "" || req.Project == "" {
		return mapError(c, newValidationError("agent_session_id, platform and project are required"))
	}

	var userPrompt *string
	if req.UserPrompt != "" {
		userPrompt = &req.UserPrompt
	}

	result, err := s.store.EnsureSession(c.Request().Context(), req.AgentSessionID, req.Platform, req.Project, userPrompt)
	if err != nil {
		return mapError(c, err)
	}

	s.registry.Initialize(result.ID, req.AgentSessionID, req.Platform, req.Project, result.PromptNumber)
	if result.Created && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, SessionDBID: result.ID, Project: req.Project})
	}

	return c.JSON(http.StatusOK, EnsureSessionResponse{ID: result.ID, PromptNumber: result.PromptNumber, Created: result.Created})
}

// observationHandler handles POST /api/observations. Server-side filtering
// of configured skip-list tool names returns a 200 "skipped" soft-error
// rather than ever rejecting the write outright — the host agent has no
// other success signal for this call.
func (s *Server) observationHandler(c *echo.Context) error {
	var req ObservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentSessionID == "" || req.Platform == "" || req.ToolName == "" {
		return mapError(c, newValidationError("agent_session_id, platform and tool_name are required"))
	}

	if s.cfg.SkipTools[req.ToolName] {
		return c.JSON(http.StatusOK, QueuedResponse{Status: "skipped", Reason: "filtered-tool"})
	}

	st, err := s.registry.ResolveSession(c.Request().Context(), req.AgentSessionID, req.Platform)
	if err != nil {
		return mapError(c, err)
	}

	ev := model.ObservationEvent{
		ToolName:     req.ToolName,
		ToolInput:    marshalLoose(req.ToolInput),
		ToolResponse: marshalLoose(req.ToolResponse),
		Cwd:          req.Cwd,
		PromptNumber: st.PromptNumber(),
	}
	s.registry.QueueObservation(st.DBID, ev)
	s.registry.EnsureGeneratorRunning(st.DBID)

	return c.JSON(http.StatusOK, QueuedResponse{Status: "queued", ID: st.DBID, PromptNumber: st.PromptNumber()})
}

// summarizeHandler handles POST /api/sessions/summarize.
func (s *Server) summarizeHandler(c *echo.Context) error {
	var req SummarizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentSessionID == "" || req.Platform == "" {
		return mapError(c, newValidationError("agent_session_id and platform are required"))
	}

	st, err := s.registry.ResolveSession(c.Request().Context(), req.AgentSessionID, req.Platform)
	if err != nil {
		return mapError(c, err)
	}

	s.registry.QueueSummarize(st.DBID, model.SummarizeEvent{
		LastUserMessage:      req.LastUserMessage,
		LastAssistantMessage: req.LastAssistantMessage,
	})
	s.registry.EnsureGeneratorRunning(st.DBID)

	return c.JSON(http.StatusOK, QueuedResponse{Status: "queued", ID: st.DBID})
}

// completeSessionHandler handles POST /api/sessions/complete.
func (s *Server) completeSessionHandler(c *echo.Context) error {
	var req CompleteSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AgentSessionID == "" || req.Platform == "" {
		return mapError(c, newValidationError("agent_session_id and platform are required"))
	}

	st, err := s.registry.ResolveSession(c.Request().Context(), req.AgentSessionID, req.Platform)
	if err != nil {
		return mapError(c, err)
	}

	if err := s.store.MarkComplete(c.Request().Context(), st.DBID); err != nil {
		return mapError(c, err)
	}
	s.registry.CancelSession(st.DBID)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:        eventbus.SessionCompleted,
			SessionDBID: st.DBID,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{"status": "completed"})
}

func marshalLoose(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
