package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"memoryd/internal/queryengine"
)

// contextHandler handles GET /api/context/:project — the canonical "what
// does an agent read at session start" view.
func (s *Server) contextHandler(c *echo.Context) error {
	project := c.Param("project")
	if project == "" {
		return mapError(c, newValidationError("project is required"))
	}
	limit := parseIntParam(c, "limit", s.cfg.ContextObservationCount)
	summaryLimit := parseIntParam(c, "summary_limit", 10)

	ctx, err := s.engine.GetContext(c.Request().Context(), project, limit, summaryLimit)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, ctx)
}

// searchHandler handles GET /api/search — the unified hybrid-retrieval
// endpoint, dispatching on the `tool` query param to the specialized
// Engine entry point it names.
func (s *Server) searchHandler(c *echo.Context) error {
	req := c.Request()
	q := req.URL.Query()

	project := q.Get("project")
	text := q.Get("query")
	limit := parseIntParam(c, "limit", 20)
	format := queryengine.FormatFull
	if q.Get("format") == "index" {
		format = queryengine.FormatIndex
	}

	obsType := q.Get("obs_type")
	if obsType == "" {
		obsType = q.Get("type")
	}

	switch q.Get("tool") {
	case "by_type":
		result, err := s.engine.SearchByType(req.Context(), project, obsType, limit)
		if err != nil {
			return mapError(c, err)
		}
		return c.JSON(http.StatusOK, searchBody(result, format))
	case "by_concept":
		result, err := s.engine.SearchByConcept(req.Context(), project, q.Get("concept"), limit)
		if err != nil {
			return mapError(c, err)
		}
		return c.JSON(http.StatusOK, searchBody(result, format))
	case "by_file":
		result, err := s.engine.SearchByFile(req.Context(), project, q.Get("file"), limit)
		if err != nil {
			return mapError(c, err)
		}
		return c.JSON(http.StatusOK, searchBody(result, format))
	case "prompts":
		prompts, err := s.engine.SearchUserPrompts(req.Context(), text, project, limit)
		if err != nil {
			return mapError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"prompts": prompts})
	case "summaries":
		summaries, err := s.engine.SearchSummaries(req.Context(), text, project, limit)
		if err != nil {
			return mapError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"summaries": summaries})
	}

	filters := queryengine.Filters{
		Project:  project,
		Type:     obsType,
		Concepts: splitCSV(q.Get("concepts")),
		Files:    splitCSV(q.Get("files")),
	}
	if since, ok := parseTimeParam(firstQueryParam(q, "dateRange[start]", "since")); ok {
		filters.Since = &since
	}
	if until, ok := parseTimeParam(firstQueryParam(q, "dateRange[end]", "until")); ok {
		filters.Until = &until
	}

	result, err := s.engine.SearchObservations(req.Context(), queryengine.SearchRequest{
		Text: text, Filters: filters, Format: format, Limit: limit,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, searchBody(result, format))
}

func searchBody(result queryengine.SearchResult, format queryengine.Format) map[string]any {
	if format == queryengine.FormatIndex {
		return map[string]any{"results": result.Index}
	}
	return map[string]any{"results": result.Full}
}

// timelineHandler handles GET /api/timeline, dispatching on whether a
// `query` or an `anchor` param is present.
func (s *Server) timelineHandler(c *echo.Context) error {
	req := c.Request()
	q := req.URL.Query()
	project := q.Get("project")
	before := clampDepth(parseIntParamAliased(c, 5, "depth_before", "before"))
	after := clampDepth(parseIntParamAliased(c, 5, "depth_after", "after"))

	if text := q.Get("query"); text != "" {
		mode := queryengine.ModeAuto
		if q.Get("mode") == "interactive" {
			mode = queryengine.ModeInteractive
		}
		result, err := s.engine.TimelineByQuery(req.Context(), text, project, mode, before, after, parseIntParam(c, "limit", 10))
		if err != nil {
			return mapError(c, err)
		}
		if mode == queryengine.ModeInteractive {
			return c.JSON(http.StatusOK, map[string]any{"hits": result.Hits})
		}
		return c.JSON(http.StatusOK, map[string]any{"timeline": result.Timeline})
	}

	anchorRaw := q.Get("anchor")
	if anchorRaw == "" {
		return mapError(c, newValidationError("timeline requires either query or anchor"))
	}

	var anchorID *int64
	var anchorTime *time.Time
	if id, err := strconv.ParseInt(anchorRaw, 10, 64); err == nil {
		anchorID = &id
	} else if t, ok := parseTimeParam(anchorRaw); ok {
		anchorTime = &t
	} else {
		return mapError(c, newValidationError("anchor must be an id or an RFC3339 timestamp"))
	}

	timeline, err := s.engine.TimelineAround(req.Context(), project, anchorID, anchorTime, before, after)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"timeline": timeline})
}

func (s *Server) getObservationHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapError(c, newValidationError("id must be an integer"))
	}
	obs, err := s.store.GetObservationByID(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) getSessionHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapError(c, newValidationError("id must be an integer"))
	}
	sess, err := s.store.GetSessionByID(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) getPromptHandler(c *echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapError(c, newValidationError("id must be an integer"))
	}
	prompt, err := s.store.GetUserPromptByID(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, prompt)
}

// statsHandler handles GET /api/stats: per-project, per-entity-kind counts
// (sessions, observations, summaries, prompts) alongside the processing
// snapshot.
func (s *Server) statsHandler(c *echo.Context) error {
	counts, err := s.store.GetEntityCounts(c.Request().Context())
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"projects":          counts,
		"subscriber_count":  s.bus.SubscriberCount(),
		"active_work_count": s.registry.TotalActiveWork(),
		"config":            s.cfg.Stats(),
	})
}

// processingStatusHandler handles GET /api/processing-status — the same
// fields as the processing_status events pushed on /stream, computed here
// across all sessions; the pushed events carry the queue depth of the one
// session whose runner started or stopped.
func (s *Server) processingStatusHandler(c *echo.Context) error {
	total := s.registry.TotalActiveWork()
	return c.JSON(http.StatusOK, ProcessingStatusResponse{IsProcessing: total > 0, QueueDepth: total})
}

func parseIntParam(c *echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// parseIntParamAliased reads the first of the given names that is present —
// the canonical name first, then the short form some host adapters send.
func parseIntParamAliased(c *echo.Context, def int, names ...string) int {
	for _, name := range names {
		if c.QueryParam(name) != "" {
			return parseIntParam(c, name, def)
		}
	}
	return def
}

// clampDepth bounds timeline depths to the §6 maximum of 50 per side.
func clampDepth(d int) int {
	if d < 0 {
		return 0
	}
	if d > 50 {
		return 50
	}
	return d
}

func firstQueryParam(q url.Values, names ...string) string {
	for _, name := range names {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func parseTimeParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
