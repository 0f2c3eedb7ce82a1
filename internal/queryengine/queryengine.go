// Package queryengine is the hybrid retrieval layer: vector candidate
// selection plus full-text/metadata filtering, hydrated from the store and
// ordered by recency, together with timeline assembly and context-economics
// statistics. Retrieval is a pipeline of composed stages — candidate
// selection, hydration, temporal sort, limit — each testable in isolation.
package queryengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"memoryd/internal/model"
	"memoryd/internal/store"
	"memoryd/internal/vectorindex"
)

// recencyWindow is the cutoff applied to every text-based retrieval:
// results older than this are only reachable through an explicit date
// range. Deliberately a constant, not a config knob.
const recencyWindow = 90 * 24 * time.Hour

// ErrBadRequest marks a query that is missing both text and filters, or
// names an invalid type/concept — the protocol layer maps this to 400.
var ErrBadRequest = errors.New("search requires text or at least one filter")

// VectorQuerier is the narrow slice of *vectorindex.VectorIndex the engine
// needs, so tests can substitute a fake and a nil value cleanly means
// "vector index unavailable — fall back to full-text".
type VectorQuerier interface {
	Query(ctx context.Context, kind model.EntityKind, text string, k int, project, typ string, since *time.Time) ([]vectorindex.Candidate, error)
}

// Filters is the optional metadata constraint set threaded through both the
// vector query and the Store fallback/filter-only path.
type Filters struct {
	Project  string
	Type     string
	Concepts []string
	Files    []string
	Since    *time.Time
	Until    *time.Time
}

func (f Filters) empty() bool {
	return f.Project == "" && f.Type == "" && len(f.Concepts) == 0 && len(f.Files) == 0 && f.Since == nil && f.Until == nil
}

// Format selects the response shape.
type Format string

const (
	FormatIndex Format = "index"
	FormatFull  Format = "full"
)

// IndexEntry is the compact result row: identity and headline fields plus
// the similarity score when the vector index supplied the candidate.
type IndexEntry struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type,omitempty"`
	Title     *string   `json:"title,omitempty"`
	Subtitle  *string   `json:"subtitle,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Project   string    `json:"project"`
	Score     *float32  `json:"score,omitempty"`
	Concepts  []string  `json:"concepts,omitempty"`
	Files     []string  `json:"files,omitempty"`
}

func toIndexEntry(o model.Observation, score *float32) IndexEntry {
	return IndexEntry{
		ID:        o.ID,
		Type:      string(o.Type),
		Title:     o.Title,
		Subtitle:  o.Subtitle,
		CreatedAt: o.CreatedAt,
		Project:   o.Project,
		Score:     score,
		Concepts:  o.Concepts,
		Files:     append(append([]string{}, o.FilesRead...), o.FilesModified...),
	}
}

// SearchRequest is the unified query GET /api/search binds onto.
type SearchRequest struct {
	Text    string
	Filters Filters
	Format  Format
	Limit   int
}

// SearchResult carries both views; the protocol layer picks which one to
// serialize based on the requested Format.
type SearchResult struct {
	Full  []model.Observation
	Index []IndexEntry
}

// Engine composes Store and VectorIndex into the hybrid retrieval,
// specialized search entry points, timeline assembly, and context-economics
// computation.
type Engine struct {
	store *store.Store
	vec   VectorQuerier
}

func New(st *store.Store, vec VectorQuerier) *Engine {
	return &Engine{store: st, vec: vec}
}

func clampLimit(limit int) int {
	return clampRange(limit, 20, 100)
}

func clampRange(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// SearchObservations runs the hybrid retrieval algorithm over
// observations: semantic match selects the candidate set, recency orders
// the final result.
func (e *Engine) SearchObservations(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if req.Text == "" && req.Filters.empty() {
		return SearchResult{}, ErrBadRequest
	}
	if req.Filters.Type != "" && !model.IsValidObservationType(req.Filters.Type) {
		return SearchResult{}, fmt.Errorf("%w: invalid type %q", ErrBadRequest, req.Filters.Type)
	}
	limit := clampLimit(req.Limit)

	var observations []model.Observation
	var scores map[int64]float32

	switch {
	case req.Text != "":
		var err error
		observations, scores, err = e.vectorThenFallback(ctx, req.Text, req.Filters, limit)
		if err != nil {
			return SearchResult{}, err
		}
	default:
		var err error
		observations, err = e.store.SearchObservations(ctx, "", toFTSFilter(req.Filters), limit)
		if err != nil {
			return SearchResult{}, fmt.Errorf("filter observations: %w", err)
		}
	}

	sortObservationsByRecency(observations)
	if len(observations) > limit {
		observations = observations[:limit]
	}

	result := SearchResult{Full: observations}
	if req.Format == FormatIndex {
		result.Index = make([]IndexEntry, 0, len(observations))
		for _, o := range observations {
			var score *float32
			if s, ok := scores[o.ID]; ok {
				v := s
				score = &v
			}
			result.Index = append(result.Index, toIndexEntry(o, score))
		}
	}
	return result, nil
}

// vectorThenFallback tries the vector index first (recency-windowed); if
// it's unavailable or returns nothing, it falls back to the store's
// full-text search with the same filters.
func (e *Engine) vectorThenFallback(ctx context.Context, text string, f Filters, limit int) ([]model.Observation, map[int64]float32, error) {
	since := recencyCutoff(f.Since)

	if e.vec != nil {
		candidates, err := e.vec.Query(ctx, model.KindObservation, text, 100, f.Project, f.Type, since)
		if err != nil {
			candidates = nil // degrade to full-text rather than failing the request
		}
		if len(candidates) > 0 {
			observations, scores, hydrateErr := e.hydrateObservationCandidates(ctx, candidates, f)
			if hydrateErr != nil {
				return nil, nil, hydrateErr
			}
			if len(observations) > 0 {
				return observations, scores, nil
			}
		}
	}

	ftsFilter := toFTSFilter(f)
	ftsFilter.Since = since
	observations, err := e.store.SearchObservations(ctx, text, ftsFilter, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("full-text search observations: %w", err)
	}
	return observations, nil, nil
}

func (e *Engine) hydrateObservationCandidates(ctx context.Context, candidates []vectorindex.Candidate, f Filters) ([]model.Observation, map[int64]float32, error) {
	scores := make(map[int64]float32, len(candidates))
	var out []model.Observation
	for _, c := range candidates {
		id, ok := model.ParseVectorSourceID(model.KindObservation, c.ID)
		if !ok {
			continue
		}
		obs, err := e.store.GetObservationByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("hydrate observation %d: %w", id, err)
		}
		if !matchesFilters(obs, f) {
			continue
		}
		out = append(out, obs)
		if _, seen := scores[obs.ID]; !seen || c.Score > scores[obs.ID] {
			scores[obs.ID] = c.Score
		}
	}
	return out, scores, nil
}

func matchesFilters(o model.Observation, f Filters) bool {
	if f.Project != "" && o.Project != f.Project {
		return false
	}
	if f.Type != "" && string(o.Type) != f.Type {
		return false
	}
	if f.Until != nil && o.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// SearchByType, SearchByConcept and SearchByFile compose the hybrid
// algorithm with fixed filters.
func (e *Engine) SearchByType(ctx context.Context, project, typ string, limit int) (SearchResult, error) {
	return e.SearchObservations(ctx, SearchRequest{Filters: Filters{Project: project, Type: typ}, Limit: limit})
}

func (e *Engine) SearchByConcept(ctx context.Context, project, concept string, limit int) (SearchResult, error) {
	return e.SearchObservations(ctx, SearchRequest{Filters: Filters{Project: project, Concepts: []string{concept}}, Limit: limit})
}

func (e *Engine) SearchByFile(ctx context.Context, project, file string, limit int) (SearchResult, error) {
	return e.SearchObservations(ctx, SearchRequest{Filters: Filters{Project: project, Files: []string{file}}, Limit: limit})
}

// SearchUserPrompts is the specialized entry point for prompt text: the
// same vector-candidates-then-full-text pipeline as observation search,
// with the candidate kind switched and the same recency window applied to
// both stages.
func (e *Engine) SearchUserPrompts(ctx context.Context, text, project string, limit int) ([]model.UserPrompt, error) {
	if text == "" {
		return nil, ErrBadRequest
	}
	lim := clampLimit(limit)
	since := recencyCutoff(nil)

	if e.vec != nil {
		candidates, err := e.vec.Query(ctx, model.KindPrompt, text, 100, project, "", since)
		if err != nil {
			candidates = nil // degrade to full-text rather than failing the request
		}
		if len(candidates) > 0 {
			prompts, err := e.hydratePromptCandidates(ctx, candidates)
			if err != nil {
				return nil, err
			}
			if len(prompts) > 0 {
				sort.SliceStable(prompts, func(i, j int) bool {
					return prompts[i].CreatedAt.After(prompts[j].CreatedAt)
				})
				if len(prompts) > lim {
					prompts = prompts[:lim]
				}
				return prompts, nil
			}
		}
	}
	return e.store.SearchUserPrompts(ctx, text, project, lim, since)
}

func (e *Engine) hydratePromptCandidates(ctx context.Context, candidates []vectorindex.Candidate) ([]model.UserPrompt, error) {
	var out []model.UserPrompt
	for _, c := range candidates {
		id, ok := model.ParseVectorSourceID(model.KindPrompt, c.ID)
		if !ok {
			continue
		}
		p, err := e.store.GetUserPromptByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrate prompt %d: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// SearchSummaries mirrors SearchUserPrompts for summaries. A project-only
// call (no text) is filter-only retrieval: direct store filtering with no
// recency window.
func (e *Engine) SearchSummaries(ctx context.Context, text, project string, limit int) ([]model.SessionSummary, error) {
	if text == "" && project == "" {
		return nil, ErrBadRequest
	}
	lim := clampLimit(limit)
	if text == "" {
		return e.store.SearchSummaries(ctx, "", project, lim, nil)
	}
	since := recencyCutoff(nil)

	if e.vec != nil {
		candidates, err := e.vec.Query(ctx, model.KindSummary, text, 100, project, "", since)
		if err != nil {
			candidates = nil // degrade to full-text rather than failing the request
		}
		if len(candidates) > 0 {
			summaries, err := e.hydrateSummaryCandidates(ctx, candidates, project)
			if err != nil {
				return nil, err
			}
			if len(summaries) > 0 {
				sort.SliceStable(summaries, func(i, j int) bool {
					return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
				})
				if len(summaries) > lim {
					summaries = summaries[:lim]
				}
				return summaries, nil
			}
		}
	}
	return e.store.SearchSummaries(ctx, text, project, lim, since)
}

func (e *Engine) hydrateSummaryCandidates(ctx context.Context, candidates []vectorindex.Candidate, project string) ([]model.SessionSummary, error) {
	var out []model.SessionSummary
	for _, c := range candidates {
		id, ok := model.ParseVectorSourceID(model.KindSummary, c.ID)
		if !ok {
			continue
		}
		sum, err := e.store.GetSummaryByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hydrate summary %d: %w", id, err)
		}
		if project != "" && sum.Project != project {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// TimelineAround delegates to Store.GetTimelineAround. An id anchor is
// resolved to its created_at timestamp first — ids are monotonically
// assigned in insert order, the same order as created_at, so anchoring on
// the resolved timestamp gives an equivalent window without the store
// needing two separate query shapes.
func (e *Engine) TimelineAround(ctx context.Context, project string, anchorID *int64, anchorTime *time.Time, depthBefore, depthAfter int) ([]model.TimelineEntry, error) {
	anchor, err := e.resolveAnchor(ctx, anchorID, anchorTime)
	if err != nil {
		return nil, err
	}
	return e.store.GetTimelineAround(ctx, project, anchor, depthBefore, depthAfter)
}

func (e *Engine) resolveAnchor(ctx context.Context, anchorID *int64, anchorTime *time.Time) (time.Time, error) {
	if anchorTime != nil {
		return *anchorTime, nil
	}
	if anchorID == nil {
		return time.Time{}, fmt.Errorf("%w: timeline requires an anchor", ErrBadRequest)
	}
	if obs, err := e.store.GetObservationByID(ctx, *anchorID); err == nil {
		return obs.CreatedAt, nil
	}
	if sum, err := e.store.GetSummaryByID(ctx, *anchorID); err == nil {
		return sum.CreatedAt, nil
	}
	return time.Time{}, store.ErrNotFound
}

// TimelineMode selects between returning a single timeline around the top
// hit (auto) or the top N hits for the caller to choose an anchor from
// (interactive).
type TimelineMode string

const (
	ModeAuto        TimelineMode = "auto"
	ModeInteractive TimelineMode = "interactive"
)

// TimelineByQueryResult carries whichever branch TimelineMode selected.
type TimelineByQueryResult struct {
	Timeline []model.TimelineEntry // populated in ModeAuto
	Hits     []IndexEntry          // populated in ModeInteractive
}

func (e *Engine) TimelineByQuery(ctx context.Context, text, project string, mode TimelineMode, depthBefore, depthAfter, hitLimit int) (TimelineByQueryResult, error) {
	hits, err := e.SearchObservations(ctx, SearchRequest{
		Text:    text,
		Filters: Filters{Project: project},
		Format:  FormatIndex,
		Limit:   hitLimit,
	})
	if err != nil {
		return TimelineByQueryResult{}, err
	}
	if mode == ModeInteractive {
		return TimelineByQueryResult{Hits: hits.Index}, nil
	}
	if len(hits.Full) == 0 {
		return TimelineByQueryResult{}, nil
	}
	top := hits.Full[0].ID
	timeline, err := e.TimelineAround(ctx, project, &top, nil, depthBefore, depthAfter)
	if err != nil {
		return TimelineByQueryResult{}, err
	}
	return TimelineByQueryResult{Timeline: timeline}, nil
}

// TokenStats is the context-economics summary: read cost of the stored
// artifacts vs. the generator's reported discovery cost, and the resulting
// savings.
type TokenStats struct {
	ReadTokens      int     `json:"readTokens"`
	WorkTokens      int     `json:"workTokens"`
	Savings         int     `json:"savings"`
	SavingsPercent  float64 `json:"savingsPercent"`
}

// Context is the canonical view an agent fetches at session start.
type Context struct {
	Observations []model.Observation      `json:"observations"`
	Summaries    []model.SessionSummary   `json:"summaries"`
	TokenStats   TokenStats               `json:"tokenStats"`
}

// GetContext assembles the session-start context view. Its limits are
// wider than search limits: up to 200 observations (default 50) and up to
// 50 summaries (default 10).
func (e *Engine) GetContext(ctx context.Context, project string, limit, summaryLimit int) (Context, error) {
	observations, err := e.store.GetRecentObservations(ctx, project, clampRange(limit, 50, 200))
	if err != nil {
		return Context{}, fmt.Errorf("get recent observations: %w", err)
	}
	summaries, err := e.store.GetRecentSummaries(ctx, project, clampRange(summaryLimit, 10, 50))
	if err != nil {
		return Context{}, fmt.Errorf("get recent summaries: %w", err)
	}

	var readTokens, workTokens int
	for _, o := range observations {
		readTokens += estimateReadTokens(o)
		workTokens += o.DiscoveryTokens
	}
	for _, s := range summaries {
		workTokens += s.DiscoveryTokens
	}

	savings := workTokens - readTokens
	var savingsPercent float64
	if workTokens > 0 {
		savingsPercent = float64(savings) / float64(workTokens) * 100
	}

	return Context{
		Observations: observations,
		Summaries:    summaries,
		TokenStats: TokenStats{
			ReadTokens:     readTokens,
			WorkTokens:     workTokens,
			Savings:        savings,
			SavingsPercent: savingsPercent,
		},
	}, nil
}

// estimateReadTokens approximates the token cost of reading one
// observation as ceil(len(title+subtitle+narrative+facts) / 4) — a crude
// chars-per-token heuristic, deliberately cheap.
func estimateReadTokens(o model.Observation) int {
	n := 0
	if o.Title != nil {
		n += len(*o.Title)
	}
	if o.Subtitle != nil {
		n += len(*o.Subtitle)
	}
	if o.Narrative != nil {
		n += len(*o.Narrative)
	}
	for _, f := range o.Facts {
		n += len(f)
	}
	return (n + 3) / 4
}

func recencyCutoff(explicitSince *time.Time) *time.Time {
	if explicitSince != nil {
		return explicitSince
	}
	cutoff := time.Now().Add(-recencyWindow)
	return &cutoff
}

func toFTSFilter(f Filters) store.FTSFilter {
	return store.FTSFilter{
		Project:  f.Project,
		Type:     f.Type,
		Concepts: f.Concepts,
		Files:    f.Files,
		Since:    f.Since,
		Until:    f.Until,
	}
}

func sortObservationsByRecency(obs []model.Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].CreatedAt.After(obs[j].CreatedAt)
	})
}

