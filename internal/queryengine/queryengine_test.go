package queryengine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/model"
	"memoryd/internal/queryengine"
	"memoryd/internal/testutil"
	"memoryd/internal/vectorindex"
)

// fakeVectorQuerier lets tests control exactly what candidates the vector
// step returns, including simulating an unavailable index.
type fakeVectorQuerier struct {
	candidates []vectorindex.Candidate
	err        error
}

func (f *fakeVectorQuerier) Query(_ context.Context, _ model.EntityKind, _ string, _ int, _, _ string, _ *time.Time) ([]vectorindex.Candidate, error) {
	return f.candidates, f.err
}

func TestSearchObservations_RejectsEmptyTextAndFilters(t *testing.T) {
	st := testutil.SetupTestStore(t)
	engine := queryengine.New(st, nil)

	_, err := engine.SearchObservations(context.Background(), queryengine.SearchRequest{})
	assert.True(t, errors.Is(err, queryengine.ErrBadRequest))
}

func TestSearchObservations_RejectsInvalidType(t *testing.T) {
	st := testutil.SetupTestStore(t)
	engine := queryengine.New(st, nil)

	_, err := engine.SearchObservations(context.Background(), queryengine.SearchRequest{
		Filters: queryengine.Filters{Type: "not-a-real-type"},
	})
	assert.True(t, errors.Is(err, queryengine.ErrBadRequest))
}

func TestSearchObservations_FallsBackToFullTextWhenVectorUnavailable(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-qe", "claude-code", "proj-qe", nil)
	require.NoError(t, err)
	narrative := "investigated the memory leak in the worker pool"
	_, err = st.StoreObservation(ctx, "agent-qe", "proj-qe", model.ObservationFields{
		Type: model.ObservationDiscovery, Narrative: &narrative,
	}, nil, 0)
	require.NoError(t, err)

	engine := queryengine.New(st, &fakeVectorQuerier{err: errors.New("qdrant unreachable")})
	result, err := engine.SearchObservations(ctx, queryengine.SearchRequest{Text: "memory leak worker pool"})
	require.NoError(t, err)
	require.Len(t, result.Full, 1)
	assert.Equal(t, model.ObservationDiscovery, result.Full[0].Type)
}

func TestSearchObservations_UsesVectorCandidatesWhenAvailable(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-qe2", "claude-code", "proj-qe2", nil)
	require.NoError(t, err)
	obs, err := st.StoreObservation(ctx, "agent-qe2", "proj-qe2", model.ObservationFields{Type: model.ObservationBugfix}, nil, 0)
	require.NoError(t, err)

	vq := &fakeVectorQuerier{candidates: []vectorindex.Candidate{{ID: idToSourceID(obs.ID), Score: 0.9}}}
	engine := queryengine.New(st, vq)

	result, err := engine.SearchObservations(ctx, queryengine.SearchRequest{Text: "anything", Format: queryengine.FormatIndex})
	require.NoError(t, err)
	require.Len(t, result.Full, 1)
	assert.Equal(t, obs.ID, result.Full[0].ID)
	require.Len(t, result.Index, 1)
	require.NotNil(t, result.Index[0].Score)
	assert.Equal(t, float32(0.9), *result.Index[0].Score)
}

func TestGetContext_ComputesTokenSavings(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-ctx", "claude-code", "proj-ctx", nil)
	require.NoError(t, err)
	title := "short title"
	_, err = st.StoreObservation(ctx, "agent-ctx", "proj-ctx", model.ObservationFields{
		Type: model.ObservationChange, Title: &title,
	}, nil, 4000)
	require.NoError(t, err)

	engine := queryengine.New(st, nil)
	c, err := engine.GetContext(ctx, "proj-ctx", 10, 10)
	require.NoError(t, err)
	require.Len(t, c.Observations, 1)
	assert.True(t, c.TokenStats.WorkTokens >= 4000)
	assert.True(t, c.TokenStats.Savings > 0, "reading the compressed observation should cost far fewer tokens than the original discovery work")
}

func TestTimelineAround_ResolvesIdAnchor(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-anchor", "claude-code", "proj-anchor", nil)
	require.NoError(t, err)
	obs, err := st.StoreObservation(ctx, "agent-anchor", "proj-anchor", model.ObservationFields{Type: model.ObservationChange}, nil, 0)
	require.NoError(t, err)

	engine := queryengine.New(st, nil)
	timeline, err := engine.TimelineAround(ctx, "proj-anchor", &obs.ID, nil, 5, 5)
	require.NoError(t, err)
	require.NotEmpty(t, timeline)
}

func TestTimelineAround_UnknownAnchorIsNotFound(t *testing.T) {
	st := testutil.SetupTestStore(t)
	engine := queryengine.New(st, nil)
	missing := int64(999999)
	_, err := engine.TimelineAround(context.Background(), "proj-anchor", &missing, nil, 5, 5)
	assert.Error(t, err)
}

func idToSourceID(id int64) string {
	return model.VectorSourceID(model.KindObservation, id)
}

func TestSearchSummaries_UsesVectorCandidatesWhenAvailable(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-qe3", "claude-code", "proj-qe3", nil)
	require.NoError(t, err)
	learned := "the scheduler drains one queue per session"
	sum, err := st.StoreSummary(ctx, "agent-qe3", "proj-qe3", model.SummaryFields{Learned: &learned}, nil, 0)
	require.NoError(t, err)

	vq := &fakeVectorQuerier{candidates: []vectorindex.Candidate{
		{ID: model.VectorSourceID(model.KindSummary, sum.ID), Score: 0.8},
	}}
	engine := queryengine.New(st, vq)

	summaries, err := engine.SearchSummaries(ctx, "scheduler queue", "proj-qe3", 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, sum.ID, summaries[0].ID)
}

func TestSearchSummaries_FallsBackToFullTextWhenVectorUnavailable(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-qe4", "claude-code", "proj-qe4", nil)
	require.NoError(t, err)
	learned := "connection pool exhaustion under load"
	_, err = st.StoreSummary(ctx, "agent-qe4", "proj-qe4", model.SummaryFields{Learned: &learned}, nil, 0)
	require.NoError(t, err)

	engine := queryengine.New(st, &fakeVectorQuerier{err: errors.New("qdrant unreachable")})
	summaries, err := engine.SearchSummaries(ctx, "connection pool exhaustion", "proj-qe4", 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}

func TestSearchUserPrompts_UsesVectorCandidatesWhenAvailable(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	prompt := "wire the retry middleware into the ingestion path"
	_, err := st.EnsureSession(ctx, "agent-qe5", "claude-code", "proj-qe5", &prompt)
	require.NoError(t, err)

	prompts, err := st.SearchUserPrompts(ctx, "retry middleware", "proj-qe5", 10, nil)
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	vq := &fakeVectorQuerier{candidates: []vectorindex.Candidate{
		{ID: model.VectorSourceID(model.KindPrompt, prompts[0].ID), Score: 0.7},
	}}
	engine := queryengine.New(st, vq)

	hits, err := engine.SearchUserPrompts(ctx, "anything", "proj-qe5", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, prompts[0].ID, hits[0].ID)
}
