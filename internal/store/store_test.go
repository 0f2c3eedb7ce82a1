package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/model"
	"memoryd/internal/store"
	"memoryd/internal/testutil"
)

func TestEnsureSession_CreatesThenIncrements(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	prompt1 := "first prompt"
	res1, err := st.EnsureSession(ctx, "agent-1", "claude-code", "proj-a", &prompt1)
	require.NoError(t, err)
	assert.True(t, res1.Created)
	assert.Equal(t, 1, res1.PromptNumber)

	prompt2 := "second prompt"
	res2, err := st.EnsureSession(ctx, "agent-1", "claude-code", "proj-a", &prompt2)
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res1.ID, res2.ID)
	assert.Equal(t, 2, res2.PromptNumber, "prompt_counter must strictly increase")

	sess, err := st.GetSessionByAgentID(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.PromptCounter)
	assert.Equal(t, "proj-a", sess.Project)
	require.NotNil(t, sess.UserPrompt)
	assert.Equal(t, prompt2, *sess.UserPrompt)
}

func TestEnsureSession_ConcurrentCallsConvergeOnOneRow(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	const n = 10
	results := make(chan store.EnsureSessionResult, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := st.EnsureSession(ctx, "agent-concurrent", "claude-code", "proj-b", nil)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}

	ids := make(map[int64]struct{})
	counters := make(map[int]struct{})
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("EnsureSession failed: %v", err)
		case res := <-results:
			ids[res.ID] = struct{}{}
			counters[res.PromptNumber] = struct{}{}
		}
	}
	assert.Len(t, ids, 1, "all concurrent calls for the same agent_session_id must converge on one row")
	assert.Len(t, counters, n, "every concurrent call must observe a distinct prompt_counter value")
}

func TestStoreObservation_RoundTripAndConceptPurity(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-obs", "claude-code", "proj-c", nil)
	require.NoError(t, err)

	title := "fixed the race"
	fields := model.ObservationFields{
		Type:     model.ObservationBugfix,
		Title:    &title,
		Facts:    []string{"locked the map before iterating"},
		Concepts: []string{"concurrency", string(model.ObservationBugfix)},
	}
	prompt := 1
	obs, err := st.StoreObservation(ctx, "agent-obs", "proj-c", fields, &prompt, 128)
	require.NoError(t, err)
	assert.NotZero(t, obs.ID)
	assert.NotContains(t, obs.Concepts, string(model.ObservationBugfix), "type must never appear in concepts")
	assert.Contains(t, obs.Concepts, "concurrency")

	fetched, err := st.GetObservationByID(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObservationBugfix, fetched.Type)
	require.NotNil(t, fetched.Title)
	assert.Equal(t, title, *fetched.Title)
	assert.Equal(t, []string{"locked the map before iterating"}, fetched.Facts)
}

func TestStoreObservation_UnknownTypeCoercesToChange(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-unknown-type", "claude-code", "proj-c", nil)
	require.NoError(t, err)

	fields := model.ObservationFields{Type: model.ObservationType("not-a-real-type")}
	obs, err := st.StoreObservation(ctx, "agent-unknown-type", "proj-c", fields, nil, 0)
	require.NoError(t, err)

	fetched, err := st.GetObservationByID(ctx, obs.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ObservationChange, fetched.Type, "unreadable type values coerce to change, never get rejected")
}

func TestGetEntityCounts(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	prompt := "do the thing"
	_, err := st.EnsureSession(ctx, "agent-counts", "claude-code", "proj-counts", &prompt)
	require.NoError(t, err)

	_, err = st.StoreObservation(ctx, "agent-counts", "proj-counts", model.ObservationFields{Type: model.ObservationChange}, nil, 0)
	require.NoError(t, err)
	_, err = st.StoreSummary(ctx, "agent-counts", "proj-counts", model.SummaryFields{}, nil, 0)
	require.NoError(t, err)

	counts, err := st.GetEntityCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "proj-counts", counts[0].Project)
	assert.Equal(t, 1, counts[0].Sessions)
	assert.Equal(t, 1, counts[0].Observations)
	assert.Equal(t, 1, counts[0].Summaries)
	assert.Equal(t, 1, counts[0].Prompts)
}

func TestFetchObservationsByIds_PreservesRequestedOrder(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-fetch", "claude-code", "proj-fetch", nil)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 3; i++ {
		obs, err := st.StoreObservation(ctx, "agent-fetch", "proj-fetch", model.ObservationFields{Type: model.ObservationChange}, nil, 0)
		require.NoError(t, err)
		ids = append(ids, obs.ID)
	}

	reversed := []int64{ids[2], ids[0], ids[1]}
	got, err := st.FetchObservationsByIds(ctx, reversed, "requested")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, reversed, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func TestGetTimelineAround_InterleavesObservationsSummariesAndPrompts(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	prompt := "kick off the session"
	_, err := st.EnsureSession(ctx, "agent-timeline", "claude-code", "proj-timeline", &prompt)
	require.NoError(t, err)

	_, err = st.StoreObservation(ctx, "agent-timeline", "proj-timeline", model.ObservationFields{Type: model.ObservationDiscovery}, nil, 0)
	require.NoError(t, err)
	_, err = st.StoreSummary(ctx, "agent-timeline", "proj-timeline", model.SummaryFields{}, nil, 0)
	require.NoError(t, err)

	timeline, err := st.GetTimelineAround(ctx, "proj-timeline", time.Now().Add(time.Hour), 10, 10)
	require.NoError(t, err)

	var sawPrompt, sawObservation, sawSummary bool
	for _, e := range timeline {
		switch e.Kind {
		case model.KindPrompt:
			sawPrompt = true
		case model.KindObservation:
			sawObservation = true
		case model.KindSummary:
			sawSummary = true
		}
	}
	assert.True(t, sawPrompt, "timeline must include prompts alongside observations and summaries")
	assert.True(t, sawObservation)
	assert.True(t, sawSummary)

	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].CreatedAt.Before(timeline[i-1].CreatedAt), "timeline must be chronologically ordered")
	}
}

func TestSearchObservations_FullTextMatch(t *testing.T) {
	st := testutil.SetupTestStore(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "agent-search", "claude-code", "proj-search", nil)
	require.NoError(t, err)

	narrative := "refactored the authentication middleware to use context values"
	_, err = st.StoreObservation(ctx, "agent-search", "proj-search", model.ObservationFields{
		Type: model.ObservationRefactor, Narrative: &narrative,
	}, nil, 0)
	require.NoError(t, err)

	results, err := st.SearchObservations(ctx, "authentication middleware", store.FTSFilter{Project: "proj-search"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.ObservationRefactor, results[0].Type)
}
