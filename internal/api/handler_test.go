package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/api"
	"memoryd/internal/config"
	"memoryd/internal/eventbus"
	"memoryd/internal/model"
	"memoryd/internal/queryengine"
	"memoryd/internal/sessionregistry"
	"memoryd/internal/store"
	"memoryd/internal/testutil"
)

// setupServer wires a full protocol layer over a real per-test schema, with
// no generator (EnsureGeneratorRunning no-ops) and no vector index.
func setupServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := testutil.SetupTestStore(t)
	bus := eventbus.New()
	registry := sessionregistry.New(context.Background(), st, bus)
	engine := queryengine.New(st, nil)
	cfg := &config.Config{
		ContextObservationCount: 50,
		SkipTools:               map[string]bool{"TodoWrite": true, "TodoRead": true},
	}
	server := api.NewServer(cfg, st, registry, engine, bus, nil)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestEnsureSession_CreatesAndIncrements(t *testing.T) {
	ts, _ := setupServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{
		"agent_session_id": "A", "platform": "x", "project": "demo", "user_prompt": "Build auth",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		ID           int64 `json:"id"`
		PromptNumber int   `json:"prompt_number"`
		Created      bool  `json:"created"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Created)
	assert.Equal(t, 1, body.PromptNumber)

	resp2 := postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{
		"agent_session_id": "A", "platform": "x", "project": "demo",
	})
	var body2 struct {
		ID           int64 `json:"id"`
		PromptNumber int   `json:"prompt_number"`
		Created      bool  `json:"created"`
	}
	decode(t, resp2, &body2)
	assert.False(t, body2.Created)
	assert.Equal(t, body.ID, body2.ID)
	assert.Equal(t, 2, body2.PromptNumber)
}

func TestEnsureSession_MissingFieldsIs400(t *testing.T) {
	ts, _ := setupServer(t)
	resp := postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{"platform": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestObservation_QueuedForKnownSession(t *testing.T) {
	ts, _ := setupServer(t)
	postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{
		"agent_session_id": "A", "platform": "x", "project": "demo", "user_prompt": "Build auth",
	})

	resp := postJSON(t, ts.URL+"/api/observations", map[string]any{
		"agent_session_id": "A", "platform": "x", "tool_name": "Read",
		"tool_input": map[string]string{"file": "a.ts"}, "tool_response": "...",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status       string `json:"status"`
		ID           int64  `json:"id"`
		PromptNumber int    `json:"prompt_number"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "queued", body.Status)
	assert.Equal(t, 1, body.PromptNumber)
}

func TestObservation_FilteredToolIsSkipped(t *testing.T) {
	ts, st := setupServer(t)
	postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{
		"agent_session_id": "A", "platform": "x", "project": "demo",
	})

	resp := postJSON(t, ts.URL+"/api/observations", map[string]any{
		"agent_session_id": "A", "platform": "x", "tool_name": "TodoWrite",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "skipped", body.Status)
	assert.Equal(t, "filtered-tool", body.Reason)

	rows, err := st.GetRecentObservations(context.Background(), "demo", 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "a filtered tool must leave no observation row behind")
}

func TestObservation_UnknownSessionIs404(t *testing.T) {
	ts, _ := setupServer(t)
	resp := postJSON(t, ts.URL+"/api/observations", map[string]any{
		"agent_session_id": "never-ensured", "platform": "x", "tool_name": "Read",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteSession_MarksCompleted(t *testing.T) {
	ts, st := setupServer(t)
	postJSON(t, ts.URL+"/api/sessions/ensure", map[string]any{
		"agent_session_id": "A", "platform": "x", "project": "demo",
	})

	resp := postJSON(t, ts.URL+"/api/sessions/complete", map[string]any{
		"agent_session_id": "A", "platform": "x", "reason": "done",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sess, err := st.GetSessionByAgentID(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
}

func TestSearch_RequiresTextOrFilter(t *testing.T) {
	ts, _ := setupServer(t)
	resp, err := http.Get(ts.URL + "/api/search")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch_InvalidObsTypeIs400(t *testing.T) {
	ts, _ := setupServer(t)
	resp, err := http.Get(ts.URL + "/api/search?obs_type=nonsense")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContext_ListsStoredObservations(t *testing.T) {
	ts, st := setupServer(t)
	ctx := context.Background()
	_, err := st.EnsureSession(ctx, "A", "x", "demo", nil)
	require.NoError(t, err)
	title := "Read a.ts"
	_, err = st.StoreObservation(ctx, "A", "demo", model.ObservationFields{
		Type: model.ObservationDiscovery, Title: &title,
	}, nil, 0)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/context/demo?limit=50")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Observations []struct {
			Type  string  `json:"type"`
			Title *string `json:"title"`
		} `json:"observations"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Observations, 1)
	assert.Equal(t, "discovery", body.Observations[0].Type)
	require.NotNil(t, body.Observations[0].Title)
	assert.Equal(t, "Read a.ts", *body.Observations[0].Title)
}

func TestProcessingStatus_IdleServer(t *testing.T) {
	ts, _ := setupServer(t)
	resp, err := http.Get(ts.URL + "/api/processing-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		IsProcessing bool `json:"isProcessing"`
		QueueDepth   int  `json:"queueDepth"`
	}
	decode(t, resp, &body)
	assert.False(t, body.IsProcessing)
	assert.Zero(t, body.QueueDepth)
}

func TestTimeline_AnchorIdWithZeroDepthsReturnsOnlyAnchor(t *testing.T) {
	ts, st := setupServer(t)
	ctx := context.Background()
	_, err := st.EnsureSession(ctx, "A", "x", "demo", nil)
	require.NoError(t, err)
	first, err := st.StoreObservation(ctx, "A", "demo", model.ObservationFields{Type: model.ObservationChange}, nil, 0)
	require.NoError(t, err)
	_, err = st.StoreObservation(ctx, "A", "demo", model.ObservationFields{Type: model.ObservationChange}, nil, 0)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/timeline?project=demo&depth_before=0&depth_after=0&anchor=" +
		strconv.FormatInt(first.ID, 10))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Timeline []struct {
			Kind string `json:"kind"`
		} `json:"timeline"`
	}
	decode(t, resp, &body)
	assert.Len(t, body.Timeline, 1, "depth 0/0 must return exactly the anchor record")
}
