package sessionregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/model"
)

// fakeTask is a minimal Task whose Done channel the test controls directly.
type fakeTask struct {
	done chan struct{}
}

func newFakeTask() *fakeTask { return &fakeTask{done: make(chan struct{})} }
func (f *fakeTask) Done() <-chan struct{} { return f.done }

// countingStarter records how many times StartSession was invoked per
// session, so tests can assert at-most-one-runner.
type countingStarter struct {
	mu     sync.Mutex
	starts map[int64]int
	tasks  map[int64]*fakeTask
}

func newCountingStarter() *countingStarter {
	return &countingStarter{starts: map[int64]int{}, tasks: map[int64]*fakeTask{}}
}

func (c *countingStarter) StartSession(_ context.Context, state *SessionState) Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts[state.DBID]++
	task := newFakeTask()
	c.tasks[state.DBID] = task
	return task
}

func (c *countingStarter) count(dbID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts[dbID]
}

func (c *countingStarter) finish(dbID int64) {
	c.mu.Lock()
	task := c.tasks[dbID]
	c.mu.Unlock()
	close(task.done)
}

func newTestRegistry() *Registry {
	return New(context.Background(), nil, nil)
}

func TestQueue_IsStrictFIFO(t *testing.T) {
	q := newQueue()
	for i := 0; i < 5; i++ {
		q.push(model.PendingEvent{Observation: &model.ObservationEvent{ToolName: string(rune('a' + i))}})
	}
	for i := 0; i < 5; i++ {
		ev, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), ev.Observation.ToolName, "queue must drain in push order")
	}
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestInitialize_ReusesExistingStateAndUpdatesPromptNumber(t *testing.T) {
	r := newTestRegistry()
	st1 := r.Initialize(1, "agent-1", "claude-code", "proj", 1)
	st2 := r.Initialize(1, "agent-1", "claude-code", "proj", 2)
	assert.Same(t, st1, st2, "Initialize must return the same state for an already-known session id")
	assert.Equal(t, 2, st2.PromptNumber())
}

func TestEnsureGeneratorRunning_StartsAtMostOneRunnerPerSession(t *testing.T) {
	r := newTestRegistry()
	starter := newCountingStarter()
	r.SetStarter(starter)
	r.Initialize(7, "agent-7", "claude-code", "proj", 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureGeneratorRunning(7)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, starter.count(7), "at most one generator task may run per session at a time")
}

func TestEnsureGeneratorRunning_AllowsRestartAfterCompletion(t *testing.T) {
	r := newTestRegistry()
	starter := newCountingStarter()
	r.SetStarter(starter)
	r.Initialize(9, "agent-9", "claude-code", "proj", 1)

	r.EnsureGeneratorRunning(9)
	require.Equal(t, 1, starter.count(9))

	starter.finish(9)
	// awaitCompletion clears the task handle asynchronously; poll briefly.
	require.Eventually(t, func() bool {
		r.mu.RLock()
		st := r.sessions[9]
		r.mu.RUnlock()
		return !st.HasRunner()
	}, time.Second, time.Millisecond)

	r.EnsureGeneratorRunning(9)
	assert.Equal(t, 2, starter.count(9), "a new task may start once the previous one has completed")
}

func TestTotalActiveWork_CountsQueueDepthAndRunningTasks(t *testing.T) {
	r := newTestRegistry()
	starter := newCountingStarter()
	r.SetStarter(starter)
	r.Initialize(1, "agent-1", "claude-code", "proj", 1)
	r.Initialize(2, "agent-2", "claude-code", "proj", 1)

	r.QueueObservation(1, model.ObservationEvent{ToolName: "Read"})
	r.QueueObservation(1, model.ObservationEvent{ToolName: "Write"})
	r.QueueObservation(2, model.ObservationEvent{ToolName: "Read"})

	assert.Equal(t, 3, r.TotalActiveWork())

	r.EnsureGeneratorRunning(1)
	assert.Equal(t, 4, r.TotalActiveWork(), "a running task adds one to the total regardless of its own queue depth")
}

func TestQueueObservation_IgnoresUnknownSession(t *testing.T) {
	r := newTestRegistry()
	assert.NotPanics(t, func() {
		r.QueueObservation(999, model.ObservationEvent{ToolName: "Read"})
	})
	assert.Equal(t, 0, r.TotalActiveWork())
}

func TestEnsureGeneratorRunning_NoStarterIsNoop(t *testing.T) {
	r := newTestRegistry()
	r.Initialize(3, "agent-3", "claude-code", "proj", 1)
	assert.NotPanics(t, func() {
		r.EnsureGeneratorRunning(3)
	})
	assert.Equal(t, 0, r.TotalActiveWork())
}
