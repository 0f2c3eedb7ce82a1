// Package sessionregistry is the in-memory session state: the pending
// event queue, generator task handle, prompt counter and last-activity for
// every live session.
package sessionregistry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"memoryd/internal/eventbus"
	"memoryd/internal/model"
	"memoryd/internal/store"
)

// Task is the handle a MemoryAgentRunner returns when started. The registry
// only needs to know when it's done — cancellation happens through the ctx
// the registry itself created and passed to StartSession.
type Task interface {
	Done() <-chan struct{}
}

// RunnerStarter decouples the registry from the memoryagent package (which
// in turn depends on Store/VectorIndex/generator) — injected at wiring time
// in cmd/memoryd/main.go.
type RunnerStarter interface {
	StartSession(ctx context.Context, state *SessionState) Task
}

// SessionState holds everything the registry owns for one live session:
// the FIFO PendingEvent queue, the generator task handle (or nil), a prompt
// counter snapshot, and last-activity.
type SessionState struct {
	DBID           int64
	AgentSessionID string
	Platform       string
	Project        string

	Queue *queue

	mu           sync.Mutex
	task         Task
	cancel       context.CancelFunc
	lastActivity time.Time
	promptNumber int
}

func (s *SessionState) HasRunner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// PromptNumber reports the prompt counter snapshot last set by Initialize —
// the protocol layer reads this to stamp queued events.
func (s *SessionState) PromptNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptNumber
}

func (s *SessionState) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// queue is a strict-FIFO, signal-on-push pending-event queue. A single
// buffered wake channel is enough: the consumer drains the whole slice
// before waiting again, so a coalesced wake never loses work.
type queue struct {
	mu    sync.Mutex
	items []model.PendingEvent
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(ev model.PendingEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (model.PendingEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.PendingEvent{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *queue) Wake() <-chan struct{} { return q.wake }

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop is exported so the memoryagent package (which only imports this
// package for the type, not the other way around) can drain the queue.
func (q *queue) Pop() (model.PendingEvent, bool) { return q.pop() }

// Push is the exported counterpart of Pop, for callers outside this package
// that hold a SessionState directly rather than going through the registry.
func (q *queue) Push(ev model.PendingEvent) { q.push(ev) }

// Registry owns the map from session db id to SessionState, protected by a
// single mutex held only during lookup/insert — per-session state has its
// own queue primitive.
type Registry struct {
	store   *store.Store
	bus     *eventbus.Bus
	starter RunnerStarter
	rootCtx context.Context

	mu          sync.RWMutex
	sessions    map[int64]*SessionState
	byAgentID   map[string]int64
}

func New(rootCtx context.Context, st *store.Store, bus *eventbus.Bus) *Registry {
	return &Registry{
		store:     st,
		bus:       bus,
		rootCtx:   rootCtx,
		sessions:  make(map[int64]*SessionState),
		byAgentID: make(map[string]int64),
	}
}

// SetStarter wires the MemoryAgentRunner factory. Split from New because
// the runner factory itself often needs the registry (to read session
// state) — constructing them in dependency order would otherwise force an
// import cycle.
func (r *Registry) SetStarter(starter RunnerStarter) {
	r.starter = starter
}

// Initialize creates or refreshes a session's in-memory state. It does NOT
// start a generator.
func (r *Registry) Initialize(dbID int64, agentSessionID, platform, project string, promptNumber int) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.sessions[dbID]; ok {
		st.mu.Lock()
		st.promptNumber = promptNumber
		st.lastActivity = time.Now()
		st.mu.Unlock()
		return st
	}

	st := &SessionState{
		DBID:           dbID,
		AgentSessionID: agentSessionID,
		Platform:       platform,
		Project:        project,
		Queue:          newQueue(),
		lastActivity:   time.Now(),
		promptNumber:   promptNumber,
	}
	r.sessions[dbID] = st
	r.byAgentID[agentSessionID] = dbID
	return st
}

// ResolveSession looks up the in-memory (and, if missing, the DB-backed)
// state for an external agent_session_id. Fails with store.ErrNotFound if
// no DB row exists.
func (r *Registry) ResolveSession(ctx context.Context, agentSessionID, platform string) (*SessionState, error) {
	r.mu.RLock()
	if dbID, ok := r.byAgentID[agentSessionID]; ok {
		st := r.sessions[dbID]
		r.mu.RUnlock()
		return st, nil
	}
	r.mu.RUnlock()

	sess, err := r.store.GetSessionByAgentID(ctx, agentSessionID)
	if err != nil {
		return nil, err
	}
	return r.Initialize(sess.ID, sess.AgentSessionID, platform, sess.Project, sess.PromptCounter), nil
}

// QueueObservation pushes an observation event onto a session's queue.
func (r *Registry) QueueObservation(dbID int64, ev model.ObservationEvent) {
	r.mu.RLock()
	st := r.sessions[dbID]
	r.mu.RUnlock()
	if st == nil {
		return
	}
	st.touch()
	st.Queue.push(model.PendingEvent{Observation: &ev})
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ObservationQueued, SessionDBID: dbID})
	}
}

// QueueSummarize pushes a summarize event onto a session's queue.
func (r *Registry) QueueSummarize(dbID int64, ev model.SummarizeEvent) {
	r.mu.RLock()
	st := r.sessions[dbID]
	r.mu.RUnlock()
	if st == nil {
		return
	}
	st.touch()
	st.Queue.push(model.PendingEvent{Summarize: &ev})
}

// EnsureGeneratorRunning starts a generator task for this session if none
// exists; if one exists, this is a no-op. At most one live task per
// session follows directly from the compare-and-swap-shaped lock below.
func (r *Registry) EnsureGeneratorRunning(dbID int64) {
	r.mu.RLock()
	st := r.sessions[dbID]
	r.mu.RUnlock()
	if st == nil || r.starter == nil {
		return
	}

	st.mu.Lock()
	if st.task != nil {
		st.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.rootCtx)
	st.cancel = cancel
	task := r.starter.StartSession(ctx, st)
	st.task = task
	queueDepth := st.Queue.Len()
	st.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ProcessingStatus, IsProcessing: true, QueueDepth: queueDepth})
	}

	go r.awaitCompletion(st, task)
}

func (r *Registry) awaitCompletion(st *SessionState, task Task) {
	<-task.Done()
	st.mu.Lock()
	if st.task == task {
		st.task = nil
		st.cancel = nil
	}
	queueDepth := st.Queue.Len()
	st.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ProcessingStatus, IsProcessing: false, QueueDepth: queueDepth})
	}
}

// CancelSession stops the running generator task for a session, if any
// (used by POST /api/sessions/complete).
func (r *Registry) CancelSession(dbID int64) {
	r.mu.RLock()
	st := r.sessions[dbID]
	r.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.mu.Unlock()
}

// TotalActiveWork sums queue.length + (task running ? 1 : 0) across every
// session, backing GET /api/processing-status.
func (r *Registry) TotalActiveWork() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, st := range r.sessions {
		st.mu.Lock()
		total += st.Queue.Len()
		if st.task != nil {
			total++
		}
		st.mu.Unlock()
	}
	return total
}

// ShutdownAll cancels every running task and marks interrupted sessions
// failed.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	states := make([]*SessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		running := st.task != nil
		if st.cancel != nil {
			st.cancel()
		}
		st.mu.Unlock()

		if running {
			if err := r.store.MarkFailed(ctx, st.DBID); err != nil {
				slog.Warn("mark session failed on shutdown", "session_db_id", st.DBID, "error", err)
			}
		}
	}
}

// RecoverOrphans scans for sessions left "active" from a prior crash — with
// no in-memory runner yet (the registry always starts empty), every active
// session at startup is, by definition, orphaned — and marks them failed.
func (r *Registry) RecoverOrphans(ctx context.Context) error {
	active, err := r.store.GetActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, sess := range active {
		if err := r.store.MarkFailed(ctx, sess.ID); err != nil {
			slog.Warn("failed to mark orphaned session failed", "session_db_id", sess.ID, "error", err)
			continue
		}
		slog.Info("recovered orphaned session", "session_db_id", sess.ID, "agent_session_id", sess.AgentSessionID)
	}
	return nil
}
