// Package memoryagent runs one background memory agent per live session:
// it owns the streaming conversation with the generator LLM, drains the
// session's event queue in order, parses the generator's XML output into
// typed artifacts, and hands them to Store/VectorIndex.
package memoryagent

import (
	"context"
	"log/slog"
	"time"

	"memoryd/internal/eventbus"
	"memoryd/internal/generator"
	"memoryd/internal/model"
	"memoryd/internal/sessionregistry"
	"memoryd/internal/store"
)

// VectorIndex is the narrow slice of vectorindex.VectorIndex the runner
// needs, kept as a local interface so tests can substitute a fake and so a
// nil value cleanly means "vector sync disabled". The Store remains the
// source of truth either way.
type VectorIndex interface {
	Upsert(ctx context.Context, kind model.EntityKind, id string, text string, metadata map[string]any) error
}

// Conversation is the streaming-conversation contract the runner drives.
// generator.Conversation satisfies it; tests substitute a scripted fake.
type Conversation interface {
	SetSystemPrompt(systemPrompt string)
	Send(ctx context.Context, userText string) (<-chan generator.StreamEvent, <-chan error)
}

// Generator opens Conversations; the narrow slice of generator.Client the
// runner needs.
type Generator interface {
	Start(systemPrompt string) Conversation
}

// clientGenerator adapts *generator.Client to the Generator interface —
// needed because Go does not covariantly convert the concrete
// *generator.Conversation return type.
type clientGenerator struct {
	client *generator.Client
}

func (g clientGenerator) Start(systemPrompt string) Conversation {
	return g.client.Start(systemPrompt)
}

// WrapClient boxes a concrete generator client into the Generator interface
// the runner consumes.
func WrapClient(c *generator.Client) Generator {
	return clientGenerator{client: c}
}

// Runner constructs MemoryAgentRunner tasks. One Runner is shared across all
// sessions; each StartSession call spawns an independent goroutine scoped to
// one session's queue.
type Runner struct {
	store *store.Store
	vec   VectorIndex
	gen   Generator
	bus   *eventbus.Bus
}

func New(st *store.Store, vec VectorIndex, gen Generator, bus *eventbus.Bus) *Runner {
	return &Runner{store: st, vec: vec, gen: gen, bus: bus}
}

// task implements sessionregistry.Task.
type task struct {
	done chan struct{}
}

func (t *task) Done() <-chan struct{} { return t.done }

// StartSession implements sessionregistry.RunnerStarter: spawn a cooperative
// goroutine that drains state.Queue until ctx is cancelled or an
// unrecoverable generator error occurs.
func (r *Runner) StartSession(ctx context.Context, state *sessionregistry.SessionState) sessionregistry.Task {
	t := &task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		r.run(ctx, state)
	}()
	return t
}

func (r *Runner) run(ctx context.Context, state *sessionregistry.SessionState) {
	if r.gen == nil {
		slog.Error("no generator configured, memory agent cannot run for this session", "session_db_id", state.DBID)
		return
	}

	userPrompt := ""
	if sess, err := r.store.GetSessionByID(context.Background(), state.DBID); err == nil && sess.UserPrompt != nil {
		userPrompt = *sess.UserPrompt
	}

	conv := r.gen.Start(generator.InitPrompt(state.Project, userPrompt))
	parser := &generator.Parser{}
	firstTurn := true

	for {
		ev, ok := state.Queue.Pop()
		if !ok {
			select {
			case <-state.Queue.Wake():
				continue
			case <-ctx.Done():
				return
			}
		}

		if !firstTurn {
			conv.SetSystemPrompt(generator.ContinuationPrompt())
		}
		firstTurn = false

		var err error
		switch {
		case ev.Observation != nil:
			err = r.handleObservation(ctx, state, conv, parser, ev.Observation)
		case ev.Summarize != nil:
			err = r.handleSummarize(ctx, state, conv, parser, ev.Summarize)
		}
		if err != nil {
			slog.Error("memory agent turn failed", "session_db_id", state.DBID, "error", err)
			// A generator error ends the task: the registry clears the
			// handle, and the next ingestion call starts a fresh task for
			// whatever is still queued. Parse problems never surface here —
			// the parser coerces instead of failing — so they cannot poison
			// the queue.
			return
		}
	}
}

// handleObservation serializes one tool event, streams it to the generator,
// collects every <observation> element the reply closes, and persists all
// of them once the reply's usage is known.
func (r *Runner) handleObservation(ctx context.Context, state *sessionregistry.SessionState, conv Conversation, parser *generator.Parser, oev *model.ObservationEvent) error {
	text := generator.ObservedFromPrimarySession(*oev, time.Now().UTC().Format(time.RFC3339))
	events, errs := conv.Send(ctx, text)

	var pending []model.ObservationFields
	var usage generator.Usage
	for sev := range events {
		if sev.Text != "" {
			for _, el := range parser.Feed(sev.Text) {
				if el.Kind == generator.KindObservation {
					pending = append(pending, generator.ParseObservation(el))
				}
			}
		}
		if sev.Done {
			usage = sev.Usage
		}
	}
	if err := <-errs; err != nil {
		return err
	}

	promptNumber := oev.PromptNumber
	for _, fields := range pending {
		obs, err := r.store.StoreObservation(ctx, state.AgentSessionID, state.Project, fields, &promptNumber, usage.InputTokens)
		if err != nil {
			slog.Error("store observation failed", "session_db_id", state.DBID, "error", err)
			continue
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.ObservationStored, SessionDBID: state.DBID, ArtifactID: obs.ID})
		}
		r.syncObservation(ctx, obs)
	}
	return nil
}

// handleSummarize persists exactly one summary record per summarize
// request, never skipping it. A generator-emitted <skip_summary/> is
// honored as "nothing changed" information but still yields an all-null
// summary row rather than no row at all, so every summarize request leaves
// a checkpoint.
func (r *Runner) handleSummarize(ctx context.Context, state *sessionregistry.SessionState, conv Conversation, parser *generator.Parser, sevt *model.SummarizeEvent) error {
	text := generator.SummarizePrompt(*sevt)
	events, errs := conv.Send(ctx, text)

	var fields model.SummaryFields
	var usage generator.Usage
	skipped := false
	for sev := range events {
		if sev.Text != "" {
			for _, el := range parser.Feed(sev.Text) {
				switch el.Kind {
				case generator.KindSummary:
					fields = generator.ParseSummary(el)
				case generator.KindSkip:
					skipped = true
				}
			}
		}
		if sev.Done {
			usage = sev.Usage
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	if skipped {
		slog.Info("generator signaled skip_summary; storing minimal record anyway", "session_db_id", state.DBID)
	}

	sum, err := r.store.StoreSummary(ctx, state.AgentSessionID, state.Project, fields, nil, usage.InputTokens)
	if err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.SummaryStored, SessionDBID: state.DBID, ArtifactID: sum.ID})
	}
	r.syncSummary(ctx, sum)
	return nil
}

func (r *Runner) syncObservation(ctx context.Context, obs model.Observation) {
	if r.vec == nil {
		return
	}
	text := observationText(obs)
	meta := map[string]any{
		"project":          obs.Project,
		"type":             string(obs.Type),
		"created_at_epoch": float64(obs.CreatedAt.Unix()),
		"concepts":         obs.Concepts,
		"files":            append(append([]string{}, obs.FilesRead...), obs.FilesModified...),
	}
	if obs.PromptNumber != nil {
		meta["prompt_number"] = float64(*obs.PromptNumber)
	}
	if err := r.vec.Upsert(ctx, model.KindObservation, model.VectorSourceID(model.KindObservation, obs.ID), text, meta); err != nil {
		slog.Warn("vector sync failed for observation", "id", obs.ID, "error", err)
	}
}

func (r *Runner) syncSummary(ctx context.Context, sum model.SessionSummary) {
	if r.vec == nil {
		return
	}
	text := summaryText(sum)
	meta := map[string]any{
		"project":          sum.Project,
		"created_at_epoch": float64(sum.CreatedAt.Unix()),
	}
	if sum.PromptNumber != nil {
		meta["prompt_number"] = float64(*sum.PromptNumber)
	}
	if err := r.vec.Upsert(ctx, model.KindSummary, model.VectorSourceID(model.KindSummary, sum.ID), text, meta); err != nil {
		slog.Warn("vector sync failed for summary", "id", sum.ID, "error", err)
	}
}

func (r *Runner) syncPrompt(ctx context.Context, project string, p model.UserPrompt) {
	if r.vec == nil {
		return
	}
	meta := map[string]any{
		"project":          project,
		"created_at_epoch": float64(p.CreatedAt.Unix()),
		"prompt_number":    float64(p.PromptNumber),
	}
	if err := r.vec.Upsert(ctx, model.KindPrompt, model.VectorSourceID(model.KindPrompt, p.ID), p.PromptText, meta); err != nil {
		slog.Warn("vector sync failed for prompt", "id", p.ID, "error", err)
	}
}

func observationText(o model.Observation) string {
	s := ""
	if o.Title != nil {
		s += *o.Title + " "
	}
	if o.Subtitle != nil {
		s += *o.Subtitle + " "
	}
	if o.Narrative != nil {
		s += *o.Narrative + " "
	}
	for _, f := range o.Facts {
		s += f + " "
	}
	return s
}

func summaryText(sm model.SessionSummary) string {
	s := ""
	for _, f := range []*string{sm.Request, sm.Investigated, sm.Learned, sm.Completed, sm.NextSteps, sm.Notes} {
		if f != nil {
			s += *f + " "
		}
	}
	return s
}
