package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memoryd/internal/model"
)

// ErrNotFound is returned when a lookup by id or agent_session_id finds no
// row.
var ErrNotFound = errors.New("not found")

// EnsureSessionResult is the return value of EnsureSession.
type EnsureSessionResult struct {
	ID           int64
	PromptNumber int
	Created      bool
}

// EnsureSession inserts a fresh row with prompt_counter=1 if none exists;
// otherwise it increments the counter and refreshes user_prompt/project.
// The whole read-modify-write happens inside a single transaction with a
// row lock, so concurrent calls for the same agent_session_id converge on
// one row while prompt_counter still strictly increases.
func (s *Store) EnsureSession(ctx context.Context, agentSessionID, platform, project string, userPrompt *string) (EnsureSessionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnsureSessionResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Attempt the insert first with ON CONFLICT DO NOTHING: when two calls
	// race on a brand-new agent_session_id, Postgres blocks the loser until
	// the winner commits, then hands back no row — at which point the locked
	// increment path below sees the winner's committed row. No retry loop.
	var id int64
	var counter int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO sessions (agent_session_id, platform, project, status, prompt_counter, user_prompt)
		 VALUES ($1, $2, $3, 'active', 1, $4)
		 ON CONFLICT (agent_session_id) DO NOTHING
		 RETURNING id`,
		agentSessionID, platform, project, nullableString(userPrompt),
	).Scan(&id)

	var result EnsureSessionResult
	switch {
	case err == nil:
		counter = 1
		result = EnsureSessionResult{ID: id, PromptNumber: counter, Created: true}
	case !errors.Is(err, sql.ErrNoRows):
		return EnsureSessionResult{}, fmt.Errorf("insert session: %w", err)
	default:
		if err := tx.QueryRowContext(ctx,
			`SELECT id, prompt_counter FROM sessions WHERE agent_session_id = $1 FOR UPDATE`,
			agentSessionID,
		).Scan(&id, &counter); err != nil {
			return EnsureSessionResult{}, fmt.Errorf("select session for update: %w", err)
		}
		counter++
		args := []any{counter, id}
		setProject := ""
		if project != "" {
			args = append(args, project)
			setProject = fmt.Sprintf(", project = $%d", len(args))
		}
		setPrompt := ""
		if userPrompt != nil && *userPrompt != "" {
			args = append(args, *userPrompt)
			setPrompt = fmt.Sprintf(", user_prompt = $%d", len(args))
		}
		query := fmt.Sprintf(
			`UPDATE sessions SET prompt_counter = $1%s%s WHERE id = $2`,
			setProject, setPrompt,
		)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return EnsureSessionResult{}, fmt.Errorf("update session: %w", err)
		}
		result = EnsureSessionResult{ID: id, PromptNumber: counter, Created: false}
	}

	if userPrompt != nil && *userPrompt != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_prompts (agent_session_id, prompt_number, prompt_text) VALUES ($1, $2, $3)`,
			agentSessionID, counter, *userPrompt,
		); err != nil {
			return EnsureSessionResult{}, fmt.Errorf("insert user prompt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return EnsureSessionResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// GetSessionByAgentID resolves the DB row for an external agent_session_id,
// used by Registry.ResolveSession.
func (s *Store) GetSessionByAgentID(ctx context.Context, agentSessionID string) (model.Session, error) {
	var sess model.Session
	var userPrompt sql.NullString
	var completedAt sql.NullTime
	var workerPort sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_session_id, platform, project, started_at, completed_at, status, prompt_counter, user_prompt, worker_port
		 FROM sessions WHERE agent_session_id = $1`,
		agentSessionID,
	).Scan(&sess.ID, &sess.AgentSessionID, &sess.Platform, &sess.Project, &sess.StartedAt,
		&completedAt, &sess.Status, &sess.PromptCounter, &userPrompt, &workerPort)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	if userPrompt.Valid {
		sess.UserPrompt = &userPrompt.String
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if workerPort.Valid {
		v := int(workerPort.Int64)
		sess.WorkerPort = &v
	}
	return sess, nil
}

// GetSessionByID fetches a session by its internal id, for GET /api/session/:id.
func (s *Store) GetSessionByID(ctx context.Context, id int64) (model.Session, error) {
	var sess model.Session
	var userPrompt sql.NullString
	var completedAt sql.NullTime
	var workerPort sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_session_id, platform, project, started_at, completed_at, status, prompt_counter, user_prompt, worker_port
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.AgentSessionID, &sess.Platform, &sess.Project, &sess.StartedAt,
		&completedAt, &sess.Status, &sess.PromptCounter, &userPrompt, &workerPort)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session by id: %w", err)
	}
	if userPrompt.Valid {
		sess.UserPrompt = &userPrompt.String
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if workerPort.Valid {
		v := int(workerPort.Int64)
		sess.WorkerPort = &v
	}
	return sess, nil
}

func (s *Store) setStatus(ctx context.Context, id int64, status model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, completed_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveSessions lists every session currently marked "active" — used by
// SessionRegistry's startup orphan sweep.
func (s *Store) GetActiveSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_session_id, platform, project, started_at, completed_at, status, prompt_counter, user_prompt, worker_port
		 FROM sessions WHERE status = $1`, string(model.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("get active sessions: %w", err)
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var userPrompt sql.NullString
		var completedAt sql.NullTime
		var workerPort sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.AgentSessionID, &sess.Platform, &sess.Project, &sess.StartedAt,
			&completedAt, &sess.Status, &sess.PromptCounter, &userPrompt, &workerPort); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		if userPrompt.Valid {
			sess.UserPrompt = &userPrompt.String
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		if workerPort.Valid {
			v := int(workerPort.Int64)
			sess.WorkerPort = &v
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) MarkComplete(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, model.SessionCompleted)
}

func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, model.SessionFailed)
}

// StoreObservation inserts a new observation row. The FTS index is
// maintained by the GIN expression index created in migration 0002, not by
// a trigger — Postgres recomputes expression indexes transactionally on
// INSERT, so the row and its index entry commit or roll back together.
func (s *Store) StoreObservation(ctx context.Context, sessionID, project string, fields model.ObservationFields, promptNumber *int, discoveryTokens int) (model.Observation, error) {
	facts, err := json.Marshal(nonNilStrings(fields.Facts))
	if err != nil {
		return model.Observation{}, fmt.Errorf("marshal facts: %w", err)
	}
	concepts, err := json.Marshal(purifyConcepts(fields.Concepts, fields.Type))
	if err != nil {
		return model.Observation{}, fmt.Errorf("marshal concepts: %w", err)
	}
	filesRead, err := json.Marshal(nonNilStrings(fields.FilesRead))
	if err != nil {
		return model.Observation{}, fmt.Errorf("marshal files_read: %w", err)
	}
	filesModified, err := json.Marshal(nonNilStrings(fields.FilesModified))
	if err != nil {
		return model.Observation{}, fmt.Errorf("marshal files_modified: %w", err)
	}

	var obs model.Observation
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO observations
			(sdk_session_id, project, type, title, subtitle, narrative, facts, concepts, files_read, files_modified, prompt_number, discovery_tokens)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 RETURNING id, created_at`,
		sessionID, project, string(fields.Type), nullableString(fields.Title), nullableString(fields.Subtitle),
		nullableString(fields.Narrative), facts, concepts, filesRead, filesModified,
		nullableInt(promptNumber), discoveryTokens,
	).Scan(&obs.ID, &obs.CreatedAt)
	if err != nil {
		return model.Observation{}, fmt.Errorf("insert observation: %w", err)
	}

	obs.SDKSessionID = sessionID
	obs.Project = project
	obs.ObservationFields = fields
	obs.ObservationFields.Concepts = purifyConcepts(fields.Concepts, fields.Type)
	obs.PromptNumber = promptNumber
	obs.DiscoveryTokens = discoveryTokens
	return obs, nil
}

// StoreSummary inserts a new session summary row.
func (s *Store) StoreSummary(ctx context.Context, sessionID, project string, fields model.SummaryFields, promptNumber *int, discoveryTokens int) (model.SessionSummary, error) {
	var sum model.SessionSummary
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO session_summaries
			(sdk_session_id, project, request, investigated, learned, completed, next_steps, notes, prompt_number, discovery_tokens)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id, created_at`,
		sessionID, project, nullableString(fields.Request), nullableString(fields.Investigated),
		nullableString(fields.Learned), nullableString(fields.Completed), nullableString(fields.NextSteps),
		nullableString(fields.Notes), nullableInt(promptNumber), discoveryTokens,
	).Scan(&sum.ID, &sum.CreatedAt)
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("insert summary: %w", err)
	}
	sum.SDKSessionID = sessionID
	sum.Project = project
	sum.SummaryFields = fields
	sum.PromptNumber = promptNumber
	sum.DiscoveryTokens = discoveryTokens
	return sum, nil
}

func (s *Store) GetObservationByID(ctx context.Context, id int64) (model.Observation, error) {
	row := s.db.QueryRowContext(ctx, observationSelect+` WHERE id = $1`, id)
	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Observation{}, ErrNotFound
	}
	return obs, err
}

func (s *Store) GetUserPromptByID(ctx context.Context, id int64) (model.UserPrompt, error) {
	var p model.UserPrompt
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_session_id, prompt_number, prompt_text, created_at FROM user_prompts WHERE id = $1`, id,
	).Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserPrompt{}, ErrNotFound
	}
	if err != nil {
		return model.UserPrompt{}, fmt.Errorf("get user prompt: %w", err)
	}
	return p, nil
}

const observationSelect = `SELECT id, sdk_session_id, project, type, title, subtitle, narrative, facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, created_at FROM observations`

func scanObservation(row *sql.Row) (model.Observation, error) {
	var obs model.Observation
	var title, subtitle, narrative sql.NullString
	var facts, concepts, filesRead, filesModified []byte
	var promptNumber sql.NullInt64
	var typ string
	if err := row.Scan(&obs.ID, &obs.SDKSessionID, &obs.Project, &typ, &title, &subtitle, &narrative,
		&facts, &concepts, &filesRead, &filesModified, &promptNumber, &obs.DiscoveryTokens, &obs.CreatedAt); err != nil {
		return model.Observation{}, err
	}
	obs.Type = model.NormalizeObservationType(typ)
	if title.Valid {
		obs.Title = &title.String
	}
	if subtitle.Valid {
		obs.Subtitle = &subtitle.String
	}
	if narrative.Valid {
		obs.Narrative = &narrative.String
	}
	_ = json.Unmarshal(facts, &obs.Facts)
	_ = json.Unmarshal(concepts, &obs.Concepts)
	_ = json.Unmarshal(filesRead, &obs.FilesRead)
	_ = json.Unmarshal(filesModified, &obs.FilesModified)
	if promptNumber.Valid {
		v := int(promptNumber.Int64)
		obs.PromptNumber = &v
	}
	return obs, nil
}

func scanObservationRows(rows *sql.Rows) ([]model.Observation, error) {
	var out []model.Observation
	for rows.Next() {
		var obs model.Observation
		var title, subtitle, narrative sql.NullString
		var facts, concepts, filesRead, filesModified []byte
		var promptNumber sql.NullInt64
		var typ string
		if err := rows.Scan(&obs.ID, &obs.SDKSessionID, &obs.Project, &typ, &title, &subtitle, &narrative,
			&facts, &concepts, &filesRead, &filesModified, &promptNumber, &obs.DiscoveryTokens, &obs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan observation row: %w", err)
		}
		obs.Type = model.NormalizeObservationType(typ)
		if title.Valid {
			obs.Title = &title.String
		}
		if subtitle.Valid {
			obs.Subtitle = &subtitle.String
		}
		if narrative.Valid {
			obs.Narrative = &narrative.String
		}
		_ = json.Unmarshal(facts, &obs.Facts)
		_ = json.Unmarshal(concepts, &obs.Concepts)
		_ = json.Unmarshal(filesRead, &obs.FilesRead)
		_ = json.Unmarshal(filesModified, &obs.FilesModified)
		if promptNumber.Valid {
			v := int(promptNumber.Int64)
			obs.PromptNumber = &v
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func scanSummaryRows(rows *sql.Rows) ([]model.SessionSummary, error) {
	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var request, investigated, learned, completed, nextSteps, notes sql.NullString
		var promptNumber sql.NullInt64
		if err := rows.Scan(&sum.ID, &sum.SDKSessionID, &sum.Project, &request, &investigated, &learned,
			&completed, &nextSteps, &notes, &promptNumber, &sum.DiscoveryTokens, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if request.Valid {
			sum.Request = &request.String
		}
		if investigated.Valid {
			sum.Investigated = &investigated.String
		}
		if learned.Valid {
			sum.Learned = &learned.String
		}
		if completed.Valid {
			sum.Completed = &completed.String
		}
		if nextSteps.Valid {
			sum.NextSteps = &nextSteps.String
		}
		if notes.Valid {
			sum.Notes = &notes.String
		}
		if promptNumber.Valid {
			v := int(promptNumber.Int64)
			sum.PromptNumber = &v
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

const summarySelect = `SELECT id, sdk_session_id, project, request, investigated, learned, completed, next_steps, notes, prompt_number, discovery_tokens, created_at FROM session_summaries`

func (s *Store) GetSummaryByID(ctx context.Context, id int64) (model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, summarySelect+` WHERE id = $1`, id)
	if err != nil {
		return model.SessionSummary{}, fmt.Errorf("get summary: %w", err)
	}
	defer rows.Close()
	summaries, err := scanSummaryRows(rows)
	if err != nil {
		return model.SessionSummary{}, err
	}
	if len(summaries) == 0 {
		return model.SessionSummary{}, ErrNotFound
	}
	return summaries[0], nil
}

// GetRecentObservations returns the most recent `limit` observations for a
// project, newest first.
func (s *Store) GetRecentObservations(ctx context.Context, project string, limit int) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		observationSelect+` WHERE project = $1 ORDER BY created_at DESC LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent observations: %w", err)
	}
	defer rows.Close()
	return scanObservationRows(rows)
}

func (s *Store) GetRecentSummaries(ctx context.Context, project string, limit int) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		summarySelect+` WHERE project = $1 ORDER BY created_at DESC LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaryRows(rows)
}

// GetUniqueProjects returns every project with at least one session whose
// name is non-empty.
func (s *Store) GetUniqueProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project FROM sessions WHERE project <> '' ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("get unique projects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FetchObservationsByIds batch-hydrates observations by id for the query
// engine, preserving the caller's id order when order=="requested".
func (s *Store) FetchObservationsByIds(ctx context.Context, ids []int64, order string) ([]model.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, observationSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch observations by ids: %w", err)
	}
	defer rows.Close()
	out, err := scanObservationRows(rows)
	if err != nil {
		return nil, err
	}
	return orderObservations(out, ids, order), nil
}

// FetchSummariesByIds mirrors FetchObservationsByIds for summaries.
func (s *Store) FetchSummariesByIds(ctx context.Context, ids []int64, order string) ([]model.SessionSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, summarySelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries by ids: %w", err)
	}
	defer rows.Close()
	out, err := scanSummaryRows(rows)
	if err != nil {
		return nil, err
	}
	if order != "requested" {
		return out, nil
	}
	byID := make(map[int64]model.SessionSummary, len(out))
	for _, s := range out {
		byID[s.ID] = s
	}
	ordered := make([]model.SessionSummary, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			ordered = append(ordered, s)
		}
	}
	return ordered, nil
}

// FetchPromptsByIds mirrors FetchObservationsByIds for user prompts.
func (s *Store) FetchPromptsByIds(ctx context.Context, ids []int64, order string) ([]model.UserPrompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_session_id, prompt_number, prompt_text, created_at FROM user_prompts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch prompts by ids: %w", err)
	}
	defer rows.Close()
	byID := make(map[int64]model.UserPrompt)
	var out []model.UserPrompt
	for rows.Next() {
		var p model.UserPrompt
		if err := rows.Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		out = append(out, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if order != "requested" {
		return out, nil
	}
	ordered := make([]model.UserPrompt, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered, nil
}

func orderObservations(rows []model.Observation, ids []int64, order string) []model.Observation {
	if order != "requested" {
		return rows
	}
	byID := make(map[int64]model.Observation, len(rows))
	for _, o := range rows {
		byID[o.ID] = o
	}
	ordered := make([]model.Observation, 0, len(ids))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			ordered = append(ordered, o)
		}
	}
	return ordered
}

// EntityCounts is the per-project, per-entity-kind row count used by
// GET /api/stats.
type EntityCounts struct {
	Project      string `json:"project"`
	Sessions     int    `json:"sessions"`
	Observations int    `json:"observations"`
	Summaries    int    `json:"summaries"`
	Prompts      int    `json:"prompts"`
}

// GetEntityCounts returns one row per known project with counts across all
// four entity kinds, one query per entity kind.
func (s *Store) GetEntityCounts(ctx context.Context) ([]EntityCounts, error) {
	projects, err := s.GetUniqueProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EntityCounts, 0, len(projects))
	for _, project := range projects {
		var c EntityCounts
		c.Project = project
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions WHERE project = $1`, project).Scan(&c.Sessions); err != nil {
			return nil, fmt.Errorf("count sessions for %s: %w", project, err)
		}
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM observations WHERE project = $1`, project).Scan(&c.Observations); err != nil {
			return nil, fmt.Errorf("count observations for %s: %w", project, err)
		}
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM session_summaries WHERE project = $1`, project).Scan(&c.Summaries); err != nil {
			return nil, fmt.Errorf("count summaries for %s: %w", project, err)
		}
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM user_prompts up JOIN sessions sess ON sess.agent_session_id = up.agent_session_id WHERE sess.project = $1`,
			project).Scan(&c.Prompts); err != nil {
			return nil, fmt.Errorf("count prompts for %s: %w", project, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// FTSFilter is the common filter set threaded through FTS and filter-only
// queries.
type FTSFilter struct {
	Project   string
	Type      string
	Concepts  []string
	Files     []string
	Since     *time.Time
	Until     *time.Time
}

// SearchObservations runs a full-text (or filter-only, if query is empty)
// search over observations.
func (s *Store) SearchObservations(ctx context.Context, query string, f FTSFilter, limit int) ([]model.Observation, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if query != "" {
		add("to_tsvector('english', coalesce(title,'') || ' ' || coalesce(subtitle,'') || ' ' || coalesce(narrative,'') || ' ' || coalesce(facts::text,'')) @@ plainto_tsquery('english', $%d)", query)
	}
	if f.Project != "" {
		add("project = $%d", f.Project)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}
	for _, c := range f.Concepts {
		add("concepts @> $%d", jsonArray(c))
	}
	for _, file := range f.Files {
		args = append(args, jsonArray(file))
		where = append(where, fmt.Sprintf("(files_read @> $%d OR files_modified @> $%d)", len(args), len(args)))
	}

	sqlStr := fmt.Sprintf("%s WHERE %s ORDER BY created_at DESC LIMIT %d", observationSelect, joinAnd(where), limit)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	defer rows.Close()
	return scanObservationRows(rows)
}

func (s *Store) SearchSummaries(ctx context.Context, query string, project string, limit int, since *time.Time) ([]model.SessionSummary, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(clause string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if query != "" {
		add("to_tsvector('english', coalesce(request,'') || ' ' || coalesce(investigated,'') || ' ' || coalesce(learned,'') || ' ' || coalesce(completed,'') || ' ' || coalesce(next_steps,'') || ' ' || coalesce(notes,'')) @@ plainto_tsquery('english', $%d)", query)
	}
	if project != "" {
		add("project = $%d", project)
	}
	if since != nil {
		add("created_at >= $%d", *since)
	}
	sqlStr := fmt.Sprintf("%s WHERE %s ORDER BY created_at DESC LIMIT %d", summarySelect, joinAnd(where), limit)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaryRows(rows)
}

func (s *Store) SearchUserPrompts(ctx context.Context, query, project string, limit int, since *time.Time) ([]model.UserPrompt, error) {
	sqlStr := `SELECT up.id, up.agent_session_id, up.prompt_number, up.prompt_text, up.created_at
		FROM user_prompts up JOIN sessions s ON s.agent_session_id = up.agent_session_id
		WHERE to_tsvector('english', up.prompt_text) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	if project != "" {
		args = append(args, project)
		sqlStr += fmt.Sprintf(" AND s.project = $%d", len(args))
	}
	if since != nil {
		args = append(args, *since)
		sqlStr += fmt.Sprintf(" AND up.created_at >= $%d", len(args))
	}
	sqlStr += fmt.Sprintf(" ORDER BY up.created_at DESC LIMIT %d", limit)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search user prompts: %w", err)
	}
	defer rows.Close()
	var out []model.UserPrompt
	for rows.Next() {
		var p model.UserPrompt
		if err := rows.Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRecentPrompts returns the most recent `limit` user prompts for a
// project, newest first — used by the vector backfill sweep.
func (s *Store) GetRecentPrompts(ctx context.Context, project string, limit int) ([]model.UserPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT up.id, up.agent_session_id, up.prompt_number, up.prompt_text, up.created_at
		 FROM user_prompts up JOIN sessions s ON s.agent_session_id = up.agent_session_id
		 WHERE s.project = $1 ORDER BY up.created_at DESC LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent prompts: %w", err)
	}
	defer rows.Close()
	var out []model.UserPrompt
	for rows.Next() {
		var p model.UserPrompt
		if err := rows.Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTimelineAround returns every observation, summary and prompt in the
// window bounded by depth_before preceding and depth_after following
// records around an anchor, interleaved chronologically. The record at the anchor timestamp itself is always part
// of the window (the forward side matches created_at >= anchor and gets one
// extra slot for it), so depth 0/0 returns just the anchor record.
func (s *Store) GetTimelineAround(ctx context.Context, project string, anchor time.Time, depthBefore, depthAfter int) ([]model.TimelineEntry, error) {
	before, err := s.timelineSide(ctx, project, anchor, depthBefore, true)
	if err != nil {
		return nil, err
	}
	if depthAfter < 0 {
		depthAfter = 0
	}
	after, err := s.timelineSide(ctx, project, anchor, depthAfter+1, false)
	if err != nil {
		return nil, err
	}

	entries := append(before, after...)
	// timelineSide returns `before` newest-first; reverse it so the overall
	// slice is chronological.
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) timelineSide(ctx context.Context, project string, anchor time.Time, depth int, strictlyBefore bool) ([]model.TimelineEntry, error) {
	if depth < 0 {
		depth = 0
	}
	cmp := ">="
	order := "ASC"
	if strictlyBefore {
		cmp = "<"
		order = "DESC"
	}

	var entries []model.TimelineEntry

	obsRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("%s WHERE project = $1 AND created_at %s $2 ORDER BY created_at %s LIMIT $3", observationSelect, cmp, order),
		project, anchor, depth)
	if err != nil {
		return nil, fmt.Errorf("timeline observations: %w", err)
	}
	obs, err := scanObservationRows(obsRows)
	obsRows.Close()
	if err != nil {
		return nil, err
	}
	for i := range obs {
		o := obs[i]
		entries = append(entries, model.TimelineEntry{Kind: model.KindObservation, CreatedAt: o.CreatedAt, Observation: &o})
	}

	sumRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("%s WHERE project = $1 AND created_at %s $2 ORDER BY created_at %s LIMIT $3", summarySelect, cmp, order),
		project, anchor, depth)
	if err != nil {
		return nil, fmt.Errorf("timeline summaries: %w", err)
	}
	sums, err := scanSummaryRows(sumRows)
	sumRows.Close()
	if err != nil {
		return nil, err
	}
	for i := range sums {
		sm := sums[i]
		entries = append(entries, model.TimelineEntry{Kind: model.KindSummary, CreatedAt: sm.CreatedAt, Summary: &sm})
	}

	promptRows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT up.id, up.agent_session_id, up.prompt_number, up.prompt_text, up.created_at
			FROM user_prompts up JOIN sessions sess ON sess.agent_session_id = up.agent_session_id
			WHERE sess.project = $1 AND up.created_at %s $2 ORDER BY up.created_at %s LIMIT $3`, cmp, order),
		project, anchor, depth)
	if err != nil {
		return nil, fmt.Errorf("timeline prompts: %w", err)
	}
	var prompts []model.UserPrompt
	for promptRows.Next() {
		var p model.UserPrompt
		if err := promptRows.Scan(&p.ID, &p.AgentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt); err != nil {
			promptRows.Close()
			return nil, fmt.Errorf("scan timeline prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	promptErr := promptRows.Err()
	promptRows.Close()
	if promptErr != nil {
		return nil, fmt.Errorf("iterate timeline prompts: %w", promptErr)
	}
	for i := range prompts {
		p := prompts[i]
		entries = append(entries, model.TimelineEntry{Kind: model.KindPrompt, CreatedAt: p.CreatedAt, Prompt: &p})
	}

	// Re-sort this side (observations+summaries+prompts interleaved) and
	// truncate to depth, then restore requested order.
	sortEntriesByTime(entries, order == "ASC")
	if len(entries) > depth {
		entries = entries[:depth]
	}
	return entries, nil
}

func sortEntriesByTime(entries []model.TimelineEntry, ascending bool) {
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 {
			less := entries[j].CreatedAt.Before(entries[j-1].CreatedAt)
			if !ascending {
				less = entries[j].CreatedAt.After(entries[j-1].CreatedAt)
			}
			if !less {
				break
			}
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// purifyConcepts enforces P8: type never appears in concepts.
func purifyConcepts(concepts []string, typ model.ObservationType) []string {
	out := make([]string, 0, len(concepts))
	for _, c := range concepts {
		if c == string(typ) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func jsonArray(v string) []byte {
	b, _ := json.Marshal([]string{v})
	return b
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
