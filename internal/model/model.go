// Package model holds the record types shared by Store, VectorIndex,
// QueryEngine and the protocol layer. Kept separate from internal/store so
// that vectorindex and queryengine don't need to import the database
// package just to see a struct shape.
package model

import (
	"strconv"
	"time"
)

// ObservationType is a closed six-value enum. Unknown values coerce to
// ObservationChange rather than being rejected — see the NEVER-SKIP rule.
type ObservationType string

const (
	ObservationDecision  ObservationType = "decision"
	ObservationBugfix    ObservationType = "bugfix"
	ObservationFeature   ObservationType = "feature"
	ObservationRefactor  ObservationType = "refactor"
	ObservationDiscovery ObservationType = "discovery"
	ObservationChange    ObservationType = "change"
)

// ValidObservationTypes lists every member of the closed enum, in the order
// they should be offered to callers (e.g. filter-option endpoints).
var ValidObservationTypes = []ObservationType{
	ObservationDecision, ObservationBugfix, ObservationFeature,
	ObservationRefactor, ObservationDiscovery, ObservationChange,
}

// NormalizeObservationType coerces any value outside the closed set to
// ObservationChange. Whitespace-only values count as absent.
func NormalizeObservationType(raw string) ObservationType {
	for _, v := range ValidObservationTypes {
		if string(v) == raw {
			return v
		}
	}
	return ObservationChange
}

func IsValidObservationType(raw string) bool {
	for _, v := range ValidObservationTypes {
		if string(v) == raw {
			return true
		}
	}
	return false
}

// SessionStatus is a closed three-value enum; transitions only move from
// active to completed or failed.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is one conversation on one host platform for one project. The
// JSON tags follow the snake_case wire convention of the ingestion protocol.
type Session struct {
	ID             int64         `json:"id"`
	AgentSessionID string        `json:"agent_session_id"`
	Platform       string        `json:"platform"`
	Project        string        `json:"project"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Status         SessionStatus `json:"status"`
	PromptCounter  int           `json:"prompt_counter"`
	UserPrompt     *string       `json:"user_prompt,omitempty"`
	WorkerPort     *int          `json:"worker_port,omitempty"`
}

// UserPrompt is one recorded prompt turn. Append-only, cascades on session
// delete.
type UserPrompt struct {
	ID             int64     `json:"id"`
	AgentSessionID string    `json:"agent_session_id"`
	PromptNumber   int       `json:"prompt_number"`
	PromptText     string    `json:"prompt_text"`
	CreatedAt      time.Time `json:"created_at"`
}

// ObservationFields are the caller-supplied (or generator-parsed) fields of
// an Observation, prior to assigning storage-owned fields (id, created_at).
type ObservationFields struct {
	Type          ObservationType `json:"type"`
	Title         *string         `json:"title,omitempty"`
	Subtitle      *string         `json:"subtitle,omitempty"`
	Narrative     *string         `json:"narrative,omitempty"`
	Facts         []string        `json:"facts,omitempty"`
	Concepts      []string        `json:"concepts,omitempty"`
	FilesRead     []string        `json:"files_read,omitempty"`
	FilesModified []string        `json:"files_modified,omitempty"`
}

// Observation is a compressed, structured artifact derived from one or more
// tool events. Immutable once stored.
type Observation struct {
	ID           int64  `json:"id"`
	SDKSessionID string `json:"sdk_session_id"`
	Project      string `json:"project"`
	ObservationFields
	PromptNumber    *int      `json:"prompt_number,omitempty"`
	DiscoveryTokens int       `json:"discovery_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// SummaryFields are the caller-supplied (or generator-parsed) fields of a
// SessionSummary.
type SummaryFields struct {
	Request      *string `json:"request,omitempty"`
	Investigated *string `json:"investigated,omitempty"`
	Learned      *string `json:"learned,omitempty"`
	Completed    *string `json:"completed,omitempty"`
	NextSteps    *string `json:"next_steps,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// SessionSummary is a progress checkpoint for a session. Multiple summaries
// per session are allowed; never rejected for missing fields.
type SessionSummary struct {
	ID           int64  `json:"id"`
	SDKSessionID string `json:"sdk_session_id"`
	Project      string `json:"project"`
	SummaryFields
	PromptNumber    *int      `json:"prompt_number,omitempty"`
	DiscoveryTokens int       `json:"discovery_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// EntityKind distinguishes the three row kinds the vector index mirrors and
// the timeline interleaves.
type EntityKind string

const (
	KindObservation EntityKind = "observation"
	KindSummary     EntityKind = "summary"
	KindPrompt      EntityKind = "prompt"
)

var vectorIDPrefixes = map[EntityKind]string{
	KindObservation: "obs-",
	KindSummary:     "sum-",
	KindPrompt:      "prompt-",
}

// VectorSourceID is the stable id a row is mirrored under in the vector
// collection: a kind-specific prefix plus the row id. Both the write side
// (vector sync) and the read side (candidate hydration) go through this
// pair so the convention lives in one place.
func VectorSourceID(kind EntityKind, id int64) string {
	return vectorIDPrefixes[kind] + strconv.FormatInt(id, 10)
}

// ParseVectorSourceID reverses VectorSourceID for the given kind, rejecting
// ids of other kinds or malformed ids.
func ParseVectorSourceID(kind EntityKind, sourceID string) (int64, bool) {
	prefix := vectorIDPrefixes[kind]
	if len(sourceID) <= len(prefix) || sourceID[:len(prefix)] != prefix {
		return 0, false
	}
	id, err := strconv.ParseInt(sourceID[len(prefix):], 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// TimelineEntry tags a hydrated record with its kind for chronological
// interleaving.
type TimelineEntry struct {
	Kind        EntityKind      `json:"kind"`
	CreatedAt   time.Time       `json:"created_at"`
	Observation *Observation    `json:"observation,omitempty"`
	Summary     *SessionSummary `json:"summary,omitempty"`
	Prompt      *UserPrompt     `json:"prompt,omitempty"`
}

// PendingEvent is the in-memory-only unit of work a session's queue holds.
// Exactly one of ObservationEvent / SummarizeEvent is non-nil.
type PendingEvent struct {
	Observation *ObservationEvent
	Summarize   *SummarizeEvent
}

type ObservationEvent struct {
	ToolName     string
	ToolInput    string
	ToolResponse string
	Cwd          string
	PromptNumber int
}

type SummarizeEvent struct {
	LastUserMessage      string
	LastAssistantMessage string
}
