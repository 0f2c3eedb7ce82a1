package api

// EnsureSessionResponse is returned by POST /api/sessions/ensure.
type EnsureSessionResponse struct {
	ID           int64 `json:"id"`
	PromptNumber int   `json:"prompt_number"`
	Created      bool  `json:"created"`
}

// QueuedResponse is returned by POST /api/observations and
// POST /api/sessions/summarize; Status is "queued" or "skipped", with
// Reason set only for skips.
type QueuedResponse struct {
	Status       string `json:"status"`
	ID           int64  `json:"id,omitempty"`
	PromptNumber int    `json:"prompt_number,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ProcessingStatusResponse is returned by GET /api/processing-status.
type ProcessingStatusResponse struct {
	IsProcessing bool `json:"isProcessing"`
	QueueDepth   int  `json:"queueDepth"`
}
