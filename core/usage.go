package core

import "time"

// UsageRecord captures token accounting for one completed engine invocation.
// Records are append-only; the core writes them and never reads them back
// for decision-making. They exist for external reporting.
type UsageRecord struct {
	OwnerID          string    `json:"owner_id"`
	SessionID        string    `json:"session_id"`
	Engine           string    `json:"engine"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageTotals aggregates an owner's recorded usage.
type UsageTotals struct {
	Requests    int `json:"requests"`
	TotalTokens int `json:"total_tokens"`
}

// UsageTracker records per-invocation accounting. Recording failures are
// surfaced to the caller but are treated as non-fatal by the turn pipeline:
// a completed engine answer is never discarded over a bookkeeping error.
type UsageTracker interface {
	Record(rec UsageRecord) error

	// TotalsForOwner aggregates all records for an owner. Reporting only.
	TotalsForOwner(ownerID string) (UsageTotals, error)
}
