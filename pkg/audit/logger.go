// Package audit records the outcome of every object an ingestion run touches.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for the ingestion outcome ledger.
type Logger interface {
	// Log records an ingestion event.
	Log(ctx context.Context, event Event) error

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event is the recorded outcome of one object in one run.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source,omitempty"`
	ObjectType string    `json:"object_type"`
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"`
	URI        string    `json:"uri,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// QueryFilter defines criteria for querying events.
type QueryFilter struct {
	RunID      string
	ObjectType string
	Outcome    string
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Config configures the ledger.
type Config struct {
	Enabled       bool
	RetentionDays int
}

// Run summarizes one batch.
type Run struct {
	ID             string     `json:"run_id"`
	Source         string     `json:"source,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Created        int        `json:"created"`
	Matched        int        `json:"matched"`
	Blocked        int        `json:"blocked"`
	Failed         int        `json:"failed"`
	TransferFailed int        `json:"transfer_failed"`
}

// RunRecorder is implemented by ledgers that also keep run summaries.
type RunRecorder interface {
	// RecordRun inserts or updates the summary of a run.
	RecordRun(ctx context.Context, run Run) error
}
