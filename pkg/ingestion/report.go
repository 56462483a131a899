package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/storage"
)

// Outcome is what happened to one object in a run.
type Outcome string

const (
	// OutcomeCreated objects were posted to the catalog.
	OutcomeCreated Outcome = "created"

	// OutcomeMatched objects already existed and were reused.
	OutcomeMatched Outcome = "matched"

	// OutcomeBlocked objects conflict with the catalog or descend from a
	// blocked object.
	OutcomeBlocked Outcome = "blocked"

	// OutcomeFailed objects hit an error or an unresolved parent.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped objects were neither ingested nor blocked.
	OutcomeSkipped Outcome = "skipped"
)

// ObjectResult is the report line for one object.
type ObjectResult struct {
	Type       catalog.ObjectType `json:"type"`
	Name       string             `json:"name"`
	Outcome    Outcome            `json:"outcome"`
	URI        catalog.URI        `json:"uri,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	DurationMS int64              `json:"duration_ms"`
}

// TransferFailure is the report line for a datafile whose bytes did not
// reach storage.
type TransferFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report aggregates the outcomes of one batch. Metadata outcomes and
// transfer failures are kept apart.
type Report struct {
	RunID      string          `json:"run_id"`
	Source     string          `json:"source,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
	Objects    []ObjectResult  `json:"objects"`
	Counts     map[Outcome]int `json:"counts"`

	Transferred      int               `json:"transferred"`
	TransferFailures []TransferFailure `json:"transfer_failures,omitempty"`
	TransferError    string            `json:"transfer_error,omitempty"`
}

func newReport(runID, source string) *Report {
	return &Report{
		RunID:     runID,
		Source:    source,
		StartedAt: time.Now().UTC(),
		Objects:   []ObjectResult{},
		Counts:    map[Outcome]int{},
	}
}

func (r *Report) add(res ObjectResult) {
	r.Objects = append(r.Objects, res)
	r.Counts[res.Outcome]++
}

// Count returns the number of objects with outcome o.
func (r *Report) Count(o Outcome) int {
	return r.Counts[o]
}

// Results returns the objects with outcome o, in processing order.
func (r *Report) Results(o Outcome) []ObjectResult {
	var out []ObjectResult
	for _, res := range r.Objects {
		if res.Outcome == o {
			out = append(out, res)
		}
	}
	return out
}

// Find returns the result for the object of type t named name.
func (r *Report) Find(t catalog.ObjectType, name string) (ObjectResult, bool) {
	for _, res := range r.Objects {
		if res.Type == t && res.Name == name {
			return res, true
		}
	}
	return ObjectResult{}, false
}

// OK reports whether nothing failed, in metadata or in transfer.
func (r *Report) OK() bool {
	return r.Count(OutcomeFailed) == 0 && len(r.TransferFailures) == 0 && r.TransferError == ""
}

// foldTransfer records the outcome of the datafile transfer.
func (r *Report) foldTransfer(files []storage.File, err error) {
	failed := storage.FailedPaths(err, files)
	r.Transferred = len(files) - len(failed)
	if err == nil {
		return
	}
	var te *storage.TransferError
	if errors.As(err, &te) {
		for _, f := range te.Failures {
			r.TransferFailures = append(r.TransferFailures, TransferFailure{Path: f.Path, Error: f.Err.Error()})
		}
		return
	}
	r.TransferError = err.Error()
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// Save writes the report into dir as <run id>.json and returns the path.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, r.RunID+".json")
	f, err := os.Create(path) //nolint:gosec // report directory comes from configuration
	if err != nil {
		return "", fmt.Errorf("creating report: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing report: %w", err)
	}
	return path, nil
}
