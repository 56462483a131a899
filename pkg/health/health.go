// Package health reports whether the watch daemon is accepting manifests
// and what its last batch did.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// BatchSummary describes the most recently finished batch.
type BatchSummary struct {
	RunID            string    `json:"run_id"`
	Source           string    `json:"source,omitempty"`
	FinishedAt       time.Time `json:"finished_at"`
	Created          int       `json:"created"`
	Matched          int       `json:"matched"`
	Blocked          int       `json:"blocked"`
	Failed           int       `json:"failed"`
	TransferFailures int       `json:"transfer_failures"`
}

// OK reports whether nothing in the batch failed.
func (s BatchSummary) OK() bool {
	return s.Failed == 0 && s.TransferFailures == 0
}

// Checker tracks the daemon state. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu      sync.RWMutex
	last    *BatchSummary
	batches int
	failing int
}

// NewChecker creates a Checker in the starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady marks the daemon as accepting manifests.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining marks the daemon as finishing in-flight batches before exit.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady reports whether the daemon accepts manifests.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns "starting", "ready" or "draining".
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// RecordBatch stores s as the last batch.
func (c *Checker) RecordBatch(s BatchSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &s
	c.batches++
	if !s.OK() {
		c.failing++
	}
}

// LastBatch returns the last recorded batch, if any.
func (c *Checker) LastBatch() (BatchSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return BatchSummary{}, false
	}
	return *c.last, true
}

type response struct {
	Status    string        `json:"status"`
	Batches   int           `json:"batches,omitempty"`
	Failing   int           `json:"failing_batches,omitempty"`
	LastBatch *BatchSummary `json:"last_batch,omitempty"`
}

func (c *Checker) snapshot(status string) response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := response{Status: status, Batches: c.batches, Failing: c.failing}
	if c.last != nil {
		last := *c.last
		r.LastBatch = &last
	}
	return r
}

// LivenessHandler always answers 200.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "ok"})
	}
}

// ReadinessHandler answers 200 when ready and 503 otherwise. The body
// carries the last batch summary.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusServiceUnavailable
		if c.IsReady() {
			code = http.StatusOK
		}
		writeJSON(w, code, c.snapshot(c.State()))
	}
}

// Register mounts /healthz and /readyz on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.Handle("GET /healthz", c.LivenessHandler())
	mux.Handle("GET /readyz", c.ReadinessHandler())
}

func writeJSON(w http.ResponseWriter, code int, v response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
