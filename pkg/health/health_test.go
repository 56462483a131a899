package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, path string) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s Content-Type = %q, want application/json", path, ct)
	}
	var resp response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return w.Code, resp
}

func TestDaemonLifecycle(t *testing.T) {
	hc := NewChecker()
	mux := http.NewServeMux()
	hc.Register(mux)

	steps := []struct {
		name      string
		apply     func()
		wantState string
		wantReady int
	}{
		{"starting", func() {}, "starting", http.StatusServiceUnavailable},
		{"watching", hc.SetReady, "ready", http.StatusOK},
		{"shutting down", hc.SetDraining, "draining", http.StatusServiceUnavailable},
		{"restarted", hc.SetReady, "ready", http.StatusOK},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			st.apply()
			if got := hc.State(); got != st.wantState {
				t.Errorf("State() = %q, want %q", got, st.wantState)
			}
			if hc.IsReady() != (st.wantState == "ready") {
				t.Errorf("IsReady() = %v in state %q", hc.IsReady(), st.wantState)
			}

			code, resp := get(t, mux, "/healthz")
			if code != http.StatusOK || resp.Status != "ok" {
				t.Errorf("/healthz = %d %q, want 200 ok", code, resp.Status)
			}

			code, resp = get(t, mux, "/readyz")
			if code != st.wantReady {
				t.Errorf("/readyz status = %d, want %d", code, st.wantReady)
			}
			if resp.Status != st.wantState {
				t.Errorf("/readyz body status = %q, want %q", resp.Status, st.wantState)
			}
		})
	}
}

func TestRecordBatch(t *testing.T) {
	hc := NewChecker()
	if _, ok := hc.LastBatch(); ok {
		t.Fatal("LastBatch() ok before any batch")
	}

	hc.RecordBatch(BatchSummary{RunID: "r1", Created: 4})
	hc.RecordBatch(BatchSummary{RunID: "r2", Matched: 4, TransferFailures: 1, FinishedAt: time.Unix(100, 0).UTC()})
	hc.RecordBatch(BatchSummary{RunID: "r3", Blocked: 2})

	last, ok := hc.LastBatch()
	if !ok || last.RunID != "r3" {
		t.Fatalf("LastBatch() = %+v, %v, want r3", last, ok)
	}
	if !last.OK() {
		t.Error("OK() = false for a batch that only blocked objects")
	}

	hc.SetReady()
	_, resp := get(t, hc.ReadinessHandler(), "/readyz")
	if resp.Batches != 3 || resp.Failing != 1 {
		t.Errorf("batches = %d, failing = %d, want 3 and 1", resp.Batches, resp.Failing)
	}
	if resp.LastBatch == nil || resp.LastBatch.Blocked != 2 {
		t.Errorf("last_batch = %+v, want r3 with 2 blocked", resp.LastBatch)
	}
}

func TestBatchSummaryOK(t *testing.T) {
	tests := []struct {
		name string
		s    BatchSummary
		want bool
	}{
		{"empty", BatchSummary{}, true},
		{"created and matched", BatchSummary{Created: 3, Matched: 1}, true},
		{"metadata failure", BatchSummary{Failed: 1}, false},
		{"transfer failure", BatchSummary{Created: 1, TransferFailures: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.OK(); got != tt.want {
				t.Errorf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentUse(t *testing.T) {
	hc := NewChecker()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			hc.SetReady()
			hc.SetDraining()
		}()
		go func() {
			defer wg.Done()
			hc.RecordBatch(BatchSummary{Created: i})
		}()
		go func() {
			defer wg.Done()
			_, _ = hc.LastBatch()
			_ = hc.snapshot(hc.State())
		}()
	}
	wg.Wait()

	if _, resp := get(t, hc.ReadinessHandler(), "/readyz"); resp.Batches != 50 {
		t.Errorf("batches = %d, want 50", resp.Batches)
	}
}
