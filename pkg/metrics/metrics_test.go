package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	c := New()

	c.ObserveRequest("GET", "project", 200, 10*time.Millisecond)
	c.ObserveRequest("GET", "project", 200, 10*time.Millisecond)
	c.ObserveRequest("POST", "project", 0, time.Second)
	c.IncRetry("project")
	c.ObjectOutcome("project", "created")
	c.FileTransferred("local", true, 42)
	c.FileTransferred("local", false, 7)
	c.ObserveBatch(2 * time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(c.catalogRequests.WithLabelValues("GET", "project", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.catalogRequests.WithLabelValues("POST", "project", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.catalogRetries.WithLabelValues("project")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.objects.WithLabelValues("project", "created")), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(c.transferBytes.WithLabelValues("local")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.transferFiles.WithLabelValues("local", "failure")), 0)
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.ObserveRequest("GET", "project", 200, time.Millisecond)
		c.IncRetry("project")
		c.ObjectOutcome("project", "created")
		c.FileTransferred("local", true, 1)
		c.ObserveBatch(time.Second)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObjectOutcome("dataset", "matched")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL) //nolint:noctx // test
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tardis_ingest_objects_total{outcome="matched",type="dataset"} 1`))
}
