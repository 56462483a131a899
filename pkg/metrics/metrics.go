// Package metrics exposes Prometheus collectors for catalog requests,
// ingestion outcomes and file transfers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tardis_ingest"

// Collectors owns a dedicated registry and every collector registered on it.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	catalogRequests *prometheus.CounterVec
	catalogRetries  *prometheus.CounterVec
	catalogLatency  *prometheus.HistogramVec
	objects         *prometheus.CounterVec
	transferFiles   *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	batchDuration   prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		catalogRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "requests_total",
				Help:      "Catalog API requests by method, endpoint and status code.",
			},
			[]string{"method", "endpoint", "status"},
		),
		catalogRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "retries_total",
				Help:      "Catalog API requests retried after a transport failure or 502.",
			},
			[]string{"endpoint"},
		),
		catalogLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "request_duration_seconds",
				Help:      "Catalog API request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		objects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_total",
				Help:      "Ingestion outcomes by object type.",
			},
			[]string{"type", "outcome"},
		),
		transferFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "files_total",
				Help:      "Datafiles transferred by transport and result.",
			},
			[]string{"transport", "result"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "bytes_total",
				Help:      "Bytes successfully transferred by transport.",
			},
			[]string{"transport"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Wall time of a batch from metadata phase to transfer completion.",
				Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
		),
	}

	c.registry.MustRegister(
		c.catalogRequests,
		c.catalogRetries,
		c.catalogLatency,
		c.objects,
		c.transferFiles,
		c.transferBytes,
		c.batchDuration,
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed catalog request. A status of zero
// means no response was received.
func (c *Collectors) ObserveRequest(method, endpoint string, status int, d time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.catalogRequests.WithLabelValues(method, endpoint, code).Inc()
	c.catalogLatency.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// IncRetry records a retried catalog request.
func (c *Collectors) IncRetry(endpoint string) {
	if c == nil {
		return
	}
	c.catalogRetries.WithLabelValues(endpoint).Inc()
}

// ObjectOutcome records the outcome of one raw object.
func (c *Collectors) ObjectOutcome(objectType, outcome string) {
	if c == nil {
		return
	}
	c.objects.WithLabelValues(objectType, outcome).Inc()
}

// FileTransferred records one datafile transfer result.
func (c *Collectors) FileTransferred(transport string, ok bool, bytes int64) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.transferFiles.WithLabelValues(transport, result).Inc()
	if ok && bytes > 0 {
		c.transferBytes.WithLabelValues(transport).Add(float64(bytes))
	}
}

// ObserveBatch records the duration of a completed batch.
func (c *Collectors) ObserveBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.batchDuration.Observe(d.Seconds())
}
