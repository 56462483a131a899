// Package conveyor moves datafile bytes to storage in the background while
// metadata ingestion continues.
package conveyor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/metrics"
	"github.com/txn2/tardis-ingest/pkg/storage"
)

// Option configures a Conveyor.
type Option func(*Conveyor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conveyor) { c.logger = l }
}

// WithMetrics records per-file transfer counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Conveyor) { c.metrics = m }
}

// Conveyor hands datafiles to a storage transport.
type Conveyor struct {
	transport storage.Transport
	logger    *slog.Logger
	metrics   *metrics.Collectors
}

// New creates a Conveyor over transport.
func New(transport storage.Transport, opts ...Option) *Conveyor {
	c := &Conveyor{transport: transport, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the underlying transport.
func (c *Conveyor) Transport() storage.Transport {
	return c.transport
}

// FileList returns the transfer plan for dfs: one entry per distinct
// relative path, in input order.
func FileList(dfs []*catalog.Datafile) []storage.File {
	seen := make(map[string]bool, len(dfs))
	files := make([]storage.File, 0, len(dfs))
	for _, df := range dfs {
		rel := df.RelativePath()
		if seen[rel] {
			continue
		}
		seen[rel] = true
		files = append(files, storage.File{Path: rel, Size: df.Size, MD5: df.MD5Sum, ETag: df.ETag})
	}
	return files
}

// Transfer moves dfs from src and blocks until done. A partial failure
// returns an error wrapping storage.ErrFailedTransfer.
func (c *Conveyor) Transfer(ctx context.Context, src string, dfs []*catalog.Datafile) error {
	return c.run(ctx, src, FileList(dfs))
}

func (c *Conveyor) run(ctx context.Context, src string, files []storage.File) error {
	if len(files) == 0 {
		return nil
	}
	name := c.transport.Name()
	start := time.Now()
	c.logger.Info("transfer started", "transport", name, "source", src, "files", len(files))

	err := c.transport.Transfer(ctx, src, files)

	failed := storage.FailedPaths(err, files)
	for _, f := range files {
		c.metrics.FileTransferred(name, !failed[f.Path], f.Size)
	}
	if err != nil {
		c.logger.Warn("transfer finished with failures", "transport", name,
			"failed", len(failed), "files", len(files), "duration", time.Since(start), "error", err)
		return fmt.Errorf("transferring from %s: %w", src, err)
	}
	c.logger.Info("transfer finished", "transport", name, "files", len(files), "duration", time.Since(start))
	return nil
}

// Handle tracks a transfer running in the background.
type Handle struct {
	files []storage.File
	done  chan struct{}
	err   error
}

// TransferAsync starts moving dfs from src and returns immediately. The
// handle owns its own copy of the transfer plan, so callers may reuse dfs.
func (c *Conveyor) TransferAsync(ctx context.Context, src string, dfs []*catalog.Datafile) *Handle {
	h := &Handle{files: FileList(dfs), done: make(chan struct{})}
	plan := append([]storage.File(nil), h.files...)
	go func() {
		defer close(h.done)
		h.err = c.run(ctx, src, plan)
	}()
	return h
}

// Wait blocks until the transfer finishes and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed when the transfer finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Files returns the transfer plan.
func (h *Handle) Files() []storage.File {
	return append([]storage.File(nil), h.files...)
}
