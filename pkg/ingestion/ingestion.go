// Package ingestion sequences a batch of raw objects through matching,
// smelting and creation, level by level, and hands created datafiles to the
// conveyor.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/tardis-ingest/pkg/audit"
	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/conveyor"
	"github.com/txn2/tardis-ingest/pkg/inspector"
	"github.com/txn2/tardis-ingest/pkg/metrics"
	"github.com/txn2/tardis-ingest/pkg/overseer"
	"github.com/txn2/tardis-ingest/pkg/smelter"
)

// ErrParentFailed is returned for objects whose parent failed earlier in the
// same run.
var ErrParentFailed = errors.New("parent object failed")

// Catalog creates objects in the catalog.
type Catalog interface {
	Post(ctx context.Context, endpoint string, body any) (catalog.URI, error)
}

// Resolver looks objects up in the catalog.
type Resolver interface {
	inspector.Searcher
	ResolveURI(ctx context.Context, t catalog.ObjectType, key string) (catalog.URI, error)
	ResolveReference(ctx context.Context, t catalog.ObjectType, key string) (catalog.URI, error)
}

var _ Resolver = (*overseer.Overseer)(nil)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Catalog  Catalog
	Resolver Resolver
	Smelter  *smelter.Smelter

	// Conveyor moves created datafiles. Nil skips transfers.
	Conveyor *conveyor.Conveyor

	// Audit records every outcome. Nil discards them.
	Audit audit.Logger

	Metrics *metrics.Collectors
	Logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the partial-match policy of each run's inspector.
func WithPolicy(p inspector.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDefaultInstitution names the institution used for projects that
// name none.
func WithDefaultInstitution(name string) Option {
	return func(o *Orchestrator) { o.defaultInstitution = name }
}

// WithETagBlockSize computes each novel datafile's multipart ETag with the
// given block size. The transport checks the upload against it. Zero
// disables it.
func WithETagBlockSize(n int64) Option {
	return func(o *Orchestrator) { o.etagBlockSize = n }
}

// Orchestrator runs batches.
type Orchestrator struct {
	deps               Deps
	policy             inspector.Policy
	defaultInstitution string
	etagBlockSize      int64
	logger             *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if deps.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}
	if deps.Resolver == nil {
		errs = append(errs, errors.New("resolver is required"))
	}
	if deps.Smelter == nil {
		errs = append(errs, errors.New("smelter is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	if deps.Audit == nil {
		deps.Audit = &audit.NoopLogger{}
	}

	o := &Orchestrator{deps: deps, policy: inspector.PolicyBlock, logger: deps.Logger}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Result is a batch whose metadata phase is complete and whose transfer may
// still be running.
type Result struct {
	Report *Report

	o      *Orchestrator
	ctx    context.Context
	handle *conveyor.Handle
	once   sync.Once
	err    error
}

// Transferring reports whether a datafile transfer was started.
func (r *Result) Transferring() bool {
	return r.handle != nil
}

// Wait blocks until the batch's transfer finishes, folds its per-file
// failures into the report and returns the transfer error, if any. Metadata
// outcomes never produce an error here.
func (r *Result) Wait() error {
	r.once.Do(func() {
		if r.handle != nil {
			r.err = r.handle.Wait()
			r.Report.foldTransfer(r.handle.Files(), r.err)
		}
		r.Report.FinishedAt = time.Now().UTC()
		r.o.finish(r.ctx, r.Report)
	})
	return r.err
}

// Run processes batch: projects, then experiments, datasets and datafiles.
// Per-object problems are reported, not returned. Created datafiles start
// transferring before Run returns; call Result.Wait before treating the
// batch as complete.
func (o *Orchestrator) Run(ctx context.Context, batch *catalog.Batch) (*Result, error) {
	if batch == nil {
		return nil, errors.New("nil batch")
	}

	r := &run{
		o:        o,
		batch:    batch,
		insp:     inspector.New(o.deps.Resolver, inspector.WithPolicy(o.policy), inspector.WithLogger(o.logger)),
		report:   newReport(uuid.NewString(), batch.Source),
		resolved: map[catalog.ObjectType]map[string]catalog.URI{},
		access:   map[catalog.ObjectType]map[string]*catalog.AccessControl{},
		failed:   map[catalog.ObjectType]map[string]bool{},
	}
	o.logger.Info("batch started", "run_id", r.report.RunID, "source", batch.Source, "objects", batch.Len())

	for _, level := range batch.Levels() {
		for _, obj := range level {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("ingesting %s: %w", batch.Source, err)
			}
			r.process(ctx, obj)
		}
	}

	res := &Result{Report: r.report, o: o, ctx: context.WithoutCancel(ctx)}
	if len(r.created) > 0 && o.deps.Conveyor != nil {
		res.handle = o.deps.Conveyor.TransferAsync(ctx, batch.DataRoot, r.created)
	}
	return res, nil
}

// RunAll processes batches in order. The transfer of each batch overlaps
// the metadata phase of the next; every transfer has finished when RunAll
// returns. The returned error joins batch and transfer failures.
func (o *Orchestrator) RunAll(ctx context.Context, batches []*catalog.Batch) ([]*Report, error) {
	reports := make([]*Report, 0, len(batches))
	var errs []error
	var pending *Result

	settle := func() {
		if pending == nil {
			return
		}
		if err := pending.Wait(); err != nil {
			errs = append(errs, err)
		}
		reports = append(reports, pending.Report)
		pending = nil
	}

	for _, b := range batches {
		res, err := o.Run(ctx, b)
		settle()
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		pending = res
	}
	settle()
	return reports, errors.Join(errs...)
}

func (o *Orchestrator) finish(ctx context.Context, rep *Report) {
	duration := rep.FinishedAt.Sub(rep.StartedAt)
	o.deps.Metrics.ObserveBatch(duration)

	if rec, ok := o.deps.Audit.(audit.RunRecorder); ok {
		finished := rep.FinishedAt
		if err := rec.RecordRun(ctx, audit.Run{
			ID:             rep.RunID,
			Source:         rep.Source,
			StartedAt:      rep.StartedAt,
			FinishedAt:     &finished,
			Created:        rep.Count(OutcomeCreated),
			Matched:        rep.Count(OutcomeMatched),
			Blocked:        rep.Count(OutcomeBlocked),
			Failed:         rep.Count(OutcomeFailed),
			TransferFailed: len(rep.TransferFailures),
		}); err != nil {
			o.logger.Warn("recording run summary failed", "run_id", rep.RunID, "error", err)
		}
	}

	o.logger.Info("batch finished",
		"run_id", rep.RunID,
		"source", rep.Source,
		"created", rep.Count(OutcomeCreated),
		"matched", rep.Count(OutcomeMatched),
		"blocked", rep.Count(OutcomeBlocked),
		"failed", rep.Count(OutcomeFailed),
		"skipped", rep.Count(OutcomeSkipped),
		"transferred", rep.Transferred,
		"transfer_failures", len(rep.TransferFailures),
		"duration", duration,
	)
}
