// Package app wires the configured components into a running ingester.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/tardis-ingest/pkg/audit"
	auditpg "github.com/txn2/tardis-ingest/pkg/audit/postgres"
	"github.com/txn2/tardis-ingest/pkg/catalog"
	"github.com/txn2/tardis-ingest/pkg/client"
	"github.com/txn2/tardis-ingest/pkg/config"
	"github.com/txn2/tardis-ingest/pkg/conveyor"
	"github.com/txn2/tardis-ingest/pkg/database/migrate"
	"github.com/txn2/tardis-ingest/pkg/health"
	"github.com/txn2/tardis-ingest/pkg/ingestion"
	"github.com/txn2/tardis-ingest/pkg/manifest"
	"github.com/txn2/tardis-ingest/pkg/metrics"
	"github.com/txn2/tardis-ingest/pkg/overseer"
	"github.com/txn2/tardis-ingest/pkg/smelter"
	"github.com/txn2/tardis-ingest/pkg/storage"
	s3storage "github.com/txn2/tardis-ingest/pkg/storage/s3"
	"github.com/txn2/tardis-ingest/pkg/watch"
)

// cleanupInterval is how often expired audit events are deleted.
const cleanupInterval = 24 * time.Hour

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
	Health       *health.Checker
	Client       *client.Client
	Overseer     *overseer.Overseer
	Transport    storage.Transport
	Audit        audit.Logger
	Orchestrator *ingestion.Orchestrator

	db *sql.DB
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	transport storage.Transport
	db        *sql.DB
}

// WithTransport uses t instead of the configured transport.
func WithTransport(t storage.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDB uses db for the audit store instead of opening audit.dsn.
func WithDB(db *sql.DB) Option {
	return func(o *options) { o.db = db }
}

// New wires an App from cfg. The catalog is contacted once for its
// capabilities; an unreachable catalog fails New.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Health:  health.NewChecker(),
	}

	c, err := client.New(client.Config{
		Hostname:           cfg.Catalog.Hostname,
		Username:           cfg.Catalog.Username,
		APIKey:             cfg.Catalog.APIKey,
		InsecureSkipVerify: !cfg.Catalog.Verify(),
		Timeout:            cfg.Catalog.Timeout,
		MaxAttempts:        cfg.Catalog.MaxAttempts,
		ProxyHTTP:          cfg.Catalog.Proxy.HTTP,
		ProxyHTTPS:         cfg.Catalog.Proxy.HTTPS,
		PageSize:           cfg.Catalog.PageSize,
	}, client.WithLogger(logger), client.WithMetrics(a.Metrics))
	if err != nil {
		return nil, fmt.Errorf("creating catalog client: %w", err)
	}
	a.Client = c

	a.Overseer = overseer.New(c, overseer.WithLogger(logger), overseer.WithCacheTTL(cfg.Ingestion.CacheTTL))
	if _, err := a.Overseer.Setup(ctx); err != nil {
		return nil, fmt.Errorf("reading catalog capabilities: %w", err)
	}

	a.Transport = o.transport
	if a.Transport == nil {
		if a.Transport, err = NewTransport(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	if err := a.openAudit(cfg.Audit, o.db); err != nil {
		_ = a.Transport.Close()
		return nil, err
	}

	policy, err := cfg.Ingestion.Policy()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orchestrator, err = ingestion.New(ingestion.Deps{
		Catalog:  c,
		Resolver: a.Overseer,
		Smelter: smelter.New(smelter.Config{
			DefaultSchema: cfg.Ingestion.Schemas(),
			StorageBox:    cfg.Storage.Box,
			TargetPrefix:  cfg.Storage.TargetPrefix,
			Protocol:      a.Transport.Protocol(),
		}),
		Conveyor: conveyor.New(a.Transport, conveyor.WithLogger(logger), conveyor.WithMetrics(a.Metrics)),
		Audit:    a.Audit,
		Metrics:  a.Metrics,
		Logger:   logger,
	},
		ingestion.WithPolicy(policy),
		ingestion.WithDefaultInstitution(cfg.Ingestion.DefaultInstitution),
		ingestion.WithETagBlockSize(etagBlockSize(cfg, a.Transport)),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// NewTransport builds the transport named by cfg.Storage.Transport.
func NewTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Transport, error) {
	sc := cfg.Storage
	switch sc.Transport {
	case config.TransportLocal:
		return storage.NewLocal(storage.LocalConfig{
			Destination: filepath.Join(sc.Local.Destination, filepath.FromSlash(sc.TargetPrefix)),
			Concurrency: sc.Concurrency,
			Logger:      logger,
		})
	case config.TransportS3:
		return s3storage.NewFromConfig(ctx, s3Config(cfg, logger))
	case config.TransportNoop:
		return &storage.NoopTransport{}, nil
	default:
		return nil, fmt.Errorf("unknown storage transport %q", sc.Transport)
	}
}

func s3Config(cfg *config.Config, logger *slog.Logger) s3storage.Config {
	sc := cfg.Storage
	return s3storage.Config{
		Bucket:             sc.S3.Bucket,
		Prefix:             sc.TargetPrefix,
		Region:             sc.S3.Region,
		Endpoint:           sc.S3.Endpoint,
		AccessKeyID:        sc.S3.AccessKeyID,
		SecretKey:          sc.S3.SecretAccessKey,
		UsePathStyle:       sc.S3.ForcePathStyle,
		MultipartThreshold: sc.S3.MultipartThreshold,
		PartSize:           sc.S3.BlockSize,
		VerifyETag:         cfg.Ingestion.ETag(),
		Concurrency:        sc.Concurrency,
		Logger:             logger,
	}
}

// etagBlockSize is the block size at which novel datafiles get their
// multipart ETag, or zero when no transport will check it.
func etagBlockSize(cfg *config.Config, t storage.Transport) int64 {
	if !cfg.Ingestion.ETag() || t.Name() != config.TransportS3 {
		return 0
	}
	return cfg.Storage.S3.BlockSize
}

func (a *App) openAudit(cfg config.AuditConfig, db *sql.DB) error {
	if !cfg.Enabled {
		a.Audit = audit.NewMemoryLogger(audit.DefaultMemoryCapacity, nil)
		return nil
	}

	if db == nil {
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrating audit database: %w", err)
	}

	store := auditpg.New(db, auditpg.Config{RetentionDays: cfg.RetentionDays})
	store.StartCleanupRoutine(cleanupInterval)
	a.Audit = store
	a.db = db
	a.Logger.Info("audit ledger enabled", "retention_days", cfg.RetentionDays)
	return nil
}

// Ingest runs the manifests at paths in order, overlapping each transfer
// with the next metadata phase, and saves a report per batch.
func (a *App) Ingest(ctx context.Context, paths []string) ([]*ingestion.Report, error) {
	batches, err := manifest.LoadAll(paths)
	if err != nil {
		return nil, err
	}
	reports, runErr := a.Orchestrator.RunAll(ctx, batches)
	for _, rep := range reports {
		a.afterBatch(rep)
	}
	return reports, runErr
}

// IngestOne runs a single manifest to completion.
func (a *App) IngestOne(ctx context.Context, path string) (*ingestion.Report, error) {
	b, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	return a.runBatch(ctx, b)
}

func (a *App) runBatch(ctx context.Context, b *catalog.Batch) (*ingestion.Report, error) {
	res, err := a.Orchestrator.Run(ctx, b)
	if err != nil {
		return nil, err
	}
	err = res.Wait()
	a.afterBatch(res.Report)
	return res.Report, err
}

func (a *App) afterBatch(rep *ingestion.Report) {
	a.Health.RecordBatch(health.BatchSummary{
		RunID:            rep.RunID,
		Source:           rep.Source,
		FinishedAt:       rep.FinishedAt,
		Created:          rep.Count(ingestion.OutcomeCreated),
		Matched:          rep.Count(ingestion.OutcomeMatched),
		Blocked:          rep.Count(ingestion.OutcomeBlocked),
		Failed:           rep.Count(ingestion.OutcomeFailed),
		TransferFailures: len(rep.TransferFailures),
	})

	dir := a.Config.Ingestion.ReportPath
	if dir == "" {
		return
	}
	path, err := rep.Save(dir)
	if err != nil {
		a.Logger.Error("saving report failed", "run_id", rep.RunID, "error", err)
		return
	}
	a.Logger.Info("report saved", "run_id", rep.RunID, "file", path)
}

// Watch ingests manifests dropped into the watch directory until ctx is
// done. The listener, when configured, serves /metrics, /healthz and
// /readyz for the lifetime of the watch.
func (a *App) Watch(ctx context.Context) error {
	w, err := watch.New(watch.Config{
		Dir:         a.Config.Watch.Directory,
		Pattern:     a.Config.Watch.Pattern,
		Ignore:      a.Config.Watch.Ignore,
		Debounce:    a.Config.Watch.Debounce,
		InitialScan: true,
		Logger:      a.Logger,
	}, a.handleManifest)
	if err != nil {
		return err
	}

	stop := a.serveListener()
	defer stop()

	a.Health.SetReady()
	err = w.Run(ctx)
	a.Health.SetDraining()
	return err
}

func (a *App) handleManifest(ctx context.Context, path string) {
	rep, err := a.IngestOne(ctx, path)
	if err != nil {
		a.Logger.Error("manifest ingestion failed", "file", path, "error", err)
		return
	}
	a.Logger.Info("manifest ingested", "file", path, "run_id", rep.RunID, "ok", rep.OK())
}

// Handler serves /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.Metrics.Handler())
	a.Health.Register(mux)
	return mux
}

// serveListener starts the metrics listener if an address is configured
// and returns a function that shuts it down.
func (a *App) serveListener() func() {
	addr := a.Config.Metrics.Address
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics listener failed", "address", addr, "error", err)
		}
	}()
	a.Logger.Info("metrics listener started", "address", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Close releases the transport, audit store and database.
func (a *App) Close() error {
	var errs []error
	if a.Transport != nil {
		errs = append(errs, a.Transport.Close())
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
