// Package postgres provides PostgreSQL storage for the ingestion ledger.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/tardis-ingest/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// eventColumns lists columns returned by event SELECT queries.
var eventColumns = []string{
	"id", "run_id", "timestamp", "source", "object_type", "name",
	"outcome", "uri", "error_message", "duration_ms",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an ingestion event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	query, args, err := psq.Insert("ingestion_events").
		Columns(slices.Concat(eventColumns, []string{"created_date"})...).
		Values(
			event.ID,
			event.RunID,
			event.Timestamp,
			event.Source,
			event.ObjectType,
			event.Name,
			event.Outcome,
			event.URI,
			event.Error,
			event.DurationMS,
			event.Timestamp.Format("2006-01-02"),
		).ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting ingestion event: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.RunID != "" {
		qb = qb.Where(sq.Eq{"run_id": filter.RunID})
	}
	if filter.ObjectType != "" {
		qb = qb.Where(sq.Eq{"object_type": filter.ObjectType})
	}
	if filter.Outcome != "" {
		qb = qb.Where(sq.Eq{"outcome": filter.Outcome})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	return qb
}

// Query retrieves events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyFilter(psq.Select(eventColumns...).From("ingestion_events"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building event query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	events := make([]audit.Event, 0, allocCap)

	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.Timestamp,
			&e.Source,
			&e.ObjectType,
			&e.Name,
			&e.Outcome,
			&e.URI,
			&e.Error,
			&e.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scanning ingestion event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ingestion event rows: %w", err)
	}
	return events, nil
}

// OutcomeCount is the number of events with one outcome for one type.
type OutcomeCount struct {
	ObjectType string `json:"object_type"`
	Outcome    string `json:"outcome"`
	Count      int    `json:"count"`
}

// Summarize counts a run's events by object type and outcome.
func (s *Store) Summarize(ctx context.Context, runID string) ([]OutcomeCount, error) {
	query, args, err := psq.Select("object_type", "outcome", "COUNT(*) AS count").
		From("ingestion_events").
		Where(sq.Eq{"run_id": runID}).
		GroupBy("object_type", "outcome").
		OrderBy("object_type", "outcome").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building summary query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying run summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutcomeCount
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.ObjectType, &c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", err)
	}
	return out, nil
}

// RecordRun inserts or updates a run summary.
func (s *Store) RecordRun(ctx context.Context, run audit.Run) error {
	query, args, err := psq.Insert("ingestion_runs").
		Columns("run_id", "started_at", "finished_at", "source",
			"created", "matched", "blocked", "failed", "transfer_failed").
		Values(run.ID, run.StartedAt, run.FinishedAt, run.Source,
			run.Created, run.Matched, run.Blocked, run.Failed, run.TransferFailed).
		Suffix(`ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			created = EXCLUDED.created,
			matched = EXCLUDED.matched,
			blocked = EXCLUDED.blocked,
			failed = EXCLUDED.failed,
			transfer_failed = EXCLUDED.transfer_failed`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building run upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Cleanup removes events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query, args, err := psq.Delete("ingestion_events").Where(sq.Lt{"timestamp": cutoff}).ToSql()
	if err != nil {
		return fmt.Errorf("building cleanup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cleaning up ingestion events: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old events. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)

var _ audit.RunRecorder = (*Store)(nil)
