package audit

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultMemoryCapacity is the number of events a MemoryLogger keeps.
const DefaultMemoryCapacity = 10000

// MemoryLogger keeps the most recent events in memory and mirrors each one
// to a structured log line. It backs the ledger when no database is set up.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	logger   *slog.Logger
}

// NewMemoryLogger creates a MemoryLogger. A capacity of zero uses
// DefaultMemoryCapacity; a nil logger disables the log mirror.
func NewMemoryLogger(capacity int, logger *slog.Logger) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity, logger: logger}
}

// Log records an event, evicting the oldest once full.
func (m *MemoryLogger) Log(ctx context.Context, event Event) error {
	m.mu.Lock()
	if len(m.events) >= m.capacity {
		m.events = append(m.events[:0], m.events[1:]...)
	}
	m.events = append(m.events, event)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "ingestion event",
			slog.String("run_id", event.RunID),
			slog.String("type", event.ObjectType),
			slog.String("name", event.Name),
			slog.String("outcome", event.Outcome),
			slog.String("uri", event.URI),
			slog.String("error", event.Error),
			slog.Int64("duration_ms", event.DurationMS),
		)
	}
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	skipped := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !e.Matches(filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close does nothing.
func (*MemoryLogger) Close() error {
	return nil
}

// NoopLogger discards every event. Used for dry runs.
type NoopLogger struct{}

// Log does nothing.
func (*NoopLogger) Log(_ context.Context, _ Event) error { return nil }

// Query returns no events.
func (*NoopLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) { return nil, nil }

// Close does nothing.
func (*NoopLogger) Close() error { return nil }

var _ Logger = (*MemoryLogger)(nil)

var _ Logger = (*NoopLogger)(nil)
