package audit

import (
	"time"

	"github.com/google/uuid"
)

// NewEvent creates an event for the given run.
func NewEvent(runID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// WithObject sets the object the event describes.
func (e *Event) WithObject(objectType, name string) *Event {
	e.ObjectType = objectType
	e.Name = name
	return e
}

// WithSource records where the object came from, usually a manifest path.
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithResult adds the outcome to the event.
func (e *Event) WithResult(outcome, uri string, err error, durationMS int64) *Event {
	e.Outcome = outcome
	e.URI = uri
	if err != nil {
		e.Error = err.Error()
	}
	e.DurationMS = durationMS
	return e
}

// Matches reports whether the event satisfies f, ignoring paging.
func (e *Event) Matches(f QueryFilter) bool {
	switch {
	case f.RunID != "" && e.RunID != f.RunID:
		return false
	case f.ObjectType != "" && e.ObjectType != f.ObjectType:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	}
	return true
}
