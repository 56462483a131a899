package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

const eventTestDurationMS = 100

func TestNewEvent(t *testing.T) {
	event := NewEvent("run-1")

	if event.RunID != "run-1" {
		t.Errorf("RunID = %q, want %q", event.RunID, "run-1")
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
	if other := NewEvent("run-1"); other.ID == event.ID {
		t.Error("event IDs should be unique")
	}
}

func TestEvent_Builders(t *testing.T) {
	event := NewEvent("run-1").
		WithObject("dataset", "D1").
		WithSource("/drop/batch.yaml").
		WithResult("failed", "", errors.New("boom"), eventTestDurationMS)

	if event.ObjectType != "dataset" || event.Name != "D1" {
		t.Errorf("object = %s %s, want dataset D1", event.ObjectType, event.Name)
	}
	if event.Source != "/drop/batch.yaml" {
		t.Errorf("Source = %q", event.Source)
	}
	if event.Outcome != "failed" || event.Error != "boom" {
		t.Errorf("result = %q %q", event.Outcome, event.Error)
	}
	if event.DurationMS != eventTestDurationMS {
		t.Errorf("DurationMS = %d, want %d", event.DurationMS, eventTestDurationMS)
	}

	ok := NewEvent("run-1").WithResult("created", "/api/v1/dataset/1/", nil, 1)
	if ok.Error != "" {
		t.Errorf("Error = %q, want empty", ok.Error)
	}
}

func TestEvent_Matches(t *testing.T) {
	now := time.Now()
	before, after := now.Add(-time.Minute), now.Add(time.Minute)
	e := Event{RunID: "r", ObjectType: "project", Outcome: "created", Timestamp: now}

	tests := []struct {
		name   string
		filter QueryFilter
		want   bool
	}{
		{"empty filter", QueryFilter{}, true},
		{"run", QueryFilter{RunID: "r"}, true},
		{"other run", QueryFilter{RunID: "x"}, false},
		{"type", QueryFilter{ObjectType: "dataset"}, false},
		{"outcome", QueryFilter{Outcome: "created"}, true},
		{"window", QueryFilter{StartTime: &before, EndTime: &after}, true},
		{"starts later", QueryFilter{StartTime: &after}, false},
		{"ended earlier", QueryFilter{EndTime: &before}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Matches(tt.filter); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryLogger(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLogger(3, nil)

	for i := range 4 {
		outcome := "created"
		if i%2 == 1 {
			outcome = "blocked"
		}
		if err := m.Log(ctx, Event{ID: fmt.Sprint(i), RunID: "r", Outcome: outcome}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	all, _ := m.Query(ctx, QueryFilter{})
	if len(all) != 3 || all[0].ID != "3" || all[2].ID != "1" {
		t.Fatalf("Query() = %+v, want ids 3,2,1", all)
	}

	blocked, _ := m.Query(ctx, QueryFilter{Outcome: "blocked"})
	if len(blocked) != 2 {
		t.Errorf("blocked = %d, want 2", len(blocked))
	}

	page, _ := m.Query(ctx, QueryFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "2" {
		t.Errorf("page = %+v, want id 2", page)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if NewMemoryLogger(0, nil).capacity != DefaultMemoryCapacity {
		t.Error("zero capacity should use the default")
	}
}

func TestNoopLogger(t *testing.T) {
	var l Logger = &NoopLogger{}
	if err := l.Log(context.Background(), Event{}); err != nil {
		t.Errorf("Log: %v", err)
	}
	events, err := l.Query(context.Background(), QueryFilter{})
	if err != nil || events != nil {
		t.Errorf("Query() = %v, %v", events, err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
