// Package audit provides the append-only AuditSink handle passed to every
// pipeline component, plus the alert path for critical boundary failures.
package audit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Sink records audit events. Implementations are append-only.
type Sink interface {
	Record(ctx context.Context, event types.AuditEvent) error
}

// NewEvent builds an event with a fresh id and timestamp and redacted details
func NewEvent(actor, action, resourceType, resourceID string, runID uuid.UUID, result types.AuditResult, details map[string]any) types.AuditEvent {
	return prepare(types.AuditEvent{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RunID:        runID,
		Result:       result,
		Details:      details,
	})
}

// prepare fills id and timestamp when unset and redacts details
func prepare(event types.AuditEvent) types.AuditEvent {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Details = RedactDetails(event.Details)
	return event
}

// Log is an in-memory append-only sink
type Log struct {
	mu     sync.RWMutex
	events []types.AuditEvent
}

// NewLog creates an empty in-memory log
func NewLog() *Log {
	return &Log{}
}

// Record appends an event
func (l *Log) Record(_ context.Context, event types.AuditEvent) error {
	event = prepare(event)
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

// Events returns a copy of all recorded events in order
func (l *Log) Events() []types.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

// ForRun returns the events recorded for one run
func (l *Log) ForRun(runID uuid.UUID) []types.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.AuditEvent
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// WithAction returns the events with a given action
func (l *Log) WithAction(action string) []types.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.AuditEvent
	for _, e := range l.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Multi fans an event out to every sink. All sinks are attempted; errors are joined.
type Multi []Sink

// Record implements Sink
func (m Multi) Record(ctx context.Context, event types.AuditEvent) error {
	event = prepare(event)
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event
type Discard struct{}

// Record implements Sink
func (Discard) Record(context.Context, types.AuditEvent) error { return nil }
