package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/pkg/schema"
)

// EventLog writes the execution audit trail and fans each persisted event out
// to live subscribers. Persistence is authoritative; a failed publish is logged
// and otherwise ignored.
type EventLog struct {
	store  EventStore
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventLog creates an EventLog. hub may be nil.
func NewEventLog(s EventStore, hub streaming.EventHub, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, hub: hub, logger: logger}
}

// NewEvent builds an Event, marshalling payload to JSON.
func NewEvent(executionID, stepID, eventType string, payload any) (*Event, error) {
	e := &Event{ExecutionID: executionID, StepID: stepID, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = raw
	}
	return e, nil
}

// Append persists an event outside any transaction and publishes it.
func (el *EventLog) Append(ctx context.Context, executionID, stepID, eventType string, payload any) error {
	e, err := NewEvent(executionID, stepID, eventType, payload)
	if err != nil {
		return err
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return err
	}
	el.Publish(ctx, e)
	return nil
}

// Record persists events through es, typically a transactional Store. The
// caller publishes them with Publish once the transaction commits.
func (el *EventLog) Record(ctx context.Context, es EventStore, events ...*Event) error {
	for _, e := range events {
		if err := es.AppendEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends already persisted events to the hub.
func (el *EventLog) Publish(ctx context.Context, events ...*Event) {
	if el.hub == nil {
		return
	}
	for _, e := range events {
		var payload any
		if len(e.Payload) > 0 {
			payload = json.RawMessage(e.Payload)
		}
		err := el.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: e.ExecutionID,
			StepID:      e.StepID,
			EventType:   e.Type,
			Sequence:    e.Sequence,
			Timestamp:   e.Timestamp,
			Payload:     payload,
		})
		if err != nil {
			el.logger.Warn("event publish failed",
				"execution_id", e.ExecutionID, "event_type", e.Type, "error", err)
		}
	}
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Timeline returns the full event history of an execution and verifies the
// per-execution sequence has no gaps.
func (el *EventLog) Timeline(ctx context.Context, executionID string) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for timeline: %w", err)
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	return events, nil
}
