package engine

import (
	"context"

	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// EventAppender is satisfied by a Store and by the turn recorder. Lifecycle
// events go through it so they commit with the status change they describe.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type transition[S ~string] struct{ from, to S }

// lifecycle maps every allowed transition to the event it emits.
type lifecycle[S ~string] map[transition[S]]string

func (l lifecycle[S]) event(from, to S) (string, bool) {
	ev, ok := l[transition[S]{from, to}]
	return ev, ok
}

var executionLifecycle = lifecycle[schema.ExecutionStatus]{
	{schema.ExecutionQueued, schema.ExecutionRunning}:    schema.EventExecutionStarted,
	{schema.ExecutionQueued, schema.ExecutionFailed}:     schema.EventExecutionFailed,
	{schema.ExecutionQueued, schema.ExecutionCancelled}:  schema.EventExecutionCancelled,
	{schema.ExecutionRunning, schema.ExecutionWaiting}:   schema.EventExecutionWaiting,
	{schema.ExecutionRunning, schema.ExecutionCompleted}: schema.EventExecutionCompleted,
	{schema.ExecutionRunning, schema.ExecutionFailed}:    schema.EventExecutionFailed,
	{schema.ExecutionRunning, schema.ExecutionCancelled}: schema.EventExecutionCancelled,
	{schema.ExecutionWaiting, schema.ExecutionRunning}:   schema.EventExecutionResumed,
	{schema.ExecutionWaiting, schema.ExecutionCompleted}: schema.EventExecutionCompleted,
	{schema.ExecutionWaiting, schema.ExecutionFailed}:    schema.EventExecutionFailed,
	{schema.ExecutionWaiting, schema.ExecutionCancelled}: schema.EventExecutionCancelled,
}

// Step rows are appended in their first status, as if entering from running.
// Only waiting steps move afterwards.
var stepLifecycle = lifecycle[schema.StepStatus]{
	{schema.StepPending, schema.StepRunning}:           schema.EventStepStarted,
	{schema.StepPending, schema.StepSkipped}:           schema.EventStepSkipped,
	{schema.StepRunning, schema.StepCompleted}:         schema.EventStepCompleted,
	{schema.StepRunning, schema.StepFailed}:            schema.EventStepFailed,
	{schema.StepRunning, schema.StepWaitingExternal}:   schema.EventStepWaiting,
	{schema.StepWaitingExternal, schema.StepCompleted}: schema.EventStepCompleted,
	{schema.StepWaitingExternal, schema.StepFailed}:    schema.EventStepFailed,
	{schema.StepWaitingExternal, schema.StepSkipped}:   schema.EventStepSkipped,
}

func appendLifecycleEvent(ctx context.Context, app EventAppender, executionID, stepID, eventType string, payload any) error {
	event, err := store.NewEvent(executionID, stepID, eventType, payload)
	if err != nil {
		return err
	}
	if err := app.AppendEvent(ctx, event); err != nil {
		fe := schema.NewErrorf(schema.ErrCodeStore, "append %s: %s", eventType, err.Error()).WithCause(err)
		if stepID != "" {
			fe = fe.WithStep(stepID)
		}
		return fe
	}
	return nil
}

// ExecutionFSM checks execution status changes and emits the matching
// event. The caller persists the new status.
type ExecutionFSM struct{}

func (ExecutionFSM) Transition(ctx context.Context, app EventAppender, executionID string, from, to schema.ExecutionStatus, payload any) error {
	eventType, ok := executionLifecycle.event(from, to)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return appendLifecycleEvent(ctx, app, executionID, "", eventType, payload)
}

// StepFSM checks step status changes and emits step events.
type StepFSM struct{}

// Enter emits the event for a step row appended directly in its status.
func (StepFSM) Enter(ctx context.Context, app EventAppender, step *store.StepExecution, payload any) error {
	from := schema.StepRunning
	if step.Status == schema.StepRunning {
		from = schema.StepPending
	}
	eventType, ok := stepLifecycle.event(from, step.Status)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "step cannot be appended as %s", step.Status).
			WithStep(step.ID)
	}
	return appendLifecycleEvent(ctx, app, step.ExecutionID, step.ID, eventType, payload)
}

// Transition moves an existing step from one status to another.
func (StepFSM) Transition(ctx context.Context, app EventAppender, executionID, stepID string, from, to schema.StepStatus, payload any) error {
	eventType, ok := stepLifecycle.event(from, to)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return appendLifecycleEvent(ctx, app, executionID, stepID, eventType, payload)
}

// recorder is the EventAppender used inside a transaction. It keeps what it
// appended so the events can be published after commit.
type recorder struct {
	tx     store.Store
	events []*store.Event
}

func (r *recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := r.tx.AppendEvent(ctx, event); err != nil {
		return err
	}
	r.events = append(r.events, event)
	return nil
}

// event appends an event that is not a status change.
func (r *recorder) event(ctx context.Context, executionID, stepID, eventType string, payload any) error {
	e, err := store.NewEvent(executionID, stepID, eventType, payload)
	if err != nil {
		return err
	}
	return r.AppendEvent(ctx, e)
}
