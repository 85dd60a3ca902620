package store

import (
	"context"
	"time"

	"github.com/rendis/credflow/pkg/schema"
)

// DefinitionStore persists immutable, versioned workflow definitions.
type DefinitionStore interface {
	// PublishDefinition stores def as version max(version)+1 of def.ID and
	// marks it active. def.Version and def.CreatedAt are set on return.
	PublishDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	// GetDefinition returns a pinned version, or the latest when version is 0.
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	SetDefinitionActive(ctx context.Context, id string, version int, active bool) error
}

// ExecutionStore persists workflow executions. The engine is the only writer.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	GetExecutionByQueueItem(ctx context.Context, queueItemID string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ClaimNotificationTier raises last_notified_tier to tier if it is currently
	// lower. It reports whether this caller won the raise.
	ClaimNotificationTier(ctx context.Context, id string, tier schema.SLATier, at time.Time) (bool, error)
}

// StepStore persists the append-only step audit trail.
type StepStore interface {
	// AppendStep inserts step with the next per-execution sequence number.
	AppendStep(ctx context.Context, step *StepExecution) error
	GetStep(ctx context.Context, id string) (*StepExecution, error)
	ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
}

// QueueStore persists queue items. The dispatcher is the only writer.
type QueueStore interface {
	// CreateQueueItem inserts a pending item. It fails with CONFLICT if the
	// subject already has a pending or processing item.
	CreateQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]*QueueItem, error)
	// ClaimQueueItem atomically moves the oldest available pending item to
	// processing. It returns nil, nil when nothing is claimable.
	ClaimQueueItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*QueueItem, error)
	CompleteQueueItem(ctx context.Context, id string) error
	// FailQueueItem increments attempts and either reschedules the item at
	// retryAt or, when the cap is reached, marks it failed.
	FailQueueItem(ctx context.Context, id string, lastError string, retryAt time.Time) (*QueueItem, error)
	RequeueQueueItem(ctx context.Context, id string, executionID string, availableAt time.Time) error
	// ListStaleQueueItems returns processing items whose lease expired before now.
	ListStaleQueueItems(ctx context.Context, now time.Time) ([]*QueueItem, error)
	// FailStaleQueueItem is FailQueueItem guarded on the lease still being expired.
	FailStaleQueueItem(ctx context.Context, id string, now time.Time, retryAt time.Time) (*QueueItem, error)
}

// WaitTokenStore persists external wait tokens.
type WaitTokenStore interface {
	CreateWaitToken(ctx context.Context, token *WaitToken) error
	GetWaitToken(ctx context.Context, id string) (*WaitToken, error)
	GetWaitTokenByStep(ctx context.Context, stepExecutionID string) (*WaitToken, error)
	ListWaitTokens(ctx context.Context, filter TokenFilter) ([]*WaitToken, error)
	// TransitionWaitToken moves a token from one external status to another.
	// It fails with CONFLICT when the token is no longer in from.
	TransitionWaitToken(ctx context.Context, id, from, to string, at time.Time) error
	// MarkTokenWarned sets warned_at once. It reports whether this caller set it.
	MarkTokenWarned(ctx context.Context, id string, at time.Time) (bool, error)
}

// SubjectStore reads and writes the small subset of the business entity the
// engine owns: status, context snapshot and the business-level retry counter.
type SubjectStore interface {
	UpsertSubject(ctx context.Context, subject *Subject) error
	GetSubject(ctx context.Context, id string) (*Subject, error)
	UpdateSubjectState(ctx context.Context, id, status string, snapshot map[string]any) error
	// IncrementSubjectRetry raises retry_count by one while it is below the
	// cap. It fails with RETRY_LIMIT_EXCEEDED otherwise.
	IncrementSubjectRetry(ctx context.Context, id string) (*Subject, error)
}

// AlertStore records escalations sent by the monitor.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, executionID string) ([]*Alert, error)
}

// EventStore is the append-only execution audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionStore
	ExecutionStore
	StepStore
	QueueStore
	WaitTokenStore
	SubjectStore
	AlertStore
	EventStore

	// InTx runs fn against a Store bound to one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Calls on a Store
	// that is already transactional run fn inline.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
