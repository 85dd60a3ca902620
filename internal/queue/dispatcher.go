// Package queue is the Queue Dispatcher: it admits work per subject, hands
// items to workers under a lease, and decides between retry and dead letter.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

const tracerName = "github.com/rendis/credflow/internal/queue"

// Config tunes the dispatcher.
type Config struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Lease           time.Duration `mapstructure:"lease"`
	Backoff         BackoffPolicy `mapstructure:"backoff"`
	DefaultRetryCap int           `mapstructure:"retry_cap"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Lease:           5 * time.Minute,
		Backoff:         DefaultBackoff(),
		DefaultRetryCap: 3,
	}
}

// InputValidator checks enqueue input against a definition's input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// DeadLetterFunc is called once for every item that reaches failed.
type DeadLetterFunc func(ctx context.Context, item *store.QueueItem, cause error)

// EnqueueRequest asks for a definition to run for a subject.
type EnqueueRequest struct {
	SubjectID         string         `json:"subject_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version,omitempty"`
	InputData         map[string]any `json:"input_data,omitempty"`
	MaxAttempts       int            `json:"max_attempts,omitempty"`
}

// Dispatcher owns every write to queue items.
type Dispatcher struct {
	store      store.Store
	validator  InputValidator
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	deadLetter DeadLetterFunc
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher. validator may be nil to skip input
// schema checks.
func NewDispatcher(s store.Store, validator InputValidator, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Backoff.Strategy == "" {
		cfg.Backoff = def.Backoff
	}
	if cfg.DefaultRetryCap <= 0 {
		cfg.DefaultRetryCap = def.DefaultRetryCap
	}
	return &Dispatcher{
		store:     s,
		validator: validator,
		cfg:       cfg,
		logger:    logging.OrDefault(logger),
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnDeadLetter registers fn to be called for items that exhaust their attempts.
func (d *Dispatcher) OnDeadLetter(fn DeadLetterFunc) {
	d.deadLetter = fn
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Enqueue validates the request and admits a pending item. It fails with
// CONFLICT when the subject already has a pending or processing item, or an
// execution that has not reached a terminal status.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*store.QueueItem, error) {
	if req.SubjectID == "" || req.DefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subject_id and definition_id are required")
	}
	def, err := d.resolveDefinition(ctx, req.DefinitionID, req.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	if d.validator != nil && len(def.InputSchema) > 0 {
		if err := d.validator.ValidateInput(req.InputData, def.InputSchema); err != nil {
			return nil, err
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	item := &store.QueueItem{
		ID:                uuid.NewString(),
		SubjectID:         req.SubjectID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		InputData:         req.InputData,
		MaxAttempts:       maxAttempts,
		CreatedAt:         d.now(),
	}

	err = d.store.InTx(ctx, func(tx store.Store) error {
		if err := ensureNoActiveRun(ctx, tx, req.SubjectID); err != nil {
			return err
		}
		if err := tx.UpsertSubject(ctx, &store.Subject{ID: req.SubjectID, RetryCap: d.cfg.DefaultRetryCap}); err != nil {
			return err
		}
		return tx.CreateQueueItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithSubjectID(ctx, req.SubjectID), d.logger).Info("queue item enqueued",
		"queue_item_id", item.ID, "definition_id", def.ID, "definition_version", def.Version)
	return item, nil
}

// EnqueueContinuation admits an item pinned to an already running execution,
// used when an inline run must be finished by a worker. The subject's
// at-most-one-in-flight rule still applies.
func (d *Dispatcher) EnqueueContinuation(ctx context.Context, exec *store.Execution) (*store.QueueItem, error) {
	item := &store.QueueItem{
		ID:                uuid.NewString(),
		SubjectID:         exec.SubjectID,
		DefinitionID:      exec.DefinitionID,
		DefinitionVersion: exec.DefinitionVersion,
		MaxAttempts:       d.cfg.MaxAttempts,
		ExecutionID:       exec.ID,
		CreatedAt:         d.now(),
	}
	if err := d.store.CreateQueueItem(ctx, item); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithIDs(ctx, exec.ID, "", exec.SubjectID), d.logger).Info("continuation enqueued",
		"queue_item_id", item.ID, "node_id", exec.CurrentNodeID)
	return item, nil
}

var activeRunStatuses = []schema.ExecutionStatus{
	schema.ExecutionQueued, schema.ExecutionRunning, schema.ExecutionWaiting,
}

// ensureNoActiveRun fails with CONFLICT when the subject has an execution
// still queued, running or parked at a wait node. A waiting run holds no
// queue item.
func ensureNoActiveRun(ctx context.Context, tx store.Store, subjectID string) error {
	execs, err := tx.ListExecutions(ctx, store.ExecutionFilter{
		SubjectID: subjectID,
		Statuses:  activeRunStatuses,
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"subject %q already has a %s execution", subjectID, execs[0].Status).
		WithDetails(map[string]any{"execution_id": execs[0].ID})
}

// resolveDefinition returns the pinned version, or the latest active one when
// version is 0. Inactive versions cannot be enqueued.
func (d *Dispatcher) resolveDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	def, err := d.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if def.Active {
		return def, nil
	}
	if version > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %s@%d is inactive", id, version)
	}

	all, err := d.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	for _, cand := range all {
		// ListDefinitions orders versions newest first.
		if cand.ID == id && cand.Active {
			return cand, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %s has no active version", id)
}

// ClaimNext leases the oldest available pending item to workerID. It returns
// nil, nil when nothing is claimable.
func (d *Dispatcher) ClaimNext(ctx context.Context, workerID string) (*store.QueueItem, error) {
	ctx, span := d.tracer.Start(ctx, "queue.claim", trace.WithAttributes(attribute.String("credflow.worker_id", workerID)))
	defer span.End()

	item, err := d.store.ClaimQueueItem(ctx, workerID, d.now(), d.cfg.Lease)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if item != nil {
		span.SetAttributes(attribute.String("credflow.queue_item_id", item.ID))
	}
	return item, nil
}

// Complete marks a processing item completed.
func (d *Dispatcher) Complete(ctx context.Context, id string) error {
	return d.store.CompleteQueueItem(ctx, id)
}

// Fail records a failed attempt. Below the cap the item becomes claimable
// again after the backoff; at the cap it is dead-lettered. The resulting item
// is returned so the caller can tell which happened.
func (d *Dispatcher) Fail(ctx context.Context, id string, cause error) (*store.QueueItem, error) {
	current, err := d.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	retryAt := d.now().Add(d.cfg.Backoff.Compute(current.Attempts + 1))

	item, err := d.store.FailQueueItem(ctx, id, msg, retryAt)
	if err != nil {
		return nil, err
	}
	d.afterFailure(ctx, item, cause)
	return item, nil
}

// Requeue returns a processing item to pending without consuming an attempt,
// pinned to executionID so the next claim continues that execution.
func (d *Dispatcher) Requeue(ctx context.Context, id, executionID string) error {
	return d.store.RequeueQueueItem(ctx, id, executionID, d.now())
}

// ReclaimStale fails every processing item whose lease expired before now,
// counting it as an attempt. It returns how many items were reclaimed.
func (d *Dispatcher) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	ctx, span := d.tracer.Start(ctx, "queue.reclaim_stale")
	defer span.End()

	stale, err := d.store.ListStaleQueueItems(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	var reclaimed int
	var errs []error
	for _, it := range stale {
		retryAt := now.Add(d.cfg.Backoff.Compute(it.Attempts + 1))
		item, err := d.store.FailStaleQueueItem(ctx, it.ID, now, retryAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if item == nil {
			// The worker finished first.
			continue
		}
		reclaimed++
		d.afterFailure(ctx, item, errors.New(item.LastError))
	}
	span.SetAttributes(attribute.Int("credflow.reclaimed", reclaimed))
	return reclaimed, errors.Join(errs...)
}

func (d *Dispatcher) afterFailure(ctx context.Context, item *store.QueueItem, cause error) {
	logger := logging.LogWith(logging.WithIDs(ctx, item.ExecutionID, "", item.SubjectID), d.logger)
	if item.Status != schema.QueueFailed {
		logger.Warn("queue item attempt failed",
			"queue_item_id", item.ID, "attempts", item.Attempts, "max_attempts", item.MaxAttempts,
			"retry_at", item.AvailableAt, "error", item.LastError)
		return
	}
	logger.Error("queue item dead-lettered",
		"queue_item_id", item.ID, "attempts", item.Attempts, "error", item.LastError)
	if d.deadLetter != nil {
		d.deadLetter(ctx, item, cause)
	}
}

// RetrySubject is the business-level retry: it consumes one unit of the
// subject's retry budget and enqueues a fresh item from the subject's most
// recent item. The counter and the new item commit together.
func (d *Dispatcher) RetrySubject(ctx context.Context, subjectID string) (*store.QueueItem, error) {
	items, err := d.store.ListQueueItems(ctx, store.QueueFilter{SubjectID: subjectID})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subject %q has no queue history", subjectID)
	}
	for _, it := range items {
		if !it.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"subject %q already has a %s queue item", subjectID, it.Status).
				WithDetails(map[string]any{"queue_item_id": it.ID})
		}
	}
	last := items[len(items)-1]

	item := &store.QueueItem{
		ID:                uuid.NewString(),
		SubjectID:         subjectID,
		DefinitionID:      last.DefinitionID,
		DefinitionVersion: last.DefinitionVersion,
		InputData:         last.InputData,
		MaxAttempts:       last.MaxAttempts,
		CreatedAt:         d.now(),
	}
	var subject *store.Subject
	err = d.store.InTx(ctx, func(tx store.Store) error {
		if err := ensureNoActiveRun(ctx, tx, subjectID); err != nil {
			return err
		}
		var err error
		if subject, err = tx.IncrementSubjectRetry(ctx, subjectID); err != nil {
			return err
		}
		return tx.CreateQueueItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithSubjectID(ctx, subjectID), d.logger).Info("subject retried",
		"queue_item_id", item.ID, "retry_count", subject.RetryCount, "retry_cap", subject.RetryCap)
	return item, nil
}
