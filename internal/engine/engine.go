// Package engine is the Execution Engine: it turns claimed queue items into
// workflow executions, advances them one bounded turn at a time, and owns
// every write to executions, steps and wait tokens.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/graph"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

const tracerName = "github.com/rendis/credflow/internal/engine"

// Defaults for Config.
const (
	DefaultMaxNodesPerTurn = 25
	DefaultWaitDeadline    = 7 * 24 * time.Hour
)

// Config tunes the engine.
type Config struct {
	// MaxNodesPerTurn caps consecutive non-wait transitions in one turn.
	MaxNodesPerTurn int `mapstructure:"max_nodes_per_turn"`
	// GuardTimeout bounds a single guard evaluation.
	GuardTimeout time.Duration `mapstructure:"guard_timeout"`
	// DefaultWaitDeadline applies to wait nodes without a configured deadline.
	DefaultWaitDeadline time.Duration        `mapstructure:"default_wait_deadline"`
	Breaker             CircuitBreakerConfig `mapstructure:"breaker"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxNodesPerTurn:     DefaultMaxNodesPerTurn,
		GuardTimeout:        expressions.DefaultGuardTimeout,
		DefaultWaitDeadline: DefaultWaitDeadline,
		Breaker:             DefaultCircuitBreakerConfig(),
	}
}

// Continuer enqueues the continuation of an execution that Resume could not
// finish inline. The Dispatcher implements it.
type Continuer interface {
	EnqueueContinuation(ctx context.Context, exec *store.Execution) (*store.QueueItem, error)
}

// Deps are the engine's collaborators. Store and Gateway are required; the
// rest fall back to in-process defaults.
type Deps struct {
	Store     store.Store
	Events    *store.EventLog
	Guards    *expressions.GuardEvaluator
	Mapper    *expressions.GoJQEngine
	Gateway   Gateway
	Notifier  NotificationSink
	Forms     FormCollaborator
	Continuer Continuer
	Logger    *slog.Logger
}

// Engine runs workflow executions. It implements queue.Handler.
type Engine struct {
	store     store.Store
	events    *store.EventLog
	guards    *expressions.GuardEvaluator
	mapper    *expressions.GoJQEngine
	gateway   Gateway
	notifier  NotificationSink
	forms     FormCollaborator
	continuer Continuer
	breakers  *CircuitBreakerRegistry
	execFSM   ExecutionFSM
	stepFSM   StepFSM
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// graphs caches compiled definitions; published versions are immutable.
	graphs sync.Map
}

var _ queue.Handler = (*Engine)(nil)

type graphKey struct {
	id      string
	version int
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("engine: gateway is required")
	}

	def := DefaultConfig()
	if cfg.MaxNodesPerTurn <= 0 {
		cfg.MaxNodesPerTurn = def.MaxNodesPerTurn
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = def.GuardTimeout
	}
	if cfg.DefaultWaitDeadline <= 0 {
		cfg.DefaultWaitDeadline = def.DefaultWaitDeadline
	}

	logger := logging.OrDefault(deps.Logger)
	if deps.Events == nil {
		deps.Events = store.NewEventLog(deps.Store, nil, logger)
	}
	if deps.Guards == nil {
		deps.Guards = expressions.NewGuardEvaluator(cfg.GuardTimeout)
	}
	if deps.Mapper == nil {
		deps.Mapper = expressions.NewGoJQEngine()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotificationSink{Logger: logger}
	}
	if deps.Forms == nil {
		deps.Forms = EchoFormCollaborator{}
	}

	return &Engine{
		store:     deps.Store,
		events:    deps.Events,
		guards:    deps.Guards,
		mapper:    deps.Mapper,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		forms:     deps.Forms,
		continuer: deps.Continuer,
		breakers:  NewCircuitBreakerRegistry(cfg.Breaker),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetContinuer wires the continuation queue after construction, for callers
// that build the Dispatcher and the Engine from each other.
func (e *Engine) SetContinuer(c Continuer) { e.continuer = c }

// Breakers exposes the gateway circuit breakers for diagnostics.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// HandleItem runs one turn for a claimed queue item.
func (e *Engine) HandleItem(ctx context.Context, item *store.QueueItem) (queue.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_item", trace.WithAttributes(
		attribute.String("credflow.queue_item_id", item.ID),
		attribute.String("credflow.subject_id", item.SubjectID),
	))
	defer span.End()

	g, err := e.graphFor(ctx, item.DefinitionID, item.DefinitionVersion)
	if err != nil {
		span.RecordError(err)
		return queue.Result{}, err
	}

	exec, err := e.resolveExecution(ctx, item, g)
	if err != nil {
		span.RecordError(err)
		return queue.Result{}, err
	}
	span.SetAttributes(attribute.String("credflow.execution_id", exec.ID))
	res := queue.Result{Outcome: queue.OutcomeDone, ExecutionID: exec.ID}

	if exec.Status != schema.ExecutionRunning {
		// Waiting, terminal or failed at start: nothing to advance.
		return res, nil
	}

	ctx = logging.WithIDs(ctx, exec.ID, "", exec.SubjectID)
	res.Outcome, err = e.run(ctx, exec, g)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// resolveExecution finds the execution an item drives: the one it is pinned
// to, the one an earlier claim of the same item created, or a new one.
func (e *Engine) resolveExecution(ctx context.Context, item *store.QueueItem, g *graph.Graph) (*store.Execution, error) {
	if item.ExecutionID != "" {
		return e.store.GetExecution(ctx, item.ExecutionID)
	}
	exec, err := e.store.GetExecutionByQueueItem(ctx, item.ID)
	if err == nil {
		return exec, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	return e.startExecution(ctx, item, g)
}

// startExecution creates the execution for item, pinned to the item's
// definition version, and moves it to running at the start node. A definition
// without a usable start node yields an execution that is failed immediately.
func (e *Engine) startExecution(ctx context.Context, item *store.QueueItem, g *graph.Graph) (*store.Execution, error) {
	now := e.now()
	exec := &store.Execution{
		ID:                uuid.NewString(),
		DefinitionID:      item.DefinitionID,
		DefinitionVersion: item.DefinitionVersion,
		SubjectID:         item.SubjectID,
		QueueItemID:       item.ID,
		Status:            schema.ExecutionQueued,
		Context:           expressions.DeepCopyMap(item.InputData),
		CreatedAt:         now,
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}

	start, startErr := g.Start()
	to := schema.ExecutionRunning
	update := store.ExecutionUpdate{From: schema.ExecutionQueued, To: to, StartedAt: &now}
	payload := map[string]any{
		"queue_item_id":      item.ID,
		"definition_id":      item.DefinitionID,
		"definition_version": item.DefinitionVersion,
	}
	if startErr != nil {
		to = schema.ExecutionFailed
		msg := startErr.Error()
		update.To, update.ErrorMessage, update.CompletedAt = to, &msg, &now
		payload["error"] = msg
	} else {
		update.CurrentNodeID = &start.ID
	}

	err := e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		if err := e.execFSM.Transition(ctx, rec, exec.ID, schema.ExecutionQueued, to, payload); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, exec.ID, update); err != nil {
			return err
		}
		return tx.UpdateSubjectState(ctx, exec.SubjectID, string(to), exec.Context)
	})
	if err != nil {
		return nil, err
	}

	exec.Status = to
	exec.StartedAt = &now
	if startErr != nil {
		exec.ErrorMessage = startErr.Error()
		exec.CompletedAt = &now
		logging.LogWith(logging.WithIDs(ctx, exec.ID, "", exec.SubjectID), e.logger).
			Error("execution failed at start", "error", startErr)
	} else {
		exec.CurrentNodeID = start.ID
		logging.LogWith(logging.WithIDs(ctx, exec.ID, "", exec.SubjectID), e.logger).
			Info("execution started", "definition_id", exec.DefinitionID, "definition_version", exec.DefinitionVersion)
	}
	return exec, nil
}

// Abandon fails the execution of a dead-lettered item.
func (e *Engine) Abandon(ctx context.Context, item *store.QueueItem, cause error) {
	var exec *store.Execution
	var err error
	if item.ExecutionID != "" {
		exec, err = e.store.GetExecution(ctx, item.ExecutionID)
	} else {
		exec, err = e.store.GetExecutionByQueueItem(ctx, item.ID)
	}
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			e.logger.Error("abandon: load execution", "queue_item_id", item.ID, "error", err)
		}
		return
	}
	if exec.Status.Terminal() {
		return
	}

	reason := schema.NewErrorf(schema.ErrCodeGatewayUnavailable,
		"queue item %s dead-lettered after %d attempts: %v", item.ID, item.Attempts, cause).WithCause(cause)
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.SubjectID)
	if err := e.failExecution(ctx, exec, nil, reason); err != nil {
		logging.LogWith(ctx, e.logger).Error("abandon: fail execution", "error", err)
	}
}

// graphFor returns the compiled graph of a published definition version.
func (e *Engine) graphFor(ctx context.Context, id string, version int) (*graph.Graph, error) {
	key := graphKey{id, version}
	if g, ok := e.graphs.Load(key); ok {
		return g.(*graph.Graph), nil
	}
	def, err := e.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(def)
	if err != nil {
		return nil, err
	}
	actual, _ := e.graphs.LoadOrStore(key, g)
	return actual.(*graph.Graph), nil
}

// inTx runs fn in one transaction and publishes the recorded events after
// commit.
func (e *Engine) inTx(ctx context.Context, fn func(tx store.Store, rec *recorder) error) error {
	var rec *recorder
	err := e.store.InTx(ctx, func(tx store.Store) error {
		rec = &recorder{tx: tx}
		return fn(tx, rec)
	})
	if err != nil {
		return err
	}
	e.events.Publish(ctx, rec.events...)
	return nil
}

// appendEvent writes a best-effort event outside any transaction.
func (e *Engine) appendEvent(ctx context.Context, executionID, stepID, eventType string, payload any) {
	if err := e.events.Append(ctx, executionID, stepID, eventType, payload); err != nil {
		logging.LogWith(ctx, e.logger).Warn("append event failed", "event_type", eventType, "error", err)
	}
}

// failExecution marks exec failed. When node is non-nil a failed step row is
// appended for it in the same transaction. A lost race is not an error: some
// other transition already finished the execution.
func (e *Engine) failExecution(ctx context.Context, exec *store.Execution, node *schema.WorkflowNode, cause error) error {
	now := e.now()
	msg := cause.Error()
	payload := map[string]any{"error": msg, "code": schema.CodeOf(cause), "node_id": exec.CurrentNodeID}

	err := e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		if node != nil {
			snapshot, err := snapshotOf(exec.Context)
			if err != nil {
				return err
			}
			step := &store.StepExecution{
				ID:            uuid.NewString(),
				ExecutionID:   exec.ID,
				NodeID:        node.ID,
				NodeType:      node.Type,
				Status:        schema.StepFailed,
				InputSnapshot: snapshot,
				ErrorMessage:  msg,
				StartedAt:     now,
				CompletedAt:   &now,
			}
			if err := tx.AppendStep(ctx, step); err != nil {
				return err
			}
			if err := e.stepFSM.Enter(ctx, rec, step, payload); err != nil {
				return err
			}
		}
		if err := e.execFSM.Transition(ctx, rec, exec.ID, exec.Status, schema.ExecutionFailed, payload); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			From:         exec.Status,
			To:           schema.ExecutionFailed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); err != nil {
			return err
		}
		return tx.UpdateSubjectState(ctx, exec.SubjectID, string(schema.ExecutionFailed), exec.Context)
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, e.logger).Debug("execution already left its status; failure not recorded", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	exec.Status = schema.ExecutionFailed
	exec.ErrorMessage = msg
	exec.CompletedAt = &now
	logging.LogWith(ctx, e.logger).Error("execution failed", "node_id", exec.CurrentNodeID, "error", msg)
	return nil
}
