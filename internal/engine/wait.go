package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// Decision is an external answer to a wait node.
type Decision struct {
	Outcome string         `json:"outcome"`
	Actor   string         `json:"actor,omitempty"`
	Comment string         `json:"comment,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ResumeResult reports where an execution stopped after Resume.
type ResumeResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	// Error is set when the continuation failed the execution.
	Error string `json:"error,omitempty"`
	// Continued is set when the rest of the run was handed to the queue.
	Continued bool `json:"continued,omitempty"`
}

// Resume records decision on a waiting step and continues the execution
// inline from the wait node. The outcome is exposed to guards as the context
// variable "decision", and the full decision under decisions[node_id].
// A cancelled execution is rejected with CANCELLED. A step that is not
// waiting, or whose token is no longer pending, is rejected with
// NOT_AWAITING_DECISION. Rejections write nothing.
func (e *Engine) Resume(ctx context.Context, stepExecutionID string, d Decision) (*ResumeResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.resume", trace.WithAttributes(
		attribute.String("credflow.step_id", stepExecutionID),
		attribute.String("credflow.outcome", d.Outcome),
	))
	defer span.End()

	if d.Outcome == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "decision outcome is required")
	}

	step, err := e.store.GetStep(ctx, stepExecutionID)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == schema.ExecutionCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", exec.ID).WithStep(step.ID)
	}
	if step.Status != schema.StepWaitingExternal {
		return nil, notAwaiting(step.ID, "step is "+string(step.Status))
	}
	if exec.Status != schema.ExecutionWaiting {
		return nil, notAwaiting(step.ID, "execution is "+string(exec.Status))
	}
	token, err := e.store.GetWaitTokenByStep(ctx, step.ID)
	if err != nil {
		return nil, err
	}
	if token.ExternalStatus != schema.TokenPending {
		return nil, notAwaiting(step.ID, "wait token is "+token.ExternalStatus)
	}
	g, err := e.graphFor(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, step.ID, exec.SubjectID)
	logger := logging.LogWith(ctx, e.logger)
	now := e.now()

	decision := map[string]any{
		"outcome":    d.Outcome,
		"actor":      d.Actor,
		"comment":    d.Comment,
		"data":       d.Data,
		"decided_at": now.Format(time.RFC3339Nano),
	}
	newCtx := expressions.DeepCopyMap(exec.Context)
	if newCtx == nil {
		newCtx = map[string]any{}
	}
	decisions, _ := newCtx["decisions"].(map[string]any)
	if decisions == nil {
		decisions = map[string]any{}
	}
	decisions[step.NodeID] = decision
	newCtx["decisions"] = decisions
	newCtx["decision"] = d.Outcome

	// The edge is chosen before committing so that a definition that cannot
	// route the decision fails together with recording it.
	to := schema.ExecutionRunning
	current := step.NodeID
	var routeErr error
	edge, err := e.selectEdge(ctx, g, step.NodeID, newCtx)
	switch {
	case err != nil:
		routeErr = err
	case edge == nil:
		to = schema.ExecutionCompleted
	default:
		if _, err := g.Node(edge.Target); err != nil {
			routeErr = err
		} else {
			current = edge.Target
		}
	}
	if routeErr != nil {
		to = schema.ExecutionFailed
	}

	output := map[string]any{}
	if len(step.OutputData) > 0 {
		_ = json.Unmarshal(step.OutputData, &output)
	}
	output["decision"] = decision
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decision is not JSON-encodable").WithCause(err)
	}

	update := store.ExecutionUpdate{
		From:          schema.ExecutionWaiting,
		To:            to,
		CurrentNodeID: &current,
		Context:       newCtx,
	}
	if to != schema.ExecutionRunning {
		update.CompletedAt = &now
	}
	if routeErr != nil {
		msg := routeErr.Error()
		update.ErrorMessage = &msg
	}

	err = e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		if err := tx.TransitionWaitToken(ctx, token.ID, schema.TokenPending, schema.TokenConsumed, now); err != nil {
			return err
		}
		if err := e.stepFSM.Transition(ctx, rec, exec.ID, step.ID, schema.StepWaitingExternal, schema.StepCompleted, decision); err != nil {
			return err
		}
		if err := tx.UpdateStep(ctx, step.ID, store.StepUpdate{
			From:        schema.StepWaitingExternal,
			To:          schema.StepCompleted,
			OutputData:  outputJSON,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		if err := rec.event(ctx, exec.ID, step.ID, schema.EventDecisionRecorded, decision); err != nil {
			return err
		}
		payload := map[string]any{"node_id": current, "step_id": step.ID, "outcome": d.Outcome}
		if routeErr != nil {
			payload["error"] = routeErr.Error()
		}
		if err := e.execFSM.Transition(ctx, rec, exec.ID, schema.ExecutionWaiting, to, payload); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, exec.ID, update); err != nil {
			return err
		}
		return tx.UpdateSubjectState(ctx, exec.SubjectID, string(to), newCtx)
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		if latest, gerr := e.store.GetExecution(ctx, exec.ID); gerr == nil && latest.Status == schema.ExecutionCancelled {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "execution %s was cancelled", exec.ID).WithStep(step.ID)
		}
		return nil, notAwaiting(step.ID, "decision lost a concurrent transition").WithCause(err)
	}
	if err != nil {
		return nil, err
	}

	exec.Status = to
	exec.CurrentNodeID = current
	exec.Context = newCtx
	logger.Info("decision recorded", "node_id", step.NodeID, "outcome", d.Outcome, "status", to)

	result := &ResumeResult{ExecutionID: exec.ID, Status: to}
	if routeErr != nil {
		result.Error = routeErr.Error()
		return result, nil
	}
	if to != schema.ExecutionRunning {
		return result, nil
	}

	outcome, runErr := e.run(ctx, exec, g)
	switch {
	case outcome == queue.OutcomeYield, runErr != nil && queue.IsRetryable(runErr):
		result.Continued = e.continueLater(ctx, exec)
	case runErr != nil:
		result.Error = runErr.Error()
	}
	result.Status = exec.Status
	return result, nil
}

// continueLater hands a running execution to the queue.
func (e *Engine) continueLater(ctx context.Context, exec *store.Execution) bool {
	logger := logging.LogWith(ctx, e.logger)
	if e.continuer == nil {
		logger.Warn("no continuation queue configured; execution left running", "node_id", exec.CurrentNodeID)
		return false
	}
	item, err := e.continuer.EnqueueContinuation(ctx, exec)
	if err != nil {
		logger.Error("enqueue continuation", "node_id", exec.CurrentNodeID, "error", err)
		return false
	}
	logger.Info("execution continued on queue", "queue_item_id", item.ID, "node_id", exec.CurrentNodeID)
	return true
}

// ExpireWait expires a pending wait token: the token becomes expired, its
// step failed and the execution failed, in one transaction. It reports
// whether this call did the expiry; a token that already left pending, or a
// concurrent Resume or Cancel that won, yields false without error.
func (e *Engine) ExpireWait(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.expire_wait", trace.WithAttributes(
		attribute.String("credflow.token_id", tokenID),
	))
	defer span.End()

	token, err := e.store.GetWaitToken(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if token.ExternalStatus != schema.TokenPending {
		return false, nil
	}
	exec, err := e.store.GetExecution(ctx, token.ExecutionID)
	if err != nil {
		return false, err
	}

	msg := fmt.Sprintf("%s expired: no decision before %s", token.Kind, token.Deadline.UTC().Format(time.RFC3339))
	payload := map[string]any{
		"token_id":        token.ID,
		"kind":            token.Kind,
		"correlation_ref": token.CorrelationRef,
		"deadline":        token.Deadline,
		"error":           msg,
	}
	ctx = logging.WithIDs(ctx, exec.ID, token.StepExecutionID, exec.SubjectID)

	err = e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		if err := tx.TransitionWaitToken(ctx, token.ID, schema.TokenPending, schema.TokenExpired, now); err != nil {
			return err
		}
		if err := e.stepFSM.Transition(ctx, rec, exec.ID, token.StepExecutionID, schema.StepWaitingExternal, schema.StepFailed, payload); err != nil {
			return err
		}
		if err := tx.UpdateStep(ctx, token.StepExecutionID, store.StepUpdate{
			From:         schema.StepWaitingExternal,
			To:           schema.StepFailed,
			ErrorMessage: msg,
			CompletedAt:  &now,
		}); err != nil {
			return err
		}
		if token.Kind == schema.WaitSignature {
			if err := rec.event(ctx, exec.ID, token.StepExecutionID, schema.EventSignatureExpired, payload); err != nil {
				return err
			}
		}
		if err := e.execFSM.Transition(ctx, rec, exec.ID, schema.ExecutionWaiting, schema.ExecutionFailed, payload); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			From:         schema.ExecutionWaiting,
			To:           schema.ExecutionFailed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); err != nil {
			return err
		}
		return tx.UpdateSubjectState(ctx, exec.SubjectID, string(schema.ExecutionFailed), exec.Context)
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logging.LogWith(ctx, e.logger).Warn("wait expired", "kind", token.Kind, "deadline", token.Deadline)
	return true, nil
}

func notAwaiting(stepID, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotAwaitingDecision, "step %s is not awaiting a decision: %s", stepID, reason).
		WithStep(stepID)
}
