package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// cancelAttempts bounds how often Cancel re-reads an execution that a
// concurrent turn moved between its read and its compare-and-swap.
const cancelAttempts = 3

// Cancel moves a non-terminal execution to cancelled. Pending wait tokens are
// cancelled and open wait steps skipped in the same transaction. A terminal
// execution is rejected with CONFLICT.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	ctx, span := e.tracer.Start(ctx, "engine.cancel", trace.WithAttributes(
		attribute.String("credflow.execution_id", executionID),
	))
	defer span.End()

	var (
		exec *store.Execution
		open int
		err  error
	)
	for range cancelAttempts {
		exec, open, err = e.cancelOnce(ctx, executionID, reason)
		lostRace := exec != nil && !exec.Status.Terminal() && schema.HasCode(err, schema.ErrCodeConflict)
		if !lostRace {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, "", exec.SubjectID)
	logging.LogWith(ctx, e.logger).Info("execution cancelled", "reason", reason, "open_waits", open)
	return e.store.GetExecution(ctx, exec.ID)
}

// cancelOnce reads the execution and its pending tokens and cancels them in
// one transaction. It returns the execution as read, so the caller can tell a
// terminal execution from a lost compare-and-swap.
func (e *Engine) cancelOnce(ctx context.Context, executionID, reason string) (*store.Execution, int, error) {
	var (
		exec   *store.Execution
		tokens []*store.WaitToken
	)
	now := e.now()
	msg := "cancelled: " + reason

	err := e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		var err error
		if exec, err = tx.GetExecution(ctx, executionID); err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", exec.ID, exec.Status)
		}
		tokens, err = tx.ListWaitTokens(ctx, store.TokenFilter{
			ExecutionID:    exec.ID,
			ExternalStatus: schema.TokenPending,
		})
		if err != nil {
			return err
		}

		payload := map[string]any{"reason": reason, "node_id": exec.CurrentNodeID}
		for _, tok := range tokens {
			if err := tx.TransitionWaitToken(ctx, tok.ID, schema.TokenPending, schema.TokenCancelled, now); err != nil {
				return err
			}
			if err := e.stepFSM.Transition(ctx, rec, exec.ID, tok.StepExecutionID,
				schema.StepWaitingExternal, schema.StepSkipped, payload); err != nil {
				return err
			}
			if err := tx.UpdateStep(ctx, tok.StepExecutionID, store.StepUpdate{
				From:         schema.StepWaitingExternal,
				To:           schema.StepSkipped,
				ErrorMessage: msg,
				CompletedAt:  &now,
			}); err != nil {
				return err
			}
		}
		if err := e.execFSM.Transition(ctx, rec, exec.ID, exec.Status, schema.ExecutionCancelled, payload); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			From:         exec.Status,
			To:           schema.ExecutionCancelled,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); err != nil {
			return err
		}
		return tx.UpdateSubjectState(ctx, exec.SubjectID, string(schema.ExecutionCancelled), exec.Context)
	})
	return exec, len(tokens), err
}
