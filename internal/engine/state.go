package engine

import (
	"context"
	"time"

	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// ExecutionState is a read-only view of an execution for dashboards.
type ExecutionState struct {
	Execution     *store.Execution `json:"execution"`
	Steps         []*StepState     `json:"steps"`
	CompletionPct float64          `json:"completion_pct"`
	RetryCount    int              `json:"retry_count"`
	RetryCap      int              `json:"retry_cap"`
	// BlockedBy is the wait the execution is parked on, if any.
	BlockedBy *WaitRef `json:"blocked_by,omitempty"`
}

// StepState is a step row annotated for display.
type StepState struct {
	*store.StepExecution
	DurationMs int64    `json:"duration_ms"`
	RetryCount int      `json:"retry_count"`
	RetryCap   int      `json:"retry_cap"`
	BlockedBy  *WaitRef `json:"blocked_by,omitempty"`
}

// WaitRef identifies the external wait blocking a step.
type WaitRef struct {
	TokenID        string          `json:"token_id"`
	Kind           schema.WaitKind `json:"kind"`
	Deadline       time.Time       `json:"deadline"`
	Status         string          `json:"status"`
	CorrelationRef string          `json:"correlation_ref,omitempty"`
}

// State returns the execution, its ordered steps and progress figures.
func (e *Engine) State(ctx context.Context, executionID string) (*ExecutionState, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	tokens, err := e.store.ListWaitTokens(ctx, store.TokenFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	byStep := make(map[string]*store.WaitToken, len(tokens))
	for _, t := range tokens {
		byStep[t.StepExecutionID] = t
	}

	st := &ExecutionState{Execution: exec, Steps: make([]*StepState, 0, len(steps))}
	if subj, err := e.store.GetSubject(ctx, exec.SubjectID); err == nil {
		st.RetryCount = subj.RetryCount
		st.RetryCap = subj.RetryCap
	} else if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	now := e.now()
	completed := 0
	for _, s := range steps {
		end := now
		if s.CompletedAt != nil {
			end = *s.CompletedAt
		}
		ss := &StepState{
			StepExecution: s,
			DurationMs:    end.Sub(s.StartedAt).Milliseconds(),
			RetryCount:    st.RetryCount,
			RetryCap:      st.RetryCap,
		}
		if s.Status == schema.StepCompleted {
			completed++
		}
		if tok, ok := byStep[s.ID]; ok && s.Status == schema.StepWaitingExternal {
			ss.BlockedBy = &WaitRef{
				TokenID:        tok.ID,
				Kind:           tok.Kind,
				Deadline:       tok.Deadline,
				Status:         tok.ExternalStatus,
				CorrelationRef: tok.CorrelationRef,
			}
			st.BlockedBy = ss.BlockedBy
		}
		st.Steps = append(st.Steps, ss)
	}
	if len(steps) > 0 {
		st.CompletionPct = float64(completed) / float64(len(steps)) * 100
	}
	return st, nil
}

// ListExecutions returns executions matching filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the audit trail of an execution.
func (e *Engine) Events(ctx context.Context, executionID string) ([]*store.Event, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.events.Timeline(ctx, executionID)
}
