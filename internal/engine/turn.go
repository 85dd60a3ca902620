package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/graph"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// advance is the outcome of visiting one node: what to persist and where the
// execution goes next.
type advance struct {
	step        *store.StepExecution
	stepPayload any
	// next is the node the execution moves to. For a wait it is the wait node
	// itself; for a terminal advance it is the node the execution ends on.
	next     string
	terminal bool
	edge     *schema.WorkflowEdge
	outcome  string
	wait     *store.WaitToken
	// context replaces the execution context when non-nil.
	context map[string]any
	extra   []extraEvent
}

type extraEvent struct {
	eventType string
	payload   any
}

// run advances exec from its current node until it waits, terminates, fails
// or hits the per-turn cap.
func (e *Engine) run(ctx context.Context, exec *store.Execution, g *graph.Graph) (queue.Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("credflow.execution_id", exec.ID),
		attribute.String("credflow.node_id", exec.CurrentNodeID),
	))
	defer span.End()

	for advanced := 0; ; advanced++ {
		if advanced >= e.cfg.MaxNodesPerTurn {
			e.appendEvent(ctx, exec.ID, "", schema.EventExecutionYielded,
				map[string]any{"node_id": exec.CurrentNodeID, "advanced": advanced})
			span.SetAttributes(attribute.Bool("credflow.yielded", true))
			return queue.OutcomeYield, nil
		}

		adv, err := e.visit(ctx, exec, g)
		if err == nil {
			err = e.commit(ctx, exec, adv)
			if schema.HasCode(err, schema.ErrCodeConflict) && e.lostRace(ctx, exec) {
				return queue.OutcomeDone, nil
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return queue.OutcomeDone, e.turnFailed(ctx, exec, g, err)
		}
		if exec.Status != schema.ExecutionRunning {
			span.SetAttributes(attribute.String("credflow.status", string(exec.Status)))
			return queue.OutcomeDone, nil
		}
	}
}

// lostRace reports whether a failed CAS means the execution left running,
// typically through Cancel, in which case the turn simply stops.
func (e *Engine) lostRace(ctx context.Context, exec *store.Execution) bool {
	current, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil || current.Status == schema.ExecutionRunning {
		return false
	}
	logging.LogWith(ctx, e.logger).Info("turn stopped: execution left running", "status", current.Status)
	*exec = *current
	return true
}

// turnFailed applies the error policy. Transient errors leave the execution
// running at the same node, without a step row, for the Dispatcher to retry.
// Anything else fails the execution with a failed step for the current node.
func (e *Engine) turnFailed(ctx context.Context, exec *store.Execution, g *graph.Graph, cause error) error {
	logger := logging.LogWith(ctx, e.logger).With("node_id", exec.CurrentNodeID)

	if queue.IsRetryable(cause) {
		msg := cause.Error()
		err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			From:         schema.ExecutionRunning,
			To:           schema.ExecutionRunning,
			ErrorMessage: &msg,
		})
		if err != nil {
			logger.Warn("record transient error", "error", err)
		} else {
			exec.ErrorMessage = msg
		}
		logger.Warn("turn interrupted by transient error", "error", cause)
		return cause
	}

	node := g.Definition().NodeByID(exec.CurrentNodeID)
	if node != nil && node.Type == schema.NodeTypeEnd {
		node = nil
	}
	if err := e.failExecution(ctx, exec, node, cause); err != nil {
		logger.Error("record execution failure", "error", err, "cause", cause)
		return err
	}
	return cause
}

// commit persists adv in one transaction guarded on the execution still
// being running, then applies it to exec.
func (e *Engine) commit(ctx context.Context, exec *store.Execution, adv *advance) error {
	now := e.now()
	to := schema.ExecutionRunning
	switch {
	case adv.wait != nil:
		to = schema.ExecutionWaiting
	case adv.terminal:
		to = schema.ExecutionCompleted
	}
	newCtx := exec.Context
	if adv.context != nil {
		newCtx = adv.context
	}

	update := store.ExecutionUpdate{
		From:          schema.ExecutionRunning,
		To:            to,
		CurrentNodeID: &adv.next,
		Context:       adv.context,
	}
	if exec.ErrorMessage != "" {
		cleared := ""
		update.ErrorMessage = &cleared
	}
	if to == schema.ExecutionCompleted {
		update.CompletedAt = &now
	}

	err := e.inTx(ctx, func(tx store.Store, rec *recorder) error {
		if adv.step != nil {
			if err := tx.AppendStep(ctx, adv.step); err != nil {
				return err
			}
			if err := e.stepFSM.Enter(ctx, rec, adv.step, adv.stepPayload); err != nil {
				return err
			}
		}
		stepID := ""
		if adv.step != nil {
			stepID = adv.step.ID
		}
		for _, x := range adv.extra {
			if err := rec.event(ctx, exec.ID, stepID, x.eventType, x.payload); err != nil {
				return err
			}
		}
		if adv.wait != nil {
			if err := tx.CreateWaitToken(ctx, adv.wait); err != nil {
				return err
			}
		}
		if to != schema.ExecutionRunning {
			payload := map[string]any{"node_id": adv.next}
			if adv.outcome != "" {
				payload["outcome"] = adv.outcome
			}
			if adv.wait != nil {
				payload["wait_token_id"] = adv.wait.ID
				payload["kind"] = adv.wait.Kind
			}
			if err := e.execFSM.Transition(ctx, rec, exec.ID, schema.ExecutionRunning, to, payload); err != nil {
				return err
			}
		}
		if err := tx.UpdateExecution(ctx, exec.ID, update); err != nil {
			return err
		}
		if to != schema.ExecutionRunning {
			return tx.UpdateSubjectState(ctx, exec.SubjectID, string(to), newCtx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	exec.Status = to
	exec.CurrentNodeID = adv.next
	exec.Context = newCtx
	exec.ErrorMessage = ""
	if to == schema.ExecutionCompleted {
		exec.CompletedAt = &now
		logging.LogWith(ctx, e.logger).Info("execution completed", "node_id", adv.next)
	}
	return nil
}

// visit evaluates the current node. It performs the node's side effect
// (collaborator call, gateway initiation) but persists nothing.
func (e *Engine) visit(ctx context.Context, exec *store.Execution, g *graph.Graph) (*advance, error) {
	node, err := g.Node(exec.CurrentNodeID)
	if err != nil {
		return nil, err
	}

	switch cfg := node.Config.(type) {
	case schema.StartConfig:
		return e.visitStart(ctx, exec, g, node)
	case schema.FormConfig:
		return e.visitForm(ctx, exec, g, node, cfg)
	case schema.NotificationConfig:
		return e.visitNotification(ctx, exec, g, node, cfg)
	case schema.ConditionConfig:
		return e.visitCondition(ctx, exec, g, node)
	case schema.ApprovalConfig:
		return e.visitWait(ctx, exec, node, schema.WaitApproval, cfg.Deadline.D(), func(ctx context.Context, stepID string) (SignatureReceipt, error) {
			ref, err := e.gateway.InitiateApproval(ctx, ApprovalRequest{
				ExecutionID: exec.ID,
				StepID:      stepID,
				SubjectID:   exec.SubjectID,
				NodeID:      node.ID,
				Approvers:   cfg.Approvers,
				Context:     expressions.DeepCopyMap(exec.Context),
			})
			return SignatureReceipt{CorrelationRef: ref}, err
		})
	case schema.SignatureConfig:
		return e.visitWait(ctx, exec, node, schema.WaitSignature, cfg.Deadline.D(), func(ctx context.Context, stepID string) (SignatureReceipt, error) {
			return e.gateway.InitiateSignature(ctx, SignatureRequest{
				ExecutionID: exec.ID,
				StepID:      stepID,
				SubjectID:   exec.SubjectID,
				NodeID:      node.ID,
				Document:    cfg.Document,
				Signers:     cfg.Signers,
				Context:     expressions.DeepCopyMap(exec.Context),
			})
		})
	case schema.EndConfig:
		// Reaching end is the implicit terminal transition; it appends no step.
		return &advance{next: node.ID, terminal: true, outcome: cfg.Outcome}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedDefinition,
			"node %q has unsupported config %T", node.ID, node.Config)
	}
}

func (e *Engine) visitStart(ctx context.Context, exec *store.Execution, g *graph.Graph, node *graph.Node) (*advance, error) {
	step, err := e.newStep(exec, node, schema.StepCompleted)
	if err != nil {
		return nil, err
	}
	return e.follow(ctx, g, node, exec.Context, &advance{step: step})
}

func (e *Engine) visitForm(ctx context.Context, exec *store.Execution, g *graph.Graph, node *graph.Node, cfg schema.FormConfig) (*advance, error) {
	result, err := e.forms.Collect(ctx, FormRequest{
		ExecutionID: exec.ID,
		SubjectID:   exec.SubjectID,
		NodeID:      node.ID,
		FormKey:     cfg.FormKey,
		Context:     expressions.DeepCopyMap(exec.Context),
	})
	if err != nil {
		return nil, transient(err, "form %q collaborator failed", node.ID)
	}
	if cfg.ResultMapping != "" {
		if result, err = e.mapper.Map(ctx, cfg.ResultMapping, result); err != nil {
			return nil, err
		}
	}

	key := cfg.ResultKey
	if key == "" {
		key = node.ID
	}
	newCtx := expressions.DeepCopyMap(exec.Context)
	if newCtx == nil {
		newCtx = map[string]any{}
	}
	newCtx[key] = result

	step, err := e.newStep(exec, node, schema.StepCompleted)
	if err != nil {
		return nil, err
	}
	if step.OutputData, err = json.Marshal(map[string]any{"result_key": key, "result": result}); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "form result is not JSON-encodable").WithCause(err)
	}
	return e.follow(ctx, g, node, newCtx, &advance{step: step, context: newCtx})
}

func (e *Engine) visitNotification(ctx context.Context, exec *store.Execution, g *graph.Graph, node *graph.Node, cfg schema.NotificationConfig) (*advance, error) {
	scope := e.scope(ctx, exec, g)
	recipient, err := expressions.Render(cfg.Recipient, scope)
	if err != nil {
		return nil, err
	}
	message, err := expressions.Render(cfg.Message, scope)
	if err != nil {
		return nil, err
	}

	output := map[string]any{"recipient": recipient, "delivered": true}
	if err := e.notifier.Send(ctx, recipient, message); err != nil {
		logging.LogWith(ctx, e.logger).Warn("notification failed",
			"node_id", node.ID, "recipient", recipient, "required", cfg.Required, "error", err)
		e.appendEvent(ctx, exec.ID, "", schema.EventNotificationFailed, map[string]any{
			"node_id": node.ID, "recipient": recipient, "required": cfg.Required, "error": err.Error(),
		})
		if cfg.Required {
			return nil, transient(err, "required notification %q failed", node.ID)
		}
		output["delivered"] = false
		output["error"] = err.Error()
	}

	step, err := e.newStep(exec, node, schema.StepCompleted)
	if err != nil {
		return nil, err
	}
	step.OutputData, _ = json.Marshal(output)
	return e.follow(ctx, g, node, exec.Context, &advance{step: step})
}

func (e *Engine) visitCondition(ctx context.Context, exec *store.Execution, g *graph.Graph, node *graph.Node) (*advance, error) {
	step, err := e.newStep(exec, node, schema.StepCompleted)
	if err != nil {
		return nil, err
	}
	adv, err := e.follow(ctx, g, node, exec.Context, &advance{step: step})
	if err != nil {
		return nil, err
	}

	chosen := map[string]any{"node_id": node.ID, "target": nil, "edge_id": nil}
	if adv.edge != nil {
		chosen["edge_id"] = adv.edge.ID
		chosen["target"] = adv.edge.Target
		chosen["guard"] = adv.edge.Guard
	}
	step.OutputData, _ = json.Marshal(chosen)
	adv.extra = append(adv.extra, extraEvent{eventType: schema.EventConditionEvaluated, payload: chosen})
	return adv, nil
}

// visitWait initiates the external process of a wait node. The step id is
// allocated before the gateway call so the vendor can correlate it. A failed
// initiation writes nothing and is retried by the Dispatcher.
func (e *Engine) visitWait(ctx context.Context, exec *store.Execution, node *graph.Node, kind schema.WaitKind,
	deadline time.Duration, initiate func(ctx context.Context, stepID string) (SignatureReceipt, error)) (*advance, error) {
	if err := e.breakers.Allow(kind); err != nil {
		return nil, err
	}

	stepID := uuid.NewString()
	callCtx, span := e.tracer.Start(ctx, "engine.gateway."+string(kind), trace.WithAttributes(
		attribute.String("credflow.step_id", stepID),
	))
	receipt, err := initiate(callCtx, stepID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		state := e.breakers.Failure(kind)
		e.appendEvent(ctx, exec.ID, "", schema.EventGatewayFailed,
			map[string]any{"node_id": node.ID, "kind": kind, "error": err.Error()})
		if state == CircuitOpen {
			e.appendEvent(ctx, exec.ID, "", schema.EventCircuitBreakerOpen, e.breakers.Snapshot(kind))
		}
		return nil, transient(err, "%s gateway failed for node %q", kind, node.ID)
	}
	span.End()
	e.breakers.Success(kind)

	if deadline <= 0 {
		deadline = e.cfg.DefaultWaitDeadline
	}
	now := e.now()

	step, err := e.newStep(exec, node, schema.StepWaitingExternal)
	if err != nil {
		return nil, err
	}
	step.ID = stepID
	step.OutputData, _ = json.Marshal(map[string]any{
		"correlation_ref": receipt.CorrelationRef,
		"signers":         receipt.Signers,
	})

	return &advance{
		step:        step,
		stepPayload: map[string]any{"kind": kind, "correlation_ref": receipt.CorrelationRef},
		next:        node.ID,
		wait: &store.WaitToken{
			ID:              uuid.NewString(),
			StepExecutionID: stepID,
			ExecutionID:     exec.ID,
			Kind:            kind,
			ExternalStatus:  schema.TokenPending,
			CorrelationRef:  receipt.CorrelationRef,
			Deadline:        now.Add(deadline),
			CreatedAt:       now,
		},
	}, nil
}

// follow completes adv with the edge taken out of node given data. A node
// without outgoing edges is an implicit terminal.
func (e *Engine) follow(ctx context.Context, g *graph.Graph, node *graph.Node, data map[string]any, adv *advance) (*advance, error) {
	edge, err := e.selectEdge(ctx, g, node.ID, data)
	if err != nil {
		return nil, err
	}
	if edge == nil {
		adv.next = node.ID
		adv.terminal = true
		return adv, nil
	}
	if _, err := g.Node(edge.Target); err != nil {
		return nil, err
	}
	adv.next = edge.Target
	adv.edge = edge
	return adv, nil
}

// selectEdge picks the outgoing edge of nodeID: the first guarded edge, in
// priority order, whose guard holds; otherwise the first unguarded edge. It
// returns nil, nil when the node has no outgoing edges.
func (e *Engine) selectEdge(ctx context.Context, g *graph.Graph, nodeID string, data map[string]any) (*schema.WorkflowEdge, error) {
	edges := g.Outgoing(nodeID)
	if len(edges) == 0 {
		return nil, nil
	}

	var fallback *schema.WorkflowEdge
	for i := range edges {
		edge := &edges[i]
		if edge.Guard == "" {
			if fallback == nil {
				fallback = edge
			}
			continue
		}
		ok, err := e.guards.EvaluateBool(ctx, edge.Guard, data)
		if err != nil {
			return nil, err
		}
		if ok {
			return edge, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}

	ids := make([]string, len(edges))
	for i, edge := range edges {
		ids[i] = edge.ID
	}
	return nil, schema.NewErrorf(schema.ErrCodeNoMatchingBranch,
		"no outgoing edge of node %q matched", nodeID).
		WithDetails(map[string]any{"node_id": nodeID, "edges": ids})
}

func (e *Engine) newStep(exec *store.Execution, node *graph.Node, status schema.StepStatus) (*store.StepExecution, error) {
	snapshot, err := snapshotOf(exec.Context)
	if err != nil {
		return nil, err
	}
	now := e.now()
	step := &store.StepExecution{
		ID:            uuid.NewString(),
		ExecutionID:   exec.ID,
		NodeID:        node.ID,
		NodeType:      node.Type,
		Status:        status,
		InputSnapshot: snapshot,
		StartedAt:     now,
	}
	if status.Terminal() {
		step.CompletedAt = &now
	}
	return step, nil
}

// scope builds the template scope of a notification.
func (e *Engine) scope(ctx context.Context, exec *store.Execution, g *graph.Graph) *expressions.Scope {
	subject := map[string]any{"id": exec.SubjectID}
	if s, err := e.store.GetSubject(ctx, exec.SubjectID); err == nil {
		subject = SubjectVars(s)
	}
	return expressions.NewScope(exec.Context, ExecutionVars(exec), subject, DefinitionVars(g.Definition()))
}

// ExecutionVars is the "execution" namespace of templates and SLA rules.
func ExecutionVars(exec *store.Execution) map[string]any {
	return map[string]any{
		"id":                 exec.ID,
		"subject_id":         exec.SubjectID,
		"status":             string(exec.Status),
		"current_node_id":    exec.CurrentNodeID,
		"definition_id":      exec.DefinitionID,
		"definition_version": exec.DefinitionVersion,
	}
}

// SubjectVars is the "subject" namespace of templates and SLA rules.
func SubjectVars(s *store.Subject) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"status":      s.Status,
		"retry_count": s.RetryCount,
		"retry_cap":   s.RetryCap,
		"context":     expressions.DeepCopyMap(s.Context),
	}
}

// DefinitionVars is the "definition" namespace of templates and SLA rules.
func DefinitionVars(def *schema.WorkflowDefinition) map[string]any {
	return map[string]any{"id": def.ID, "version": def.Version, "name": def.Name}
}

func snapshotOf(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution context is not JSON-encodable").WithCause(err)
	}
	return b, nil
}

// transient wraps a collaborator failure as GATEWAY_UNAVAILABLE unless it
// already carries a retryable code.
func transient(err error, format string, args ...any) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.IsRetryable() {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, format, args...).
		WithDetails(map[string]any{"error": err.Error()}).
		WithCause(err)
}
