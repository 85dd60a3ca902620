package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/credflow/pkg/schema"
)

// --- Executions ---

const executionColumns = `id, definition_id, definition_version, subject_id, queue_item_id, status,
	current_node_id, context, error_message, last_notified_tier, last_notified_at,
	created_at, started_at, completed_at, updated_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	ctxJSON, err := marshalMapOrDefault(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err = s.exec(ctx,
		`INSERT INTO executions (id, definition_id, definition_version, subject_id, queue_item_id, status,
		   current_node_id, context, error_message, last_notified_tier, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, exec.SubjectID, nullStr(exec.QueueItemID),
		string(exec.Status), nullStr(exec.CurrentNodeID), string(ctxJSON), nullStr(exec.ErrorMessage),
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	if s.d.isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, nil
}

func (s *SQLStore) GetExecutionByQueueItem(ctx context.Context, queueItemID string) (*Execution, error) {
	exec, err := scanExecution(s.queryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE queue_item_id = ? ORDER BY created_at DESC LIMIT 1`,
		queueItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution for queue item", queueItemID)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, nil
}

// UpdateExecution applies update only while the execution is in update.From.
func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(update.To), time.Now().UTC()}

	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Context != nil {
		ctxJSON, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal execution context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(ctxJSON))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	args = append(args, id, string(update.From))

	res, err := s.exec(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update execution", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q is %s, expected %s", id, current.Status, update.From).
		WithDetails(map[string]any{"execution_id": id, "status": string(current.Status), "expected": string(update.From)})
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *SQLStore) ClaimNotificationTier(ctx context.Context, id string, tier schema.SLATier, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE executions SET last_notified_tier = ?, last_notified_at = ?, updated_at = ?
		 WHERE id = ? AND last_notified_tier < ?`,
		int(tier), at.UTC(), time.Now().UTC(), id, int(tier),
	)
	if err != nil {
		return false, storeErr("claim notification tier", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claim notification tier", err)
	}
	return n > 0, nil
}

func scanExecution(row scanner) (*Execution, error) {
	e := &Execution{}
	var (
		queueItemID, currentNode, errMsg sql.NullString
		ctxJSON                          string
		status                           string
		tier                             int
		notifiedAt, startedAt, doneAt    sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.DefinitionID, &e.DefinitionVersion, &e.SubjectID, &queueItemID, &status,
		&currentNode, &ctxJSON, &errMsg, &tier, &notifiedAt,
		&e.CreatedAt, &startedAt, &doneAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.QueueItemID = queueItemID.String
	e.Status = schema.ExecutionStatus(status)
	e.CurrentNodeID = currentNode.String
	e.ErrorMessage = errMsg.String
	e.LastNotifiedTier = schema.SLATier(tier)
	e.LastNotifiedAt = timePtr(notifiedAt)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(doneAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()

	m, err := unmarshalMap(ctxJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	e.Context = m
	return e, nil
}

// --- Steps ---

const stepColumns = `id, execution_id, sequence, node_id, node_type, status, input_snapshot,
	output_data, error_message, started_at, completed_at`

// AppendStep inserts step with the next sequence number for its execution.
func (s *SQLStore) AppendStep(ctx context.Context, step *StepExecution) error {
	return s.InTx(ctx, func(tx Store) error {
		t := tx.(*SQLStore)
		if err := t.queryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM step_executions WHERE execution_id = ?`, step.ExecutionID,
		).Scan(&step.Sequence); err != nil {
			return storeErr("next step sequence", err)
		}
		step.StartedAt = timeOrNow(step.StartedAt)
		_, err := t.exec(ctx,
			`INSERT INTO step_executions (id, execution_id, sequence, node_id, node_type, status,
			   input_snapshot, output_data, error_message, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.ExecutionID, step.Sequence, step.NodeID, string(step.NodeType), string(step.Status),
			nullRaw(step.InputSnapshot), nullRaw(step.OutputData), nullStr(step.ErrorMessage),
			step.StartedAt, nullTime(step.CompletedAt),
		)
		if t.d.isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step sequence %d of execution %q was taken concurrently", step.Sequence, step.ExecutionID)
		}
		if err != nil {
			return storeErr("insert step", err)
		}
		return nil
	})
}

func (s *SQLStore) GetStep(ctx context.Context, id string) (*StepExecution, error) {
	step, err := scanStep(s.queryRow(ctx, `SELECT `+stepColumns+` FROM step_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step", id)
	}
	if err != nil {
		return nil, storeErr("get step", err)
	}
	return step, nil
}

func (s *SQLStore) ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.query(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY sequence`, executionID)
	if err != nil {
		return nil, storeErr("list steps", err)
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStep applies update only while the step is in update.From.
func (s *SQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(update.To)}
	if len(update.OutputData) > 0 {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, update.ErrorMessage)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	args = append(args, id, string(update.From))

	res, err := s.exec(ctx,
		`UPDATE step_executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return storeErr("update step", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update step", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetStep(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "step %q is %s, expected %s", id, current.Status, update.From)
}

func scanStep(row scanner) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		nodeType, status          string
		input, output, errMessage sql.NullString
		completedAt               sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.Sequence, &st.NodeID, &nodeType, &status,
		&input, &output, &errMessage, &st.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	st.NodeType = schema.NodeType(nodeType)
	st.Status = schema.StepStatus(status)
	st.InputSnapshot = rawOrNil(input)
	st.OutputData = rawOrNil(output)
	st.ErrorMessage = errMessage.String
	st.StartedAt = st.StartedAt.UTC()
	st.CompletedAt = timePtr(completedAt)
	return st, nil
}

// --- Wait tokens ---

const tokenColumns = `id, step_execution_id, execution_id, kind, external_status, correlation_ref,
	deadline, warned_at, resolved_at, created_at`

func (s *SQLStore) CreateWaitToken(ctx context.Context, token *WaitToken) error {
	token.CreatedAt = timeOrNow(token.CreatedAt)
	if token.ExternalStatus == "" {
		token.ExternalStatus = schema.TokenPending
	}
	_, err := s.exec(ctx,
		`INSERT INTO wait_tokens (id, step_execution_id, execution_id, kind, external_status,
		   correlation_ref, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.StepExecutionID, token.ExecutionID, string(token.Kind), token.ExternalStatus,
		nullStr(token.CorrelationRef), token.Deadline.UTC(), token.CreatedAt,
	)
	if s.d.isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already has a wait token", token.StepExecutionID)
	}
	if err != nil {
		return storeErr("insert wait token", err)
	}
	return nil
}

func (s *SQLStore) GetWaitToken(ctx context.Context, id string) (*WaitToken, error) {
	tok, err := scanToken(s.queryRow(ctx, `SELECT `+tokenColumns+` FROM wait_tokens WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("wait token", id)
	}
	if err != nil {
		return nil, storeErr("get wait token", err)
	}
	return tok, nil
}

func (s *SQLStore) GetWaitTokenByStep(ctx context.Context, stepExecutionID string) (*WaitToken, error) {
	tok, err := scanToken(s.queryRow(ctx,
		`SELECT `+tokenColumns+` FROM wait_tokens WHERE step_execution_id = ?`, stepExecutionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("wait token for step", stepExecutionID)
	}
	if err != nil {
		return nil, storeErr("get wait token", err)
	}
	return tok, nil
}

func (s *SQLStore) ListWaitTokens(ctx context.Context, filter TokenFilter) ([]*WaitToken, error) {
	var where []string
	var args []any
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ExternalStatus != "" {
		where = append(where, "external_status = ?")
		args = append(args, filter.ExternalStatus)
	}

	query := `SELECT ` + tokenColumns + ` FROM wait_tokens`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deadline, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list wait tokens", err)
	}
	defer rows.Close()

	var tokens []*WaitToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// TransitionWaitToken moves a token out of from. It fails with CONFLICT when
// another caller already moved it.
func (s *SQLStore) TransitionWaitToken(ctx context.Context, id, from, to string, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE wait_tokens SET external_status = ?, resolved_at = ? WHERE id = ? AND external_status = ?`,
		to, at.UTC(), id, from,
	)
	if err != nil {
		return storeErr("transition wait token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transition wait token", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetWaitToken(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "wait token %q is %s, expected %s", id, current.ExternalStatus, from).
		WithDetails(map[string]any{"token_id": id, "external_status": current.ExternalStatus})
}

func (s *SQLStore) MarkTokenWarned(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE wait_tokens SET warned_at = ? WHERE id = ? AND warned_at IS NULL AND external_status = ?`,
		at.UTC(), id, schema.TokenPending,
	)
	if err != nil {
		return false, storeErr("mark token warned", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark token warned", err)
	}
	return n > 0, nil
}

func scanToken(row scanner) (*WaitToken, error) {
	t := &WaitToken{}
	var (
		kind               string
		correlation        sql.NullString
		warnedAt, resolved sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.StepExecutionID, &t.ExecutionID, &kind, &t.ExternalStatus, &correlation,
		&t.Deadline, &warnedAt, &resolved, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = schema.WaitKind(kind)
	t.CorrelationRef = correlation.String
	t.Deadline = t.Deadline.UTC()
	t.WarnedAt = timePtr(warnedAt)
	t.ResolvedAt = timePtr(resolved)
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}
