package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/credflow/pkg/schema"
)

const queueColumns = `id, subject_id, definition_id, definition_version, input_data, status, attempts,
	max_attempts, execution_id, worker_id, last_error, available_at, lease_expires_at, created_at, updated_at`

// CreateQueueItem inserts a pending item. The partial unique index on
// in-flight items turns a second pending item for the subject into CONFLICT.
func (s *SQLStore) CreateQueueItem(ctx context.Context, item *QueueItem) error {
	input, err := marshalMapOrDefault(item.InputData)
	if err != nil {
		return fmt.Errorf("marshal queue input: %w", err)
	}
	item.Status = schema.QueuePending
	item.CreatedAt = timeOrNow(item.CreatedAt)
	item.UpdatedAt = item.CreatedAt
	if item.AvailableAt.IsZero() {
		item.AvailableAt = item.CreatedAt
	}

	_, err = s.exec(ctx,
		`INSERT INTO queue_items (id, subject_id, definition_id, definition_version, input_data, status,
		   attempts, max_attempts, execution_id, available_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		item.ID, item.SubjectID, item.DefinitionID, item.DefinitionVersion, string(input), string(item.Status),
		item.MaxAttempts, nullStr(item.ExecutionID), millis(item.AvailableAt), item.CreatedAt, item.UpdatedAt,
	)
	if s.d.isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"subject %q already has a pending or processing queue item", item.SubjectID).
			WithDetails(map[string]any{"subject_id": item.SubjectID})
	}
	if err != nil {
		return storeErr("insert queue item", err)
	}
	return nil
}

func (s *SQLStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	item, err := scanQueueItem(s.queryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("queue item", id)
	}
	if err != nil {
		return nil, storeErr("get queue item", err)
	}
	return item, nil
}

func (s *SQLStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]*QueueItem, error) {
	var where []string
	var args []any
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + queueColumns + ` FROM queue_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.listQueueItems(ctx, query, args...)
}

// ClaimQueueItem moves the oldest available pending item to processing in a
// single statement. Postgres skips rows locked by concurrent claimers; libSQL
// serialises writers on its single connection.
func (s *SQLStore) ClaimQueueItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*QueueItem, error) {
	query := `UPDATE queue_items
		SET status = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = ? AND available_at <= ?
			ORDER BY created_at, id
			LIMIT 1` + s.d.claimLock() + `
		) AND status = ?
		RETURNING ` + queueColumns

	item, err := scanQueueItem(s.queryRow(ctx, query,
		string(schema.QueueProcessing), workerID, millis(now.Add(lease)), now.UTC(),
		string(schema.QueuePending), millis(now),
		string(schema.QueuePending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim queue item", err)
	}
	return item, nil
}

func (s *SQLStore) CompleteQueueItem(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE queue_items SET status = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.QueueCompleted), time.Now().UTC(), id, string(schema.QueueProcessing),
	)
	if err != nil {
		return storeErr("complete queue item", err)
	}
	return s.checkQueueTransition(ctx, res, id)
}

// FailQueueItem records a failed attempt. The item returns to pending at
// retryAt, or becomes failed once attempts reaches max_attempts.
func (s *SQLStore) FailQueueItem(ctx context.Context, id string, lastError string, retryAt time.Time) (*QueueItem, error) {
	item, err := scanQueueItem(s.queryRow(ctx,
		`UPDATE queue_items SET
		   attempts = attempts + 1,
		   status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
		   available_at = ?, last_error = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING `+queueColumns,
		string(schema.QueueFailed), string(schema.QueuePending),
		millis(retryAt), nullStr(lastError), time.Now().UTC(),
		id, string(schema.QueueProcessing),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.queueConflict(ctx, id)
	}
	if err != nil {
		return nil, storeErr("fail queue item", err)
	}
	return item, nil
}

// RequeueQueueItem returns a processing item to pending without consuming an
// attempt. executionID, when set, pins the item to the execution it yielded.
func (s *SQLStore) RequeueQueueItem(ctx context.Context, id string, executionID string, availableAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE queue_items SET status = ?, execution_id = COALESCE(?, execution_id), available_at = ?,
		   worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(schema.QueuePending), nullStr(executionID), millis(availableAt), time.Now().UTC(),
		id, string(schema.QueueProcessing),
	)
	if err != nil {
		return storeErr("requeue queue item", err)
	}
	return s.checkQueueTransition(ctx, res, id)
}

func (s *SQLStore) ListStaleQueueItems(ctx context.Context, now time.Time) ([]*QueueItem, error) {
	return s.listQueueItems(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE status = ? AND lease_expires_at < ? ORDER BY lease_expires_at`,
		string(schema.QueueProcessing), millis(now))
}

// FailStaleQueueItem fails an item only while its lease is still expired. It
// returns nil, nil when the worker completed or renewed the item first.
func (s *SQLStore) FailStaleQueueItem(ctx context.Context, id string, now time.Time, retryAt time.Time) (*QueueItem, error) {
	item, err := scanQueueItem(s.queryRow(ctx,
		`UPDATE queue_items SET
		   attempts = attempts + 1,
		   status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
		   available_at = ?, last_error = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND lease_expires_at < ?
		 RETURNING `+queueColumns,
		string(schema.QueueFailed), string(schema.QueuePending),
		millis(retryAt), "worker lease expired", time.Now().UTC(),
		id, string(schema.QueueProcessing), millis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("fail stale queue item", err)
	}
	return item, nil
}

func (s *SQLStore) listQueueItems(ctx context.Context, query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list queue items", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLStore) checkQueueTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update queue item", err)
	}
	if n > 0 {
		return nil
	}
	return s.queueConflict(ctx, id)
}

func (s *SQLStore) queueConflict(ctx context.Context, id string) error {
	current, err := s.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "queue item %q is %s, expected %s",
		id, current.Status, schema.QueueProcessing)
}

func scanQueueItem(row scanner) (*QueueItem, error) {
	q := &QueueItem{}
	var (
		input, execID, workerID, lastErr sql.NullString
		status                           string
		availableAt                      int64
		leaseExpires                     sql.NullInt64
	)
	if err := row.Scan(&q.ID, &q.SubjectID, &q.DefinitionID, &q.DefinitionVersion, &input, &status,
		&q.Attempts, &q.MaxAttempts, &execID, &workerID, &lastErr, &availableAt, &leaseExpires,
		&q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.Status = schema.QueueStatus(status)
	q.ExecutionID = execID.String
	q.WorkerID = workerID.String
	q.LastError = lastErr.String
	q.AvailableAt = fromMillis(availableAt)
	if leaseExpires.Valid {
		t := fromMillis(leaseExpires.Int64)
		q.LeaseExpiresAt = &t
	}
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	if input.Valid && input.String != "" {
		m, err := unmarshalMap(input.String)
		if err != nil {
			return nil, fmt.Errorf("unmarshal queue input: %w", err)
		}
		q.InputData = m
	}
	return q, nil
}
