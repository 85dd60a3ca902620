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

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// SQLStore implements the Store interface over database/sql. The same code
// serves libSQL and Postgres; dialect differences are confined to dialect.
type SQLStore struct {
	db   *sql.DB
	q    querier
	d    dialect
	inTx bool
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, q: db, d: d}
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns "libsql" or "postgres".
func (s *SQLStore) Dialect() string { return s.d.name() }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.d)
}

// InTx runs fn inside a transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLStore{db: s.db, q: tx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// --- Definitions ---

func (s *SQLStore) PublishDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.InTx(ctx, func(tx Store) error {
		t := tx.(*SQLStore)
		var latest int
		if err := t.queryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = ?`, def.ID,
		).Scan(&latest); err != nil {
			return storeErr("read definition version", err)
		}

		def.Version = latest + 1
		def.Active = true
		def.CreatedAt = time.Now().UTC()
		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}

		_, err = t.exec(ctx,
			`INSERT INTO definitions (id, version, name, active, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			def.ID, def.Version, nullStr(def.Name), 1, string(body), def.CreatedAt,
		)
		if t.d.isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "definition %s@%d was published concurrently", def.ID, def.Version)
		}
		if err != nil {
			return storeErr("insert definition", err)
		}
		return nil
	})
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	query := `SELECT version, active, body, created_at FROM definitions WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	def, err := scanDefinition(s.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return nil, storeNotFound("definition", fmt.Sprintf("%s@%d", id, version))
		}
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.query(ctx, `SELECT version, active, body, created_at FROM definitions ORDER BY id, version DESC`)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *SQLStore) SetDefinitionActive(ctx context.Context, id string, version int, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.exec(ctx, `UPDATE definitions SET active = ? WHERE id = ? AND version = ?`, flag, id, version)
	if err != nil {
		return storeErr("update definition", err)
	}
	return checkRowsAffected(res, "definition", fmt.Sprintf("%s@%d", id, version))
}

func scanDefinition(row scanner) (*schema.WorkflowDefinition, error) {
	var (
		version, active int
		body            string
		createdAt       time.Time
	)
	if err := row.Scan(&version, &active, &body, &createdAt); err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.Version = version
	def.Active = active != 0
	def.CreatedAt = createdAt.UTC()
	return def, nil
}

// --- Subjects ---

func (s *SQLStore) UpsertSubject(ctx context.Context, subject *Subject) error {
	var snapshot any
	if subject.Context != nil {
		b, err := json.Marshal(subject.Context)
		if err != nil {
			return fmt.Errorf("marshal subject context: %w", err)
		}
		snapshot = string(b)
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO subjects (id, status, context, retry_count, retry_cap, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = COALESCE(excluded.status, subjects.status),
		   context = COALESCE(excluded.context, subjects.context),
		   updated_at = excluded.updated_at`,
		subject.ID, nullStr(subject.Status), snapshot, subject.RetryCap, timeOrNow(subject.CreatedAt), now,
	)
	if err != nil {
		return storeErr("upsert subject", err)
	}
	return nil
}

func (s *SQLStore) GetSubject(ctx context.Context, id string) (*Subject, error) {
	sub := &Subject{}
	var status, snapshot sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, status, context, retry_count, retry_cap, created_at, updated_at FROM subjects WHERE id = ?`, id,
	).Scan(&sub.ID, &status, &snapshot, &sub.RetryCount, &sub.RetryCap, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("subject", id)
	}
	if err != nil {
		return nil, storeErr("get subject", err)
	}
	sub.Status = status.String
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &sub.Context); err != nil {
			return nil, fmt.Errorf("unmarshal subject context: %w", err)
		}
	}
	return sub, nil
}

func (s *SQLStore) UpdateSubjectState(ctx context.Context, id, status string, snapshot map[string]any) error {
	var ctxJSON any
	if snapshot != nil {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal subject context: %w", err)
		}
		ctxJSON = string(b)
	}
	res, err := s.exec(ctx,
		`UPDATE subjects SET status = ?, context = COALESCE(?, context), updated_at = ? WHERE id = ?`,
		status, ctxJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return storeErr("update subject", err)
	}
	return checkRowsAffected(res, "subject", id)
}

func (s *SQLStore) IncrementSubjectRetry(ctx context.Context, id string) (*Subject, error) {
	res, err := s.exec(ctx,
		`UPDATE subjects SET retry_count = retry_count + 1, updated_at = ? WHERE id = ? AND retry_count < retry_cap`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, storeErr("increment subject retry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("increment subject retry", err)
	}
	sub, err := s.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryLimitExceeded,
			"subject %q has used %d of %d retries", id, sub.RetryCount, sub.RetryCap).
			WithDetails(map[string]any{"retry_count": sub.RetryCount, "retry_cap": sub.RetryCap})
	}
	return sub, nil
}

// --- Alerts ---

func (s *SQLStore) CreateAlert(ctx context.Context, alert *Alert) error {
	alert.CreatedAt = timeOrNow(alert.CreatedAt)
	err := s.queryRow(ctx,
		`INSERT INTO alerts (execution_id, token_id, kind, tier, recipient, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		alert.ExecutionID, nullStr(alert.TokenID), alert.Kind, int(alert.Tier),
		nullStr(alert.Recipient), alert.Message, alert.CreatedAt,
	).Scan(&alert.ID)
	if err != nil {
		return storeErr("insert alert", err)
	}
	return nil
}

func (s *SQLStore) ListAlerts(ctx context.Context, executionID string) ([]*Alert, error) {
	query := `SELECT id, execution_id, token_id, kind, tier, recipient, message, created_at FROM alerts`
	var args []any
	if executionID != "" {
		query += ` WHERE execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a := &Alert{}
		var tokenID, recipient sql.NullString
		var tier int
		if err := rows.Scan(&a.ID, &a.ExecutionID, &tokenID, &a.Kind, &tier, &recipient, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TokenID = tokenID.String
		a.Recipient = recipient.String
		a.Tier = schema.SLATier(tier)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. Outside a transaction, a concurrent writer taking the same
// sequence is retried.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)

	insert := func(tx Store) error {
		t := tx.(*SQLStore)
		if err := t.queryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
		).Scan(&event.Sequence); err != nil {
			return err
		}
		return t.queryRow(ctx,
			`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, event.Sequence,
		).Scan(&event.ID)
	}

	if s.inTx {
		if err := insert(s); err != nil {
			return storeErr("insert event", err)
		}
		return nil
	}

	const maxTries = 3
	var err error
	for try := 0; try < maxTries; try++ {
		err = s.InTx(ctx, insert)
		if err == nil || !s.d.isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return storeErr("insert event", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (s *SQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
