package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/monitor"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/internal/validation"
	"github.com/rendis/credflow/pkg/schema"
)

type stubGateway struct{}

func (stubGateway) InitiateApproval(_ context.Context, req engine.ApprovalRequest) (string, error) {
	return "apr-" + req.StepID, nil
}

func (stubGateway) InitiateSignature(_ context.Context, req engine.SignatureRequest) (engine.SignatureReceipt, error) {
	return engine.SignatureReceipt{CorrelationRef: "sig-" + req.StepID}, nil
}

type testEnv struct {
	t       *testing.T
	store   *store.SQLStore
	runner  *queue.Runner
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	hub := streaming.NewMemoryHub()
	events := store.NewEventLog(s, hub, nil)
	wv, err := validation.NewWorkflowValidator(nil, nil, nil)
	require.NoError(t, err)

	d := queue.NewDispatcher(s, wv, queue.Config{Backoff: queue.BackoffPolicy{Strategy: queue.BackoffNone}}, nil)
	eng, err := engine.New(engine.Deps{Store: s, Events: events, Gateway: stubGateway{}, Continuer: d}, engine.Config{})
	require.NoError(t, err)
	mon, err := monitor.New(monitor.Deps{Store: s, Events: events, Expirer: eng}, monitor.Config{})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Store:      s,
		Engine:     eng,
		Dispatcher: d,
		Publisher:  validation.NewPublisher(wv, s),
		Monitor:    mon,
		Hub:        hub,
	})
	return &testEnv{
		t:       t,
		store:   s,
		runner:  queue.NewRunner(d, eng, queue.RunnerConfig{WorkerID: "test", Workers: 1}, nil),
		handler: srv.Handler(),
	}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error schema.FlowError `json:"error"`
	}](t, rec)
	return body.Error.Code
}

func (e *testEnv) runOnce() {
	e.t.Helper()
	ok, err := e.runner.RunOnce(context.Background())
	require.True(e.t, ok)
	require.NoError(e.t, err)
}

func reviewDefinition() map[string]any {
	return map[string]any{
		"id":   "review",
		"name": "Committee review",
		"nodes": []map[string]any{
			{"id": "start", "type": "start"},
			{"id": "committee", "type": "approval", "config": map[string]any{"approvers": "committee"}},
			{"id": "approved", "type": "end", "config": map[string]any{"outcome": "credentialed"}},
			{"id": "rejected", "type": "end"},
		},
		"edges": []map[string]any{
			{"id": "e1", "source": "start", "target": "committee"},
			{"id": "yes", "source": "committee", "target": "approved", "guard": `decision == "approved"`},
			{"id": "no", "source": "committee", "target": "rejected"},
		},
	}
}

// waitingExecution publishes the review definition, enqueues it and runs
// the first turn, which parks on the approval.
func (e *testEnv) waitingExecution(subject string) (execID, stepID string) {
	e.t.Helper()
	if rec := e.do(http.MethodGet, "/api/definitions/review", nil); rec.Code == http.StatusNotFound {
		require.Equal(e.t, http.StatusCreated, e.do(http.MethodPost, "/api/definitions", reviewDefinition()).Code)
	}
	rec := e.do(http.MethodPost, "/api/enqueue", map[string]any{"subject_id": subject, "definition_id": "review"})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	itemID := decode[map[string]any](e.t, rec)["queue_item_id"].(string)
	e.runOnce()

	exec, err := e.store.GetExecutionByQueueItem(context.Background(), itemID)
	require.NoError(e.t, err)
	steps, err := e.store.ListSteps(context.Background(), exec.ID)
	require.NoError(e.t, err)
	last := steps[len(steps)-1]
	require.Equal(e.t, schema.StepWaitingExternal, last.Status)
	return exec.ID, last.ID
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{schema.ErrCodeNotFound, http.StatusNotFound},
		{schema.ErrCodeConflict, http.StatusConflict},
		{schema.ErrCodeNotAwaitingDecision, http.StatusConflict},
		{schema.ErrCodeRetryLimitExceeded, http.StatusUnprocessableEntity},
		{schema.ErrCodeValidation, http.StatusBadRequest},
		{schema.ErrCodeMalformedDefinition, http.StatusBadRequest},
		{schema.ErrCodeStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(schema.NewError(tt.code, "x")), tt.code)
	}
}

func TestPublish(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/definitions", reviewDefinition())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["version"])

	rec = env.do(http.MethodPost, "/api/definitions", reviewDefinition())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["version"])

	rec = env.do(http.MethodGet, "/api/definitions/review?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	def := decode[schema.WorkflowDefinition](t, rec)
	assert.Equal(t, 1, def.Version)
	assert.Len(t, def.Nodes, 4)
}

func TestPublish_RejectsMalformedDefinition(t *testing.T) {
	env := newTestEnv(t)
	def := reviewDefinition()
	def["edges"] = append(def["edges"].([]map[string]any), map[string]any{"id": "bad", "source": "start", "target": "ghost"})

	rec := env.do(http.MethodPost, "/api/definitions", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeMalformedDefinition, errorCode(t, rec))

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/definitions/review", nil).Code)
}

func TestPublish_RejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	def := reviewDefinition()
	def["steps"] = []string{"legacy"}

	rec := env.do(http.MethodPost, "/api/definitions", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))
}

func TestSetActive(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/definitions", reviewDefinition()).Code)

	rec := env.do(http.MethodPut, "/api/definitions/review/1/active", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[schema.WorkflowDefinition](t, rec).Active)

	rec = env.do(http.MethodPost, "/api/enqueue", map[string]any{"subject_id": "prov-0", "definition_id": "review", "definition_version": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/api/definitions/review/1/active", map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPut, "/api/definitions/review/7/active", map[string]any{"active": true}).Code)

	rec = env.do(http.MethodPut, "/api/definitions/review/1/active", map[string]any{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/enqueue", map[string]any{"subject_id": "prov-0", "definition_id": "review"}).Code)
}

func TestEnqueue_ConflictWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/definitions", reviewDefinition()).Code)

	body := map[string]any{"subject_id": "prov-1", "definition_id": "review"}
	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/enqueue", body).Code)

	rec := env.do(http.MethodPost, "/api/enqueue", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/enqueue", map[string]any{"subject_id": "prov-2", "definition_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeFlow(t *testing.T) {
	env := newTestEnv(t)
	execID, stepID := env.waitingExecution("prov-3")

	rec := env.do(http.MethodGet, "/api/state/"+execID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.ExecutionState](t, rec)
	assert.Equal(t, schema.ExecutionWaiting, st.Execution.Status)
	require.NotNil(t, st.BlockedBy)
	assert.Equal(t, schema.WaitApproval, st.BlockedBy.Kind)

	rec = env.do(http.MethodPost, "/api/resume", map[string]any{
		"step_execution_id": stepID, "outcome": "approved", "actor": "dr-jones",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[engine.ResumeResult](t, rec)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	rec = env.do(http.MethodPost, "/api/resume", map[string]any{"step_execution_id": stepID, "outcome": "approved"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeNotAwaitingDecision, errorCode(t, rec))

	rec = env.do(http.MethodPost, "/api/resume", map[string]any{"outcome": "approved"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	execID, _ := env.waitingExecution("prov-4")

	rec := env.do(http.MethodPost, "/api/executions/"+execID+"/cancel", map[string]any{"reason": "withdrawn"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exec := decode[store.Execution](t, rec)
	assert.Equal(t, schema.ExecutionCancelled, exec.Status)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/executions/"+execID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/executions/nope/cancel", nil).Code)
}

func TestRetrySubject(t *testing.T) {
	env := newTestEnv(t)
	execID, _ := env.waitingExecution("prov-5")

	rec := env.do(http.MethodPost, "/api/retry-subject", map[string]any{"subject_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/executions/"+execID+"/cancel", nil).Code)

	rec = env.do(http.MethodPost, "/api/retry-subject", map[string]any{"subject_id": "prov-5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[map[string]any](t, rec)["queue_item_id"])

	rec = env.do(http.MethodPost, "/api/retry-subject", map[string]any{"subject_id": "prov-5"})
	assert.Equal(t, http.StatusConflict, rec.Code, "the retried item is still pending")
}

func TestListExecutionsAndEvents(t *testing.T) {
	env := newTestEnv(t)
	execID, _ := env.waitingExecution("prov-6")
	env.waitingExecution("prov-7")

	rec := env.do(http.MethodGet, "/api/executions?status=waiting&subject_id=prov-6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Executions []*store.Execution `json:"executions"`
	}](t, rec)
	require.Len(t, list.Executions, 1)
	assert.Equal(t, execID, list.Executions[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/executions?limit=-1", nil).Code)

	rec = env.do(http.MethodGet, "/api/executions/"+execID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []*store.Event `json:"events"`
	}](t, rec)
	require.NotEmpty(t, events.Events)
	assert.Equal(t, int64(1), events.Events[0].Sequence)
}

func TestDiagram(t *testing.T) {
	env := newTestEnv(t)
	execID, _ := env.waitingExecution("prov-8")

	rec := env.do(http.MethodGet, "/api/definitions/review/1/diagram", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.NotContains(t, rec.Body.String(), "class committee current")

	rec = env.do(http.MethodGet, "/api/definitions/review/1/diagram?execution_id="+execID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "class committee current")

	rec = env.do(http.MethodGet, "/api/definitions/review/1/diagram?format=ascii", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "--- transitions ---")

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/definitions/review/1/diagram?format=svg", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/definitions/review/9/diagram", nil).Code)
}

func TestOperationsTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.waitingExecution("prov-9")

	rec := env.do(http.MethodPost, "/api/monitor/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[monitor.ScanReport](t, rec)
	assert.Equal(t, 1, report.Executions)
	assert.Empty(t, report.Alerts, "a fresh execution is within budget")

	rec = env.do(http.MethodPost, "/api/queue/reclaim", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["reclaimed"])
}

func TestSSE_ReplaysHistory(t *testing.T) {
	env := newTestEnv(t)
	execID, _ := env.waitingExecution("prov-10")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/executions/"+execID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "event: "+schema.EventExecutionWaiting) {
			break
		}
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "id: 1", lines[0])
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "event: "+schema.EventExecutionWaiting))
}

func TestSSE_UnknownExecution(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/sse/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
