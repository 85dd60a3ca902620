package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/internal/engine"
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

// fakeSession is a minimal server.ClientSession.
type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.ch }
func (f *fakeSession) SessionID() string                                   { return f.id }

type toolEnv struct {
	t      *testing.T
	srv    *CredflowServer
	store  *store.SQLStore
	runner *queue.Runner
}

func newToolEnv(t *testing.T) *toolEnv {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	hub := streaming.NewMemoryHub()
	wv, err := validation.NewWorkflowValidator(nil, nil, nil)
	require.NoError(t, err)
	d := queue.NewDispatcher(s, wv, queue.Config{Backoff: queue.BackoffPolicy{Strategy: queue.BackoffNone}}, nil)
	eng, err := engine.New(engine.Deps{
		Store:     s,
		Events:    store.NewEventLog(s, hub, nil),
		Gateway:   stubGateway{},
		Continuer: d,
	}, engine.Config{})
	require.NoError(t, err)

	return &toolEnv{
		t: t,
		srv: NewCredflowServer(ServerDeps{
			Store:      s,
			Engine:     eng,
			Dispatcher: d,
			Publisher:  validation.NewPublisher(wv, s),
			Hub:        hub,
		}),
		store:  s,
		runner: queue.NewRunner(d, eng, queue.RunnerConfig{WorkerID: "test", Workers: 1}, nil),
	}
}

func (e *toolEnv) call(ctx context.Context, tool string, args map[string]any) *mcp.CallToolResult {
	e.t.Helper()
	st := e.srv.mcpServer.GetTool(tool)
	require.NotNil(e.t, st, tool)
	res, err := st.Handler(ctx, buildRequest(tool, args))
	require.NoError(e.t, err)
	require.NotNil(e.t, res)
	return res
}

func (e *toolEnv) publishReview() {
	e.t.Helper()
	res := e.call(context.Background(), "credflow.publish", map[string]any{"definition": reviewDefinition()})
	require.False(e.t, res.IsError, extractText(e.t, res))
}

// startWaiting enqueues a subject and runs the first turn, which parks on
// the committee approval.
func (e *toolEnv) startWaiting(subject string) (execID, stepID string) {
	e.t.Helper()
	res := e.call(context.Background(), "credflow.enqueue", map[string]any{"subject_id": subject, "definition_id": "review"})
	require.False(e.t, res.IsError, extractText(e.t, res))
	var out struct {
		QueueItemID string `json:"queue_item_id"`
	}
	unmarshalResult(e.t, res, &out)

	ok, err := e.runner.RunOnce(context.Background())
	require.True(e.t, ok)
	require.NoError(e.t, err)

	exec, err := e.store.GetExecutionByQueueItem(context.Background(), out.QueueItemID)
	require.NoError(e.t, err)
	steps, err := e.store.ListSteps(context.Background(), exec.ID)
	require.NoError(e.t, err)
	return exec.ID, steps[len(steps)-1].ID
}

func reviewDefinition() map[string]any {
	return map[string]any{
		"id": "review",
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "committee", "type": "approval", "config": map[string]any{"approvers": "committee"}},
			map[string]any{"id": "approved", "type": "end", "config": map[string]any{"outcome": "credentialed"}},
			map[string]any{"id": "rejected", "type": "end"},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "start", "target": "committee"},
			map[string]any{"id": "yes", "source": "committee", "target": "approved", "guard": `decision == "approved"`},
			map[string]any{"id": "no", "source": "committee", "target": "rejected"},
		},
	}
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestPublishTool(t *testing.T) {
	env := newToolEnv(t)

	res := env.call(context.Background(), "credflow.publish", map[string]any{"definition": reviewDefinition()})
	require.False(t, res.IsError, extractText(t, res))
	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, "review", out["id"])
	assert.EqualValues(t, 1, out["version"])
}

func TestPublishToolRejectsMalformed(t *testing.T) {
	env := newToolEnv(t)
	def := reviewDefinition()
	def["edges"] = append(def["edges"].([]any), map[string]any{"id": "x", "source": "start", "target": "ghost"})

	res := env.call(context.Background(), "credflow.publish", map[string]any{"definition": def})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeMalformedDefinition)

	res = env.call(context.Background(), "credflow.publish", map[string]any{})
	assert.True(t, res.IsError)
}

func TestEnqueueTool(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()

	args := map[string]any{"subject_id": "prov-1", "definition_id": "review", "input_data": map[string]any{"npi": "123"}}
	res := env.call(context.Background(), "credflow.enqueue", args)
	require.False(t, res.IsError, extractText(t, res))
	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.EqualValues(t, 1, out["definition_version"])
	assert.Equal(t, string(schema.QueuePending), out["status"])

	res = env.call(context.Background(), "credflow.enqueue", args)
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeConflict)
}

func TestEnqueueToolMissingParams(t *testing.T) {
	env := newToolEnv(t)

	res := env.call(context.Background(), "credflow.enqueue", map[string]any{"definition_id": "review"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "subject_id")
}

func TestStateAndResumeTools(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()
	execID, stepID := env.startWaiting("prov-2")

	res := env.call(context.Background(), "credflow.state", map[string]any{"execution_id": execID})
	require.False(t, res.IsError, extractText(t, res))
	var st engine.ExecutionState
	unmarshalResult(t, res, &st)
	assert.Equal(t, schema.ExecutionWaiting, st.Execution.Status)
	require.NotNil(t, st.BlockedBy)
	assert.Equal(t, "apr-"+stepID, st.BlockedBy.CorrelationRef)

	res = env.call(context.Background(), "credflow.resume", map[string]any{
		"step_execution_id": stepID, "outcome": "rejected", "actor": "committee-chair",
	})
	require.False(t, res.IsError, extractText(t, res))
	var rr engine.ResumeResult
	unmarshalResult(t, res, &rr)
	assert.Equal(t, schema.ExecutionCompleted, rr.Status)

	exec, err := env.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", exec.CurrentNodeID)

	res = env.call(context.Background(), "credflow.resume", map[string]any{"step_execution_id": stepID, "outcome": "approved"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotAwaitingDecision)
}

func TestStateToolNotFound(t *testing.T) {
	env := newToolEnv(t)

	res := env.call(context.Background(), "credflow.state", map[string]any{"execution_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestCancelAndRetryTools(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()
	execID, _ := env.startWaiting("prov-3")

	res := env.call(context.Background(), "credflow.cancel", map[string]any{"execution_id": execID, "reason": "withdrawn"})
	require.False(t, res.IsError, extractText(t, res))
	var exec store.Execution
	unmarshalResult(t, res, &exec)
	assert.Equal(t, schema.ExecutionCancelled, exec.Status)

	res = env.call(context.Background(), "credflow.retry_subject", map[string]any{"subject_id": "prov-3"})
	require.False(t, res.IsError, extractText(t, res))

	res = env.call(context.Background(), "credflow.retry_subject", map[string]any{"subject_id": "unknown"})
	assert.True(t, res.IsError)
}

func TestQueryTool(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()
	execID, _ := env.startWaiting("prov-4")

	res := env.call(context.Background(), "credflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "waiting,running", "subject_id": "prov-4"},
	})
	require.False(t, res.IsError, extractText(t, res))
	var execs struct {
		Executions []*store.Execution `json:"executions"`
	}
	unmarshalResult(t, res, &execs)
	require.Len(t, execs.Executions, 1)
	assert.Equal(t, execID, execs.Executions[0].ID)

	res = env.call(context.Background(), "credflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": execID},
	})
	require.False(t, res.IsError, extractText(t, res))
	var events struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, res, &events)
	assert.NotEmpty(t, events.Events)

	res = env.call(context.Background(), "credflow.query", map[string]any{"resource": "definitions"})
	require.False(t, res.IsError)
	assert.Contains(t, extractText(t, res), `"review"`)

	res = env.call(context.Background(), "credflow.query", map[string]any{"resource": "events"})
	assert.True(t, res.IsError)

	res = env.call(context.Background(), "credflow.query", map[string]any{"resource": "alerts"})
	assert.True(t, res.IsError)

	res = env.call(context.Background(), "credflow.query", map[string]any{"resource": "subjects"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "unknown resource type")
}

func TestDiagramTool(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()
	execID, _ := env.startWaiting("prov-5")

	res := env.call(context.Background(), "credflow.diagram", map[string]any{"definition_id": "review", "format": "mermaid"})
	require.False(t, res.IsError, extractText(t, res))
	assert.Contains(t, extractText(t, res), "graph TD")

	res = env.call(context.Background(), "credflow.diagram", map[string]any{"execution_id": execID, "format": "ascii"})
	require.False(t, res.IsError, extractText(t, res))
	assert.Contains(t, extractText(t, res), "committee")

	res = env.call(context.Background(), "credflow.diagram", map[string]any{"definition_id": "review", "format": "image"})
	require.False(t, res.IsError, extractText(t, res))
	png, err := base64.StdEncoding.DecodeString(extractText(t, res))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	res = env.call(context.Background(), "credflow.diagram", map[string]any{"format": "mermaid"})
	assert.True(t, res.IsError)
	res = env.call(context.Background(), "credflow.diagram", map[string]any{"definition_id": "review", "format": "svg"})
	assert.True(t, res.IsError)
}

func TestWatchTool(t *testing.T) {
	env := newToolEnv(t)
	env.publishReview()
	execID, _ := env.startWaiting("prov-6")

	res := env.call(context.Background(), "credflow.watch", map[string]any{"execution_id": execID})
	assert.True(t, res.IsError, "watch needs a session")

	sess := &fakeSession{id: "sess-1", ch: make(chan mcp.JSONRPCNotification, 1)}
	ctx := env.srv.mcpServer.WithContext(context.Background(), sess)

	res = env.call(ctx, "credflow.watch", map[string]any{"execution_id": execID})
	require.False(t, res.IsError, extractText(t, res))
	assert.Equal(t, []string{"sess-1"}, env.srv.sessions.SessionsFor(execID))

	res = env.call(ctx, "credflow.watch", map[string]any{"execution_id": execID, "stop": true})
	require.False(t, res.IsError)
	assert.Empty(t, env.srv.sessions.SessionsFor(execID))

	res = env.call(ctx, "credflow.watch", map[string]any{"execution_id": "nope"})
	assert.True(t, res.IsError)
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": "7", "c": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 7, extractInt(f, "b", 0))
	assert.Equal(t, 9, extractInt(f, "c", 9))
	assert.Equal(t, 5, extractInt(nil, "a", 5))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
