package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/pkg/schema"
)

// storeCases is run against every backend.
var storeCases = []struct {
	name string
	fn   func(t *testing.T, s *SQLStore)
}{
	{"DefinitionVersions", testDefinitionVersions},
	{"DefinitionNotFound", testDefinitionNotFound},
	{"ExecutionCAS", testExecutionCAS},
	{"ListExecutions", testListExecutions},
	{"ClaimNotificationTier", testClaimNotificationTier},
	{"StepSequence", testStepSequence},
	{"WaitTokenLifecycle", testWaitTokenLifecycle},
	{"QueueAtMostOneInFlight", testQueueAtMostOneInFlight},
	{"QueueClaimAndBackoff", testQueueClaimAndBackoff},
	{"QueueRequeue", testQueueRequeue},
	{"QueueStaleLease", testQueueStaleLease},
	{"QueueConcurrentClaim", testQueueConcurrentClaim},
	{"SubjectRetryCap", testSubjectRetryCap},
	{"Alerts", testAlerts},
	{"EventSequence", testEventSequence},
	{"InTxRollback", testInTxRollback},
}

func seedDefinition(t *testing.T, s *SQLStore) *schema.WorkflowDefinition {
	t.Helper()
	def := &schema.WorkflowDefinition{
		ID:   "cred-" + uuid.NewString()[:8],
		Name: "credentialing",
		Nodes: []schema.WorkflowNode{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.WorkflowEdge{{ID: "e1", Source: "start", Target: "end"}},
	}
	require.NoError(t, s.PublishDefinition(context.Background(), def))
	return def
}

func seedExecution(t *testing.T, s *SQLStore, def *schema.WorkflowDefinition) *Execution {
	t.Helper()
	exec := &Execution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		SubjectID:         "prov-" + uuid.NewString()[:8],
		Status:            schema.ExecutionQueued,
		Context:           map[string]any{"amount": 150.0},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func seedStep(t *testing.T, s *SQLStore, exec *Execution, nodeID string, status schema.StepStatus) *StepExecution {
	t.Helper()
	step := &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		NodeType:    schema.NodeTypeApproval,
		Status:      status,
	}
	require.NoError(t, s.AppendStep(context.Background(), step))
	return step
}

func newQueueItem(subjectID string, def *schema.WorkflowDefinition) *QueueItem {
	return &QueueItem{
		ID:                uuid.NewString(),
		SubjectID:         subjectID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		InputData:         map[string]any{"amount": 50.0},
		MaxAttempts:       2,
	}
}

func testDefinitionVersions(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	assert.Equal(t, 1, def.Version)
	assert.True(t, def.Active)

	next := *def
	next.Name = "credentialing v2"
	require.NoError(t, s.PublishDefinition(ctx, &next))
	assert.Equal(t, 2, next.Version)

	latest, err := s.GetDefinition(ctx, def.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "credentialing v2", latest.Name)

	pinned, err := s.GetDefinition(ctx, def.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "credentialing", pinned.Name)
	require.Len(t, pinned.Nodes, 2)
	assert.Equal(t, "e1", pinned.Edges[0].ID)

	require.NoError(t, s.SetDefinitionActive(ctx, def.ID, 1, false))
	pinned, err = s.GetDefinition(ctx, def.ID, 1)
	require.NoError(t, err)
	assert.False(t, pinned.Active)

	all, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	var versions []int
	for _, d := range all {
		if d.ID == def.ID {
			versions = append(versions, d.Version)
		}
	}
	assert.Equal(t, []int{2, 1}, versions)
}

func testDefinitionNotFound(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	_, err := s.GetDefinition(ctx, "missing", 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	def := seedDefinition(t, s)
	_, err = s.GetDefinition(ctx, def.ID, 9)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	err = s.SetDefinitionActive(ctx, def.ID, 9, false)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testExecutionCAS(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	exec := seedExecution(t, s, seedDefinition(t, s))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionQueued, got.Status)
	assert.Equal(t, 150.0, got.Context["amount"])
	assert.Nil(t, got.StartedAt)

	node := "intake"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		From:          schema.ExecutionQueued,
		To:            schema.ExecutionRunning,
		CurrentNodeID: &node,
		Context:       map[string]any{"amount": 150.0, "decision": "approve"},
		StartedAt:     &now,
	}))

	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, "intake", got.CurrentNodeID)
	assert.Equal(t, "approve", got.Context["decision"])
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, now, *got.StartedAt, time.Second)

	// Stale From loses.
	err = s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{From: schema.ExecutionQueued, To: schema.ExecutionFailed})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)

	err = s.UpdateExecution(ctx, "missing", ExecutionUpdate{From: schema.ExecutionQueued, To: schema.ExecutionRunning})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
}

func testListExecutions(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	a := seedExecution(t, s, def)
	b := seedExecution(t, s, def)
	require.NoError(t, s.UpdateExecution(ctx, b.ID, ExecutionUpdate{From: schema.ExecutionQueued, To: schema.ExecutionWaiting}))

	waiting, err := s.ListExecutions(ctx, ExecutionFilter{
		DefinitionID: def.ID,
		Statuses:     []schema.ExecutionStatus{schema.ExecutionWaiting, schema.ExecutionRunning},
	})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, b.ID, waiting[0].ID)

	bySubject, err := s.ListExecutions(ctx, ExecutionFilter{SubjectID: a.SubjectID})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, a.ID, bySubject[0].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{DefinitionID: def.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testClaimNotificationTier(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	exec := seedExecution(t, s, seedDefinition(t, s))
	now := time.Now().UTC()

	won, err := s.ClaimNotificationTier(ctx, exec.ID, schema.TierCritical, now)
	require.NoError(t, err)
	assert.True(t, won)

	for _, tier := range []schema.SLATier{schema.TierWarning, schema.TierCritical} {
		won, err = s.ClaimNotificationTier(ctx, exec.ID, tier, now)
		require.NoError(t, err)
		assert.False(t, won, "tier %s must not be claimed twice", tier)
	}

	won, err = s.ClaimNotificationTier(ctx, exec.ID, schema.TierBreached, now)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TierBreached, got.LastNotifiedTier)
	assert.NotNil(t, got.LastNotifiedAt)
}

func testStepSequence(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	exec := seedExecution(t, s, seedDefinition(t, s))

	first := seedStep(t, s, exec, "start", schema.StepCompleted)
	second := seedStep(t, s, exec, "review", schema.StepWaitingExternal)
	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, 2, second.Sequence)

	done := time.Now().UTC()
	require.NoError(t, s.UpdateStep(ctx, second.ID, StepUpdate{
		From:        schema.StepWaitingExternal,
		To:          schema.StepCompleted,
		OutputData:  json.RawMessage(`{"decision":"approve"}`),
		CompletedAt: &done,
	}))
	err := s.UpdateStep(ctx, second.ID, StepUpdate{From: schema.StepWaitingExternal, To: schema.StepSkipped})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	steps, err := s.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "start", steps[0].NodeID)
	assert.Equal(t, schema.StepCompleted, steps[1].Status)
	assert.JSONEq(t, `{"decision":"approve"}`, string(steps[1].OutputData))
	require.NotNil(t, steps[1].CompletedAt)

	_, err = s.GetStep(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testWaitTokenLifecycle(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	exec := seedExecution(t, s, seedDefinition(t, s))
	step := seedStep(t, s, exec, "sign", schema.StepWaitingExternal)

	tok := &WaitToken{
		ID:              uuid.NewString(),
		StepExecutionID: step.ID,
		ExecutionID:     exec.ID,
		Kind:            schema.WaitSignature,
		CorrelationRef:  "env-123",
		Deadline:        time.Now().Add(72 * time.Hour),
	}
	require.NoError(t, s.CreateWaitToken(ctx, tok))
	assert.Equal(t, schema.TokenPending, tok.ExternalStatus)

	dup := *tok
	dup.ID = uuid.NewString()
	err := s.CreateWaitToken(ctx, &dup)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "one token per step, got %v", err)

	byStep, err := s.GetWaitTokenByStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, byStep.ID)
	assert.Equal(t, "env-123", byStep.CorrelationRef)

	pending, err := s.ListWaitTokens(ctx, TokenFilter{Kind: schema.WaitSignature, ExternalStatus: schema.TokenPending, ExecutionID: exec.ID})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	warned, err := s.MarkTokenWarned(ctx, tok.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, warned)
	warned, err = s.MarkTokenWarned(ctx, tok.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, warned)

	require.NoError(t, s.TransitionWaitToken(ctx, tok.ID, schema.TokenPending, schema.TokenConsumed, time.Now()))
	err = s.TransitionWaitToken(ctx, tok.ID, schema.TokenPending, schema.TokenExpired, time.Now())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	got, err := s.GetWaitToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TokenConsumed, got.ExternalStatus)
	assert.NotNil(t, got.ResolvedAt)
	assert.NotNil(t, got.WarnedAt)
}

func testQueueAtMostOneInFlight(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	subject := "prov-" + uuid.NewString()[:8]

	first := newQueueItem(subject, def)
	require.NoError(t, s.CreateQueueItem(ctx, first))

	err := s.CreateQueueItem(ctx, newQueueItem(subject, def))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)

	// A different subject is unaffected.
	require.NoError(t, s.CreateQueueItem(ctx, newQueueItem(subject+"-other", def)))

	// Once the first item leaves the queue the subject may be enqueued again.
	claimed := claimFor(t, s, subject)
	require.NoError(t, s.CompleteQueueItem(ctx, claimed.ID))
	require.NoError(t, s.CreateQueueItem(ctx, newQueueItem(subject, def)))
}

// claimFor claims until it gets the item for subject, completing any others.
func claimFor(t *testing.T, s *SQLStore, subject string) *QueueItem {
	t.Helper()
	return claimAt(t, s, subject, time.Now(), time.Minute)
}

func claimAt(t *testing.T, s *SQLStore, subject string, now time.Time, lease time.Duration) *QueueItem {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		item, err := s.ClaimQueueItem(ctx, "w1", now, lease)
		require.NoError(t, err)
		require.NotNil(t, item, "no claimable item for %s", subject)
		if item.SubjectID == subject {
			return item
		}
		require.NoError(t, s.CompleteQueueItem(ctx, item.ID))
	}
	t.Fatalf("item for %s never claimed", subject)
	return nil
}

func testQueueClaimAndBackoff(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	subject := "prov-" + uuid.NewString()[:8]
	item := newQueueItem(subject, def)
	require.NoError(t, s.CreateQueueItem(ctx, item))

	claimed := claimFor(t, s, subject)
	assert.Equal(t, schema.QueueProcessing, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.Equal(t, 50.0, claimed.InputData["amount"])

	retryAt := time.Now().Add(time.Hour)
	failed, err := s.FailQueueItem(ctx, item.ID, "gateway down", retryAt)
	require.NoError(t, err)
	assert.Equal(t, schema.QueuePending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "gateway down", failed.LastError)
	assert.Nil(t, failed.LeaseExpiresAt)

	// Not yet available.
	for {
		got, err := s.ClaimQueueItem(ctx, "w2", time.Now(), time.Minute)
		require.NoError(t, err)
		if got == nil {
			break
		}
		require.NotEqual(t, item.ID, got.ID)
		require.NoError(t, s.CompleteQueueItem(ctx, got.ID))
	}

	got := claimAt(t, s, subject, retryAt.Add(time.Second), time.Minute)
	assert.Equal(t, item.ID, got.ID)

	failed, err = s.FailQueueItem(ctx, item.ID, "gateway down again", time.Now())
	require.NoError(t, err)
	assert.Equal(t, schema.QueueFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)

	_, err = s.FailQueueItem(ctx, item.ID, "again", time.Now())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	items, err := s.ListQueueItems(ctx, QueueFilter{SubjectID: subject})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, schema.QueueFailed, items[0].Status)
}

func testQueueRequeue(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	exec := seedExecution(t, s, def)
	item := newQueueItem(exec.SubjectID, def)
	require.NoError(t, s.CreateQueueItem(ctx, item))
	claimFor(t, s, exec.SubjectID)

	require.NoError(t, s.RequeueQueueItem(ctx, item.ID, exec.ID, time.Now()))
	got, err := s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.QueuePending, got.Status)
	assert.Equal(t, 0, got.Attempts, "a yield does not consume an attempt")
	assert.Equal(t, exec.ID, got.ExecutionID)
	assert.Empty(t, got.WorkerID)

	// Requeue without an execution id keeps the pinned one.
	claimFor(t, s, exec.SubjectID)
	require.NoError(t, s.RequeueQueueItem(ctx, item.ID, "", time.Now()))
	got, err = s.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ExecutionID)

	err = s.RequeueQueueItem(ctx, item.ID, "", time.Now())
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	err = s.CompleteQueueItem(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testQueueStaleLease(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	subject := "prov-" + uuid.NewString()[:8]
	item := newQueueItem(subject, def)
	require.NoError(t, s.CreateQueueItem(ctx, item))

	claimed := claimAt(t, s, subject, time.Now(), time.Millisecond)
	later := claimed.LeaseExpiresAt.Add(time.Second)

	stale, err := s.ListStaleQueueItems(ctx, later)
	require.NoError(t, err)
	var found bool
	for _, st := range stale {
		found = found || st.ID == item.ID
	}
	assert.True(t, found)

	// Lease still valid at the old instant: the sweep loses.
	lost, err := s.FailStaleQueueItem(ctx, item.ID, claimed.LeaseExpiresAt.Add(-time.Second), later)
	require.NoError(t, err)
	assert.Nil(t, lost)

	swept, err := s.FailStaleQueueItem(ctx, item.ID, later, later)
	require.NoError(t, err)
	require.NotNil(t, swept)
	assert.Equal(t, schema.QueuePending, swept.Status)
	assert.Equal(t, 1, swept.Attempts)
	assert.Equal(t, "worker lease expired", swept.LastError)
}

func testQueueConcurrentClaim(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.CreateQueueItem(ctx, newQueueItem("prov-cc-"+uuid.NewString()[:8], def)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				item, err := s.ClaimQueueItem(ctx, "w", time.Now(), time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
				if err := s.CompleteQueueItem(ctx, item.ID); err != nil {
					t.Errorf("complete: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
	assert.GreaterOrEqual(t, len(seen), 10)
}

func testSubjectRetryCap(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	id := "prov-" + uuid.NewString()[:8]
	require.NoError(t, s.UpsertSubject(ctx, &Subject{ID: id, Status: "pending_review", RetryCap: 2}))

	for want := 1; want <= 2; want++ {
		sub, err := s.IncrementSubjectRetry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, sub.RetryCount)
	}
	_, err := s.IncrementSubjectRetry(ctx, id)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRetryLimitExceeded), "got %v", err)

	_, err = s.IncrementSubjectRetry(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	// Upsert keeps the counter and unset fields.
	require.NoError(t, s.UpsertSubject(ctx, &Subject{ID: id, Context: map[string]any{"npi": "123"}}))
	sub, err := s.GetSubject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.RetryCount)
	assert.Equal(t, "pending_review", sub.Status)
	assert.Equal(t, "123", sub.Context["npi"])

	require.NoError(t, s.UpdateSubjectState(ctx, id, "approved", map[string]any{"decision": "approve"}))
	sub, err = s.GetSubject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "approved", sub.Status)
	assert.Equal(t, "approve", sub.Context["decision"])

	err = s.UpdateSubjectState(ctx, "missing", "x", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func testAlerts(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	exec := seedExecution(t, s, seedDefinition(t, s))

	a1 := &Alert{ExecutionID: exec.ID, Kind: AlertSLA, Tier: schema.TierWarning, Recipient: "ops", Message: "80% of budget used"}
	a2 := &Alert{ExecutionID: exec.ID, Kind: AlertSLA, Tier: schema.TierCritical, Message: "90% of budget used"}
	require.NoError(t, s.CreateAlert(ctx, a1))
	require.NoError(t, s.CreateAlert(ctx, a2))
	assert.Greater(t, a2.ID, a1.ID)

	alerts, err := s.ListAlerts(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, schema.TierWarning, alerts[0].Tier)
	assert.Equal(t, "ops", alerts[0].Recipient)
	assert.Empty(t, alerts[1].Recipient)
}

func testEventSequence(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	execA, execB := uuid.NewString(), uuid.NewString()

	for i := 0; i < 3; i++ {
		e := &Event{ExecutionID: execA, StepID: "s1", Type: schema.EventStepStarted, Payload: json.RawMessage(`{"n":1}`)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	e := &Event{ExecutionID: execB, Type: schema.EventExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "sequences are per execution")

	since, err := s.GetEvents(ctx, execA, 1)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(2), since[0].Sequence)
	assert.JSONEq(t, `{"n":1}`, string(since[0].Payload))

	byType, err := s.GetEventsByType(ctx, schema.EventExecutionStarted, EventFilter{ExecutionID: execB, Limit: 5})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Empty(t, byType[0].StepID)
}

func testInTxRollback(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	def := seedDefinition(t, s)
	boom := errors.New("boom")
	id := uuid.NewString()

	err := s.InTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreateExecution(ctx, &Execution{
			ID: id, DefinitionID: def.ID, DefinitionVersion: def.Version,
			SubjectID: "prov-tx", Status: schema.ExecutionQueued,
		}))
		// Nested InTx joins the outer transaction.
		require.NoError(t, tx.InTx(ctx, func(inner Store) error {
			return inner.AppendEvent(ctx, &Event{ExecutionID: id, Type: schema.EventExecutionStarted})
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetExecution(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	events, err := s.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
