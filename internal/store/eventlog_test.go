package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/pkg/schema"
)

type failingHub struct{ streaming.EventHub }

func (failingHub) Publish(context.Context, streaming.StreamEvent) error {
	return assert.AnError
}

func TestEventLog_AppendPublishes(t *testing.T) {
	s := newTestStore(t)
	hub := streaming.NewMemoryHub()
	el := NewEventLog(s, hub, nil)
	ctx := context.Background()
	execID := uuid.NewString()

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: execID})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, el.Append(ctx, execID, "step-1", schema.EventStepCompleted, map[string]any{"node_id": "review"}))

	select {
	case got := <-ch:
		assert.Equal(t, schema.EventStepCompleted, got.EventType)
		assert.Equal(t, int64(1), got.Sequence)
		raw, ok := got.Payload.(json.RawMessage)
		require.True(t, ok)
		assert.JSONEq(t, `{"node_id":"review"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventLog_PublishFailureIsNotFatal(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, failingHub{}, nil)
	ctx := context.Background()
	execID := uuid.NewString()

	require.NoError(t, el.Append(ctx, execID, "", schema.EventExecutionStarted, nil))
	events, err := el.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_RecordInTx(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	ctx := context.Background()
	execID := uuid.NewString()

	var recorded []*Event
	err := s.InTx(ctx, func(tx Store) error {
		for _, typ := range []string{schema.EventStepCompleted, schema.EventExecutionWaiting} {
			e, err := NewEvent(execID, "", typ, nil)
			if err != nil {
				return err
			}
			recorded = append(recorded, e)
		}
		return el.Record(ctx, tx, recorded...)
	})
	require.NoError(t, err)
	el.Publish(ctx, recorded...)

	assert.Equal(t, int64(1), recorded[0].Sequence)
	assert.Equal(t, int64(2), recorded[1].Sequence)
}

func TestEventLog_ConcurrentAppend(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	ctx := context.Background()

	execs := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	var wg sync.WaitGroup
	errCh := make(chan error, 30)
	for _, id := range execs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := el.Append(ctx, id, "s1", schema.EventStepStarted, nil); err != nil {
					errCh <- err
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	for _, id := range execs {
		events, err := el.Timeline(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 10)
	}
}

func TestEventLog_TimelineDetectsGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	ctx := context.Background()
	execID := uuid.NewString()

	require.NoError(t, el.Append(ctx, execID, "", schema.EventExecutionStarted, nil))
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO events (execution_id, event_type, timestamp, sequence) VALUES (?, ?, ?, ?)`,
		execID, schema.EventStepStarted, time.Now().UTC(), 5)
	require.NoError(t, err)

	_, err = el.Timeline(ctx, execID)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "sequence gap")
}
