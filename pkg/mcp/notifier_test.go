package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/internal/streaming"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentNotification{sessionID: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) snapshot() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

func TestNotify_SendsToWatchers(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Watch("exec-1", "s1")
	sessions.Watch("exec-2", "s2")
	n := NewExecutionNotifier(sender, sessions, slog.New(slog.DiscardHandler))

	event := streaming.StreamEvent{ExecutionID: "exec-1", EventType: "execution_waiting", Sequence: 3}
	require.NoError(t, n.Notify(context.Background(), event))

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "s1", sent[0].sessionID)
	assert.Equal(t, notificationMethod, sent[0].method)
	assert.Equal(t, event, sent[0].params["data"])
}

func TestNotify_DropsGoneSessions(t *testing.T) {
	sender := &fakeSender{errs: map[string]error{"gone": server.ErrSessionNotFound}}
	sessions := NewSessionRegistry()
	sessions.Watch("exec-1", "gone")
	sessions.Watch("exec-1", "live")
	n := NewExecutionNotifier(sender, sessions, slog.New(slog.DiscardHandler))

	require.NoError(t, n.Notify(context.Background(), streaming.StreamEvent{ExecutionID: "exec-1"}))
	assert.Equal(t, []string{"live"}, sessions.SessionsFor("exec-1"))
	assert.Len(t, sender.snapshot(), 1)
}

func TestNotify_ReportsSendFailures(t *testing.T) {
	sender := &fakeSender{errs: map[string]error{"s1": errors.New("pipe closed")}}
	sessions := NewSessionRegistry()
	sessions.Watch("exec-1", "s1")
	n := NewExecutionNotifier(sender, sessions, slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), streaming.StreamEvent{ExecutionID: "exec-1"})
	assert.ErrorContains(t, err, "pipe closed")
	assert.Equal(t, []string{"s1"}, sessions.SessionsFor("exec-1"), "transient failures keep the watch")
}

func TestForward_RelaysHubEvents(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Watch("exec-1", "s1")
	n := NewExecutionNotifier(sender, sessions, slog.New(slog.DiscardHandler))
	hub := streaming.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Forward(ctx, hub) }()

	assert.Eventually(t, func() bool {
		_ = hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "exec-1", EventType: "step_completed"})
		_ = hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "exec-9", EventType: "step_completed"})
		return len(sender.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, s := range sender.snapshot() {
		assert.Equal(t, "s1", s.sessionID, "unwatched executions are not pushed")
	}
}
