package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credflow/internal/streaming"
)

// notificationMethod is the MCP method used for execution event pushes.
const notificationMethod = "notifications/message"

// clientSender is the part of *server.MCPServer the notifier needs.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ExecutionNotifier pushes execution events to the sessions watching them.
type ExecutionNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewExecutionNotifier creates a notifier that pushes via MCP notifications.
func NewExecutionNotifier(sender clientSender, sessions *SessionRegistry, logger *slog.Logger) *ExecutionNotifier {
	return &ExecutionNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Notify sends one event to every watcher of its execution.
// Best-effort: sessions that have gone away are dropped silently.
func (n *ExecutionNotifier) Notify(_ context.Context, event streaming.StreamEvent) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "credflow",
		"data":   event,
	}
	var errs []error
	for _, sid := range n.sessions.SessionsFor(event.ExecutionID) {
		err := n.sender.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward relays hub events to watchers until ctx is cancelled.
func (n *ExecutionNotifier) Forward(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, event); err != nil {
				n.logger.Warn("mcp notification failed",
					slog.String("execution_id", event.ExecutionID),
					slog.String("error", err.Error()))
			}
		}
	}
}
