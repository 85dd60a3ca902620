// Package mcp exposes credflow to agents over the Model Context Protocol:
// publish, enqueue, resume, cancel, retry, introspection and diagrams, plus
// event pushes for watched executions.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a CredflowServer.
type ServerDeps struct {
	Store      store.Store
	Engine     *engine.Engine
	Dispatcher *queue.Dispatcher
	Publisher  *validation.Publisher
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// CredflowServer wraps an MCP server with credflow tool handlers.
type CredflowServer struct {
	store      store.Store
	engine     *engine.Engine
	dispatcher *queue.Dispatcher
	publisher  *validation.Publisher
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   *ExecutionNotifier
	mcpServer  *server.MCPServer
}

// NewCredflowServer creates a CredflowServer with every tool registered.
func NewCredflowServer(deps ServerDeps) *CredflowServer {
	s := &CredflowServer{
		store:      deps.Store,
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		hub:        deps.Hub,
		logger:     logging.OrDefault(deps.Logger),
		sessions:   NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"credflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Credflow runs provider credentialing workflows. Use credflow.publish to store a definition, credflow.enqueue to start a subject, credflow.state to see where an execution is blocked, credflow.resume to record an approval or signature decision, and credflow.watch to receive live events for an execution."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewExecutionNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Watched executions receive events while it runs.
func (s *CredflowServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go func() {
			if err := s.notifier.Forward(ctx, s.hub); err != nil {
				s.logger.Error("mcp event forwarding stopped", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CredflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CredflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: enqueueTool(), Handler: s.handleEnqueue},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retrySubjectTool(), Handler: s.handleRetrySubject},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func publishTool() mcp.Tool {
	return mcp.NewTool("credflow.publish",
		mcp.WithDescription("Validate and publish a workflow definition as its next version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: id, name, nodes, edges and optional sla")),
	)
}

func enqueueTool() mcp.Tool {
	return mcp.NewTool("credflow.enqueue",
		mcp.WithDescription("Enqueue a subject for a workflow definition"),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject (provider) being credentialed")),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("Workflow definition ID")),
		mcp.WithNumber("definition_version", mcp.Description("Pinned version (default: latest)")),
		mcp.WithObject("input_data", mcp.Description("Initial execution context")),
		mcp.WithNumber("max_attempts", mcp.Description("Delivery attempts before dead-lettering")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("credflow.resume",
		mcp.WithDescription("Record an external decision on a waiting approval or signature step"),
		mcp.WithString("step_execution_id", mcp.Required(), mcp.Description("Waiting step execution ID")),
		mcp.WithString("outcome", mcp.Required(), mcp.Description("Decision outcome, e.g. approved, rejected, signed")),
		mcp.WithString("actor", mcp.Description("Who decided")),
		mcp.WithString("comment", mcp.Description("Free-form comment")),
		mcp.WithObject("data", mcp.Description("Extra decision data merged into the context")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("credflow.state",
		mcp.WithDescription("Get an execution's steps, progress and blocking wait"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("credflow.cancel",
		mcp.WithDescription("Cancel a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func retrySubjectTool() mcp.Tool {
	return mcp.NewTool("credflow.retry_subject",
		mcp.WithDescription("Re-enqueue a subject's most recent queue item, within its retry cap"),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject ID")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("credflow.query",
		mcp.WithDescription("Query executions, events, definitions or alerts"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "definitions", "alerts"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, subject_id, definition_id, execution_id, event_type, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("credflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("definition_id", mcp.Description("Definition ID (use with version for a specific version)")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithString("execution_id", mcp.Description("Execution to overlay; implies its definition version")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("credflow.watch",
		mcp.WithDescription("Receive live events for an execution as MCP notifications"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
		mcp.WithBoolean("stop", mcp.Description("Stop watching instead")),
	)
}
