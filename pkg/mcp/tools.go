package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credflow/internal/diagram"
	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

// handlePublish validates and stores a definition.
func (s *CredflowServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	result, err := s.publisher.Publish(ctx, &def)
	if err != nil {
		return toolError("publish", err), nil
	}
	return marshalResult(map[string]any{
		"id":       def.ID,
		"version":  def.Version,
		"warnings": result.Warnings,
	})
}

// handleEnqueue places a subject on the work queue.
func (s *CredflowServer) handleEnqueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError("subject_id is required"), nil
	}
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}

	item, err := s.dispatcher.Enqueue(ctx, queue.EnqueueRequest{
		SubjectID:         subjectID,
		DefinitionID:      definitionID,
		DefinitionVersion: req.GetInt("definition_version", 0),
		InputData:         mcp.ParseStringMap(req, "input_data", nil),
		MaxAttempts:       req.GetInt("max_attempts", 0),
	})
	if err != nil {
		return toolError("enqueue", err), nil
	}
	return marshalResult(map[string]any{
		"queue_item_id":      item.ID,
		"status":             item.Status,
		"definition_version": item.DefinitionVersion,
	})
}

// handleResume records a decision and continues the execution. The caller's
// session is subscribed to the execution so it sees what happens next.
func (s *CredflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepID, err := req.RequireString("step_execution_id")
	if err != nil {
		return mcp.NewToolResultError("step_execution_id is required"), nil
	}
	outcome, err := req.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError("outcome is required"), nil
	}

	res, err := s.engine.Resume(ctx, stepID, engine.Decision{
		Outcome: outcome,
		Actor:   req.GetString("actor", ""),
		Comment: req.GetString("comment", ""),
		Data:    mcp.ParseStringMap(req, "data", nil),
	})
	if err != nil {
		return toolError("resume", err), nil
	}
	if res.Continued {
		s.captureSession(ctx, res.ExecutionID)
	}
	return marshalResult(res)
}

// handleState returns the execution's introspection view.
func (s *CredflowServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	st, err := s.engine.State(ctx, executionID)
	if err != nil {
		return toolError("state query", err), nil
	}
	return marshalResult(st)
}

func (s *CredflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.engine.Cancel(ctx, executionID, req.GetString("reason", "cancelled via mcp"))
	if err != nil {
		return toolError("cancel", err), nil
	}
	return marshalResult(exec)
}

func (s *CredflowServer) handleRetrySubject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subjectID, err := req.RequireString("subject_id")
	if err != nil {
		return mcp.NewToolResultError("subject_id is required"), nil
	}
	item, err := s.dispatcher.RetrySubject(ctx, subjectID)
	if err != nil {
		return toolError("retry", err), nil
	}
	return marshalResult(map[string]any{"queue_item_id": item.ID, "status": item.Status})
}

// handleQuery lists executions, events, definitions or alerts based on filters.
func (s *CredflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "definitions":
		defs, err := s.store.ListDefinitions(ctx)
		if err != nil {
			return toolError("query", err), nil
		}
		return marshalResult(map[string]any{"definitions": defs})
	case "alerts":
		execID := extractString(filter, "execution_id")
		if execID == "" {
			return mcp.NewToolResultError("alert query requires 'execution_id' in filter"), nil
		}
		alerts, err := s.store.ListAlerts(ctx, execID)
		if err != nil {
			return toolError("query", err), nil
		}
		return marshalResult(map[string]any{"alerts": alerts})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *CredflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		SubjectID:    extractString(filter, "subject_id"),
		DefinitionID: extractString(filter, "definition_id"),
		Limit:        extractInt(filter, "limit", 50),
		Offset:       extractInt(filter, "offset", 0),
	}
	if raw := extractString(filter, "status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			ef.Statuses = append(ef.Statuses, schema.ExecutionStatus(strings.TrimSpace(st)))
		}
	}

	execs, err := s.engine.ListExecutions(ctx, ef)
	if err != nil {
		return toolError("query", err), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *CredflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		ExecutionID: extractString(filter, "execution_id"),
		StepID:      extractString(filter, "step_id"),
		EventType:   extractString(filter, "event_type"),
		Limit:       extractInt(filter, "limit", 100),
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return toolError("query", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.engine.Events(ctx, ef.ExecutionID)
	if err != nil {
		return toolError("query", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram generates a workflow diagram in the requested format.
func (s *CredflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	definitionID := req.GetString("definition_id", "")
	version := req.GetInt("version", 0)
	executionID := req.GetString("execution_id", "")
	if definitionID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of definition_id or execution_id is required"), nil
	}

	var exec *store.Execution
	var steps []*store.StepExecution
	if executionID != "" {
		if exec, err = s.store.GetExecution(ctx, executionID); err != nil {
			return toolError("execution lookup", err), nil
		}
		definitionID, version = exec.DefinitionID, exec.DefinitionVersion
		if steps, err = s.store.ListSteps(ctx, executionID); err != nil {
			return toolError("step lookup", err), nil
		}
	}

	def, err := s.store.GetDefinition(ctx, definitionID, version)
	if err != nil {
		return toolError("definition lookup", err), nil
	}

	model, err := diagram.Build(def, exec, steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleWatch subscribes the calling session to an execution's events.
func (s *CredflowServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return toolError("watch", err), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a client session"), nil
	}

	if req.GetBool("stop", false) {
		s.sessions.Unwatch(executionID, session.SessionID())
		return marshalResult(map[string]any{"execution_id": executionID, "watching": false})
	}
	s.sessions.Watch(executionID, session.SessionID())
	return marshalResult(map[string]any{"execution_id": executionID, "watching": true})
}

// --- Internal helpers ---

// captureSession subscribes the current session, if any, to an execution.
func (s *CredflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error. FlowErrors keep their code so
// agents can branch on it.
func toolError(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

// extractString returns a string filter value or "".
func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
