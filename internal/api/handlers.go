package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rendis/credflow/internal/diagram"
	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Definitions ---

// handlePublish validates and stores a new definition version.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	result, err := s.deps.Publisher.Publish(r.Context(), &def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       def.ID,
		"version":  def.Version,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Store.ListDefinitions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// handleGetDefinition returns a definition; ?version= pins one, the default is latest.
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	version, err := queryInt(r, "version", 0)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	def, err := s.deps.Store.GetDefinition(r.Context(), r.PathValue("id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleSetActive retires or reinstates a definition version. Enqueues that
// pin an inactive version are rejected; running executions are unaffected.
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version <= 0 {
		badRequest(w, "version must be a positive integer")
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		badRequest(w, "active is required")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Store.SetDefinitionActive(r.Context(), id, version, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	def, err := s.deps.Store.GetDefinition(r.Context(), id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleDiagram renders a definition version. ?format= is mermaid (default),
// ascii or png; ?execution_id= overlays that execution's progress.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 0 {
		badRequest(w, "version must be a non-negative integer")
		return
	}

	def, err := s.deps.Store.GetDefinition(ctx, id, version)
	if err != nil {
		writeError(w, err)
		return
	}

	var exec *store.Execution
	var steps []*store.StepExecution
	if execID := r.URL.Query().Get("execution_id"); execID != "" {
		if exec, err = s.deps.Store.GetExecution(ctx, execID); err != nil {
			writeError(w, err)
			return
		}
		if exec.DefinitionID != def.ID || exec.DefinitionVersion != def.Version {
			badRequest(w, "execution %s runs %s@%d, not %s@%d",
				exec.ID, exec.DefinitionID, exec.DefinitionVersion, def.ID, def.Version)
			return
		}
		if steps, err = s.deps.Store.ListSteps(ctx, execID); err != nil {
			writeError(w, err)
			return
		}
	}

	model, err := diagram.Build(def, exec, steps)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		badRequest(w, "unknown diagram format %q", format)
	}
}

// --- Queue and execution ---

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := s.deps.Dispatcher.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"queue_item_id":      item.ID,
		"status":             item.Status,
		"definition_version": item.DefinitionVersion,
	})
}

type resumeRequest struct {
	StepExecutionID string         `json:"step_execution_id"`
	Outcome         string         `json:"outcome"`
	Actor           string         `json:"actor,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StepExecutionID == "" {
		badRequest(w, "step_execution_id is required")
		return
	}
	res, err := s.deps.Engine.Resume(r.Context(), req.StepExecutionID, engine.Decision{
		Outcome: req.Outcome,
		Actor:   req.Actor,
		Comment: req.Comment,
		Data:    req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetrySubject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		badRequest(w, "subject_id is required")
		return
	}
	item, err := s.deps.Dispatcher.RetrySubject(r.Context(), req.SubjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"queue_item_id": item.ID, "status": item.Status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	exec, err := s.deps.Engine.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// --- Introspection ---

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.State(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListExecutions filters by ?status= (comma separated), ?subject_id=,
// ?definition_id=, ?limit= and ?offset=.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		SubjectID:    q.Get("subject_id"),
		DefinitionID: q.Get("definition_id"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, schema.ExecutionStatus(strings.TrimSpace(st)))
		}
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 50); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		badRequest(w, "%v", err)
		return
	}

	execs, err := s.deps.Engine.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Engine.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetExecution(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	alerts, err := s.deps.Store.ListAlerts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// --- Operations ---

// handleMonitorScan runs one deadline scan. Per-record failures are reported
// in the body; the scan itself only fails when nothing could be listed.
func (s *Server) handleMonitorScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "monitor is not configured"})
		return
	}
	report, err := s.deps.Monitor.Scan(r.Context(), s.now())
	if report == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		s.deps.Logger.Warn("monitor scan finished with errors", "errors", len(report.Errors))
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Dispatcher.ReclaimStale(r.Context(), s.now())
	if err != nil && n == 0 {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}
