// Package logging carries execution correlation ids on a context and injects
// them into slog records.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// ids is the correlation set stored on a context. Contexts hold it by value
// so a derived context never mutates its parent's set.
type ids struct {
	execution string
	step      string
	subject   string
}

type ctxKey struct{}

func idsFrom(ctx context.Context) ids {
	v, _ := ctx.Value(ctxKey{}).(ids)
	return v
}

// WithIDs sets correlation ids on the context. Empty values keep whatever
// an outer context already carries.
func WithIDs(ctx context.Context, executionID, stepID, subjectID string) context.Context {
	cur := idsFrom(ctx)
	next := cur
	if executionID != "" {
		next.execution = executionID
	}
	if stepID != "" {
		next.step = stepID
	}
	if subjectID != "" {
		next.subject = subjectID
	}
	if next == cur {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, next)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return WithIDs(ctx, id, "", "")
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return WithIDs(ctx, "", id, "")
}

// WithSubjectID returns a context with the subject ID set.
func WithSubjectID(ctx context.Context, id string) context.Context {
	return WithIDs(ctx, "", "", id)
}

// ExecutionID returns the execution ID on ctx, or "".
func ExecutionID(ctx context.Context) string { return idsFrom(ctx).execution }

// StepID returns the step ID on ctx, or "".
func StepID(ctx context.Context) string { return idsFrom(ctx).step }

// SubjectID returns the subject ID on ctx, or "".
func SubjectID(ctx context.Context) string { return idsFrom(ctx).subject }

// attrs returns the non-empty ids as slog attributes.
func (c ids) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	if c.execution != "" {
		out = append(out, slog.String("execution_id", c.execution))
	}
	if c.step != "" {
		out = append(out, slog.String("step_id", c.step))
	}
	if c.subject != "" {
		out = append(out, slog.String("subject_id", c.subject))
	}
	return out
}

// LogWith returns logger with the context's correlation ids bound, for code
// that logs without passing ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := idsFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// OrDefault returns logger, or a stderr text logger when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(os.Stderr, nil)))
}

// CorrelationHandler adds the context's correlation ids to every record, so
// logger.InfoContext(ctx, ...) is enough to tag a line.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := idsFrom(ctx).attrs(); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
