// Package monitor is the Deadline & Escalation Monitor. A Scan classifies
// open executions against their SLA budget and checks outstanding signature
// requests. It only ever moves records forward and never drives control flow,
// except to expire a signature through the engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/pkg/schema"
)

const tracerName = "github.com/rendis/credflow/internal/monitor"

// Config tunes the monitor thresholds.
type Config struct {
	// SLABudget applies to definitions without an SLA policy.
	SLABudget time.Duration `mapstructure:"sla_budget"`
	// SignatureAlertAfter is the token age at which a signature warning is sent.
	SignatureAlertAfter time.Duration `mapstructure:"signature_alert_after"`
	// SignatureExpireAfter is the token age at which a signature expires.
	SignatureExpireAfter time.Duration `mapstructure:"signature_expire_after"`
	// EscalationRecipient is the NotificationSink recipient of every alert.
	EscalationRecipient string `mapstructure:"escalation_recipient"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		SLABudget:            120 * time.Hour,
		SignatureAlertAfter:  120 * time.Hour,
		SignatureExpireAfter: 168 * time.Hour,
		EscalationRecipient:  "credentialing-ops",
	}
}

// Expirer expires a pending wait token. The engine implements it.
type Expirer interface {
	ExpireWait(ctx context.Context, tokenID string, now time.Time) (bool, error)
}

// Deps are the monitor's collaborators.
type Deps struct {
	Store    store.Store
	Events   *store.EventLog
	Rules    *expressions.CELEngine
	Expirer  Expirer
	Notifier engine.NotificationSink
	Logger   *slog.Logger
}

// Monitor scans persisted state for deadline crossings.
type Monitor struct {
	store    store.Store
	events   *store.EventLog
	rules    *expressions.CELEngine
	expirer  Expirer
	notifier engine.NotificationSink
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ScanReport summarises one Scan.
type ScanReport struct {
	At                time.Time      `json:"at"`
	Executions        int            `json:"executions_scanned"`
	Signatures        int            `json:"signatures_scanned"`
	Escalations       int            `json:"escalations"`
	SignatureWarnings int            `json:"signature_warnings"`
	SignaturesExpired int            `json:"signatures_expired"`
	Alerts            []*store.Alert `json:"alerts,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
}

// New creates a Monitor. Zero config fields take the defaults.
func New(deps Deps, cfg Config) (*Monitor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("monitor: store is required")
	}
	if deps.Expirer == nil {
		return nil, fmt.Errorf("monitor: expirer is required")
	}

	def := DefaultConfig()
	if cfg.SLABudget <= 0 {
		cfg.SLABudget = def.SLABudget
	}
	if cfg.SignatureAlertAfter <= 0 {
		cfg.SignatureAlertAfter = def.SignatureAlertAfter
	}
	if cfg.SignatureExpireAfter <= 0 {
		cfg.SignatureExpireAfter = def.SignatureExpireAfter
	}
	if cfg.SignatureAlertAfter >= cfg.SignatureExpireAfter {
		return nil, fmt.Errorf("monitor: signature_alert_after (%s) must be below signature_expire_after (%s)",
			cfg.SignatureAlertAfter, cfg.SignatureExpireAfter)
	}
	if cfg.EscalationRecipient == "" {
		cfg.EscalationRecipient = def.EscalationRecipient
	}

	logger := logging.OrDefault(deps.Logger)
	if deps.Events == nil {
		deps.Events = store.NewEventLog(deps.Store, nil, logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = engine.LogNotificationSink{Logger: logger}
	}
	if deps.Rules == nil {
		rules, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.Rules = rules
	}

	return &Monitor{
		store:    deps.Store,
		events:   deps.Events,
		rules:    deps.Rules,
		expirer:  deps.Expirer,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Scan checks every open execution and every pending signature as of now.
// Failures on one record do not stop the scan; they are reported in the
// returned report and joined into the error.
func (m *Monitor) Scan(ctx context.Context, now time.Time) (*ScanReport, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.scan")
	defer span.End()

	report := &ScanReport{At: now}
	var errs []error
	fail := func(err error) {
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
	}

	execs, err := m.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionWaiting},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defs := make(map[string]*schema.WorkflowDefinition)
	for _, exec := range execs {
		report.Executions++
		alert, err := m.checkSLA(ctx, exec, defs, now)
		if err != nil {
			fail(fmt.Errorf("sla %s: %w", exec.ID, err))
			continue
		}
		if alert != nil {
			report.Escalations++
			report.Alerts = append(report.Alerts, alert)
		}
	}

	tokens, err := m.store.ListWaitTokens(ctx, store.TokenFilter{
		Kind:           schema.WaitSignature,
		ExternalStatus: schema.TokenPending,
	})
	if err != nil {
		span.RecordError(err)
		return report, errors.Join(append(errs, err)...)
	}
	for _, tok := range tokens {
		report.Signatures++
		alert, err := m.checkSignature(ctx, tok, now)
		if err != nil {
			fail(fmt.Errorf("signature %s: %w", tok.ID, err))
			continue
		}
		if alert == nil {
			continue
		}
		report.Alerts = append(report.Alerts, alert)
		if alert.Kind == store.AlertSignatureExpired {
			report.SignaturesExpired++
		} else {
			report.SignatureWarnings++
		}
	}

	span.SetAttributes(
		attribute.Int("credflow.executions_scanned", report.Executions),
		attribute.Int("credflow.alerts", len(report.Alerts)),
	)
	if len(report.Alerts) > 0 {
		m.logger.Info("monitor scan raised alerts",
			"escalations", report.Escalations,
			"signature_warnings", report.SignatureWarnings,
			"signatures_expired", report.SignaturesExpired)
	}
	return report, errors.Join(errs...)
}

// TierFor classifies elapsed time against budget.
func TierFor(elapsed, budget time.Duration) schema.SLATier {
	if budget <= 0 {
		return schema.TierNone
	}
	used := float64(elapsed) / float64(budget)
	switch {
	case used >= 1:
		return schema.TierBreached
	case used >= 0.9:
		return schema.TierCritical
	case used >= 0.8:
		return schema.TierWarning
	default:
		return schema.TierNone
	}
}

// checkSLA escalates exec once per tier increase. The tier is claimed before
// anything is sent, so concurrent scans send at most one alert per tier.
func (m *Monitor) checkSLA(ctx context.Context, exec *store.Execution, defs map[string]*schema.WorkflowDefinition, now time.Time) (*store.Alert, error) {
	if exec.StartedAt == nil {
		return nil, nil
	}
	def, err := m.definition(ctx, exec, defs)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.SubjectID)

	budget := m.budget(ctx, exec, def)
	elapsed := now.Sub(*exec.StartedAt)
	tier := TierFor(elapsed, budget)
	if tier <= exec.LastNotifiedTier {
		return nil, nil
	}

	won, err := m.store.ClaimNotificationTier(ctx, exec.ID, tier, now)
	if err != nil || !won {
		return nil, err
	}

	pct := int(float64(elapsed) / float64(budget) * 100)
	msg := fmt.Sprintf("SLA %s: execution %s (%s) for subject %s at node %q has used %d%% of its %s budget",
		tier, exec.ID, def.ID, exec.SubjectID, exec.CurrentNodeID, pct, budget)
	alert := &store.Alert{
		ExecutionID: exec.ID,
		Kind:        store.AlertSLA,
		Tier:        tier,
		Message:     msg,
	}
	delivered := m.deliver(ctx, alert, now)
	m.appendEvent(ctx, exec.ID, schema.EventSLAEscalated, map[string]any{
		"tier":      tier.String(),
		"elapsed":   elapsed.String(),
		"budget":    budget.String(),
		"delivered": delivered,
	})
	return alert, nil
}

// budget resolves the SLA budget of exec: the first matching rule of the
// definition's policy, then the policy budget, then the configured default.
func (m *Monitor) budget(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition) time.Duration {
	if def.SLA == nil {
		return m.cfg.SLABudget
	}
	if len(def.SLA.Rules) > 0 {
		subject := map[string]any{"id": exec.SubjectID}
		if s, err := m.store.GetSubject(ctx, exec.SubjectID); err == nil {
			subject = engine.SubjectVars(s)
		}
		data := expressions.NewScope(exec.Context, engine.ExecutionVars(exec), subject, engine.DefinitionVars(def)).Map()
		for i, rule := range def.SLA.Rules {
			ok, err := m.rules.EvaluateBool(ctx, rule.When, data)
			if err != nil {
				logging.LogWith(ctx, m.logger).Warn("sla rule skipped", "rule", i, "when", rule.When, "error", err)
				continue
			}
			if ok && rule.Budget > 0 {
				return rule.Budget.D()
			}
		}
	}
	if def.SLA.Budget > 0 {
		return def.SLA.Budget.D()
	}
	return m.cfg.SLABudget
}

// checkSignature warns about or expires one pending signature token. A token
// expires when it reaches its own deadline or the configured maximum age,
// whichever comes first.
func (m *Monitor) checkSignature(ctx context.Context, tok *store.WaitToken, now time.Time) (*store.Alert, error) {
	age := now.Sub(tok.CreatedAt)
	expiresAt := tok.CreatedAt.Add(m.cfg.SignatureExpireAfter)
	if !tok.Deadline.IsZero() && tok.Deadline.Before(expiresAt) {
		expiresAt = tok.Deadline
	}
	ctx = logging.WithIDs(ctx, tok.ExecutionID, tok.StepExecutionID, "")

	if !now.Before(expiresAt) {
		expired, err := m.expirer.ExpireWait(ctx, tok.ID, now)
		if err != nil || !expired {
			return nil, err
		}
		alert := &store.Alert{
			ExecutionID: tok.ExecutionID,
			TokenID:     tok.ID,
			Kind:        store.AlertSignatureExpired,
			Message: fmt.Sprintf("signature request %s for execution %s expired after %s without a decision",
				tok.CorrelationRef, tok.ExecutionID, age.Round(time.Minute)),
		}
		m.deliver(ctx, alert, now)
		return alert, nil
	}

	if age < m.cfg.SignatureAlertAfter || tok.WarnedAt != nil {
		return nil, nil
	}
	won, err := m.store.MarkTokenWarned(ctx, tok.ID, now)
	if err != nil || !won {
		return nil, err
	}
	alert := &store.Alert{
		ExecutionID: tok.ExecutionID,
		TokenID:     tok.ID,
		Kind:        store.AlertSignatureWarning,
		Message: fmt.Sprintf("signature request %s for execution %s is %s old and expires at %s",
			tok.CorrelationRef, tok.ExecutionID, age.Round(time.Minute), expiresAt.UTC().Format(time.RFC3339)),
	}
	delivered := m.deliver(ctx, alert, now)
	m.appendEvent(ctx, tok.ExecutionID, schema.EventSignatureWarned, map[string]any{
		"token_id":   tok.ID,
		"age":        age.String(),
		"expires_at": expiresAt,
		"delivered":  delivered,
	})
	return alert, nil
}

// deliver sends alert and records it. The alert row is written even when the
// send fails; the claim that guarded it is never rolled back.
func (m *Monitor) deliver(ctx context.Context, alert *store.Alert, now time.Time) bool {
	logger := logging.LogWith(ctx, m.logger)
	alert.Recipient = m.cfg.EscalationRecipient
	alert.CreatedAt = now

	delivered := true
	if err := m.notifier.Send(ctx, alert.Recipient, alert.Message); err != nil {
		delivered = false
		logger.Warn("escalation send failed", "kind", alert.Kind, "tier", alert.Tier.String(), "error", err)
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		logger.Warn("record alert failed", "kind", alert.Kind, "error", err)
	}
	return delivered
}

func (m *Monitor) appendEvent(ctx context.Context, executionID, eventType string, payload any) {
	if err := m.events.Append(ctx, executionID, "", eventType, payload); err != nil {
		logging.LogWith(ctx, m.logger).Warn("append event failed", "event_type", eventType, "error", err)
	}
}

func (m *Monitor) definition(ctx context.Context, exec *store.Execution, cache map[string]*schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	key := fmt.Sprintf("%s@%d", exec.DefinitionID, exec.DefinitionVersion)
	if def, ok := cache[key]; ok {
		return def, nil
	}
	def, err := m.store.GetDefinition(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	cache[key] = def
	return def, nil
}
