package schema

// Event type constants for the execution audit log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionYielded   = "execution_yielded"

	EventStepStarted   = "step_started"
	EventStepWaiting   = "step_waiting"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventDecisionRecorded   = "decision_recorded"
	EventNotificationFailed = "notification_failed"
	EventGatewayFailed      = "gateway_failed"
	EventCircuitBreakerOpen = "circuit_breaker_open"

	EventSLAEscalated     = "sla_escalated"
	EventSignatureWarned  = "signature_warned"
	EventSignatureExpired = "signature_expired"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle state of a WorkflowStepExecution.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepWaitingExternal StepStatus = "waiting_external"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

// Terminal reports whether the step row is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// QueueStatus is the lifecycle state of a WorkflowQueueItem.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Terminal reports whether the item has left the queue.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// WaitKind distinguishes external wait tokens.
type WaitKind string

const (
	WaitApproval  WaitKind = "approval"
	WaitSignature WaitKind = "signature"
)

// Wait token external statuses.
const (
	TokenPending   = "pending"
	TokenConsumed  = "consumed"
	TokenExpired   = "expired"
	TokenCancelled = "cancelled"
)

// SLATier classifies elapsed time against a budget. Ordered so that a higher
// value is a strictly worse tier.
type SLATier int

const (
	TierNone SLATier = iota
	TierWarning
	TierCritical
	TierBreached
)

func (t SLATier) String() string {
	switch t {
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierBreached:
		return "breached"
	default:
		return "none"
	}
}
