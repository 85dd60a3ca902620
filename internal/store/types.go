package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/credflow/pkg/schema"
)

// Execution is the persisted representation of a WorkflowExecution.
// It pins to (DefinitionID, DefinitionVersion) for its whole life.
type Execution struct {
	ID                string                 `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	SubjectID         string                 `json:"subject_id"`
	QueueItemID       string                 `json:"queue_item_id,omitempty"`
	Status            schema.ExecutionStatus `json:"status"`
	CurrentNodeID     string                 `json:"current_node_id,omitempty"`
	Context           map[string]any         `json:"context"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	LastNotifiedTier  schema.SLATier         `json:"last_notified_tier"`
	LastNotifiedAt    *time.Time             `json:"last_notified_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// StepExecution is one immutable audit row per visited node. Only the status,
// output and completion fields of a waiting step ever change after insert.
type StepExecution struct {
	ID            string            `json:"id"`
	ExecutionID   string            `json:"execution_id"`
	Sequence      int               `json:"sequence"`
	NodeID        string            `json:"node_id"`
	NodeType      schema.NodeType   `json:"node_type"`
	Status        schema.StepStatus `json:"status"`
	InputSnapshot json.RawMessage   `json:"input_snapshot,omitempty"`
	OutputData    json.RawMessage   `json:"output_data,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// QueueItem is a request to run a definition for a subject.
type QueueItem struct {
	ID                string             `json:"id"`
	SubjectID         string             `json:"subject_id"`
	DefinitionID      string             `json:"definition_id"`
	DefinitionVersion int                `json:"definition_version"`
	InputData         map[string]any     `json:"input_data,omitempty"`
	Status            schema.QueueStatus `json:"status"`
	Attempts          int                `json:"attempts"`
	MaxAttempts       int                `json:"max_attempts"`
	ExecutionID       string             `json:"execution_id,omitempty"`
	WorkerID          string             `json:"worker_id,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	AvailableAt       time.Time          `json:"available_at"`
	LeaseExpiresAt    *time.Time         `json:"lease_expires_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// WaitToken is an ExternalWaitToken: the persisted pause of a wait node.
// It is consumed at most once, by Resume, or expired once by the monitor.
type WaitToken struct {
	ID              string          `json:"id"`
	StepExecutionID string          `json:"step_execution_id"`
	ExecutionID     string          `json:"execution_id"`
	Kind            schema.WaitKind `json:"kind"`
	ExternalStatus  string          `json:"external_status"`
	CorrelationRef  string          `json:"correlation_ref,omitempty"`
	Deadline        time.Time       `json:"deadline"`
	WarnedAt        *time.Time      `json:"warned_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Subject is the business entity a queue item runs for. The engine only
// reads and writes Status, Context and the retry counter.
type Subject struct {
	ID         string         `json:"id"`
	Status     string         `json:"status,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	RetryCount int            `json:"retry_count"`
	RetryCap   int            `json:"retry_cap"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Alert kinds recorded by the monitor.
const (
	AlertSLA              = "sla"
	AlertSignatureWarning = "signature_warning"
	AlertSignatureExpired = "signature_expired"
)

// Alert is a record of one escalation the monitor sent.
type Alert struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	TokenID     string         `json:"token_id,omitempty"`
	Kind        string         `json:"kind"`
	Tier        schema.SLATier `json:"tier"`
	Recipient   string         `json:"recipient,omitempty"`
	Message     string         `json:"message"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event is an immutable entry in the execution audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Statuses     []schema.ExecutionStatus `json:"statuses,omitempty"`
	SubjectID    string                   `json:"subject_id,omitempty"`
	DefinitionID string                   `json:"definition_id,omitempty"`
	Limit        int                      `json:"limit,omitempty"`
	Offset       int                      `json:"offset,omitempty"`
}

// ExecutionUpdate is a compare-and-swap on an execution's status. The update
// applies only while the row is in From; otherwise it fails with CONFLICT.
type ExecutionUpdate struct {
	From          schema.ExecutionStatus
	To            schema.ExecutionStatus
	CurrentNodeID *string
	Context       map[string]any
	ErrorMessage  *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// StepUpdate is a compare-and-swap on a step's status.
type StepUpdate struct {
	From         schema.StepStatus
	To           schema.StepStatus
	OutputData   json.RawMessage
	ErrorMessage string
	CompletedAt  *time.Time
}

// QueueFilter specifies criteria for listing queue items.
type QueueFilter struct {
	SubjectID string             `json:"subject_id,omitempty"`
	Status    schema.QueueStatus `json:"status,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// TokenFilter specifies criteria for listing wait tokens.
type TokenFilter struct {
	ExecutionID    string          `json:"execution_id,omitempty"`
	Kind           schema.WaitKind `json:"kind,omitempty"`
	ExternalStatus string          `json:"external_status,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
