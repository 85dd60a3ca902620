package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/pkg/schema"
)

// ApprovalRequest is sent to a Gateway when an approval node is entered.
type ApprovalRequest struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	SubjectID   string         `json:"subject_id"`
	NodeID      string         `json:"node_id"`
	Approvers   string         `json:"approvers"`
	Context     map[string]any `json:"context"`
}

// SignatureRequest is sent to a Gateway when a signature node is entered.
type SignatureRequest struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	SubjectID   string         `json:"subject_id"`
	NodeID      string         `json:"node_id"`
	Document    string         `json:"document"`
	Signers     []string       `json:"signers,omitempty"`
	Context     map[string]any `json:"context"`
}

// SignatureReceipt is what a signature vendor returns on initiation.
type SignatureReceipt struct {
	CorrelationRef string   `json:"correlation_ref"`
	Signers        []string `json:"signers"`
}

// Gateway initiates long-running external processes. Calls must only start
// the process; the decision arrives later through Resume.
type Gateway interface {
	InitiateApproval(ctx context.Context, req ApprovalRequest) (string, error)
	InitiateSignature(ctx context.Context, req SignatureRequest) (SignatureReceipt, error)
}

// NotificationSink delivers messages to a recipient rule.
type NotificationSink interface {
	Send(ctx context.Context, recipient, message string) error
}

// FormRequest asks a FormCollaborator for a form's data.
type FormRequest struct {
	ExecutionID string         `json:"execution_id"`
	SubjectID   string         `json:"subject_id"`
	NodeID      string         `json:"node_id"`
	FormKey     string         `json:"form_key"`
	Context     map[string]any `json:"context"`
}

// FormCollaborator collects form data synchronously.
type FormCollaborator interface {
	Collect(ctx context.Context, req FormRequest) (any, error)
}

// --- Shipped implementations ---

// LogNotificationSink writes notifications to the structured log.
type LogNotificationSink struct {
	Logger *slog.Logger
}

func (s LogNotificationSink) Send(ctx context.Context, recipient, message string) error {
	logging.LogWith(ctx, logging.OrDefault(s.Logger)).Info("notification", "recipient", recipient, "message", message)
	return nil
}

// EchoFormCollaborator answers a form with the value stored in the execution
// context under the form key, or an empty object when there is none.
type EchoFormCollaborator struct{}

func (EchoFormCollaborator) Collect(_ context.Context, req FormRequest) (any, error) {
	if v, ok := req.Context[req.FormKey]; ok {
		return v, nil
	}
	return map[string]any{}, nil
}

const defaultGatewayTimeout = 10 * time.Second

// HTTPGateway initiates approvals and signatures by POSTing the request as
// JSON to BaseURL + "/approvals" or BaseURL + "/signatures". The response
// body must carry a correlation_ref.
type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPGateway creates an HTTPGateway with its own client.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPGateway{
		BaseURL: baseURL,
		Client:  &http.Client{Transport: transport},
		Timeout: timeout,
	}
}

func (g *HTTPGateway) InitiateApproval(ctx context.Context, req ApprovalRequest) (string, error) {
	var receipt SignatureReceipt
	if err := g.post(ctx, "/approvals", req, &receipt); err != nil {
		return "", err
	}
	return receipt.CorrelationRef, nil
}

func (g *HTTPGateway) InitiateSignature(ctx context.Context, req SignatureRequest) (SignatureReceipt, error) {
	var receipt SignatureReceipt
	if err := g.post(ctx, "/signatures", req, &receipt); err != nil {
		return SignatureReceipt{}, err
	}
	if len(receipt.Signers) == 0 {
		receipt.Signers = req.Signers
	}
	return receipt, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any, out *SignatureReceipt) error {
	b, err := json.Marshal(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "marshal gateway request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, "build gateway request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, "gateway %s: %s", path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, "read gateway response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, "gateway %s returned %d", path, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(data)})
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeGatewayUnavailable, "decode gateway response: %s", err.Error()).WithCause(err)
	}
	if out.CorrelationRef == "" {
		return schema.NewError(schema.ErrCodeGatewayUnavailable, fmt.Sprintf("gateway %s returned no correlation_ref", path))
	}
	return nil
}
