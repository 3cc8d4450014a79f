package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionExecutionSucceeded AuditAction = "execution_succeeded"
	AuditActionExecutionFailed    AuditAction = "execution_failed"
	AuditActionComplianceDenied   AuditAction = "compliance_denied"
	AuditActionRateLimited        AuditAction = "rate_limited"
	AuditActionRateLimitReset     AuditAction = "rate_limit_reset"
)

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	ProjectID  string          `json:"project_id,omitempty" db:"project_id"`
	UserID     string          `json:"user_id,omitempty" db:"user_id"`
	Action     AuditAction     `json:"action" db:"action"`
	RequestID  string          `json:"request_id" db:"request_id"`
	DecisionID *uuid.UUID      `json:"decision_id,omitempty" db:"decision_id"`
	Details    json.RawMessage `json:"details" db:"details"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`

	// execution fields
	Model        *string  `json:"model,omitempty" db:"model"`
	Provider     *string  `json:"provider,omitempty" db:"provider"`
	TokensUsed   *int     `json:"tokens_used,omitempty" db:"tokens_used"`
	Cost         *float64 `json:"cost,omitempty" db:"cost"`
	LatencyMs    *int64   `json:"latency_ms,omitempty" db:"latency_ms"`
	ErrorMessage *string  `json:"error_message,omitempty" db:"error_message"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates an entry scoped to the caller of actx
func NewAuditLog(actx ArbitrationContext, action AuditAction, requestID string) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		TenantID:  actx.TenantID,
		ProjectID: actx.ProjectID,
		UserID:    actx.UserID,
		Action:    action,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
}

// WithDecision sets the decision id
func (a *AuditLog) WithDecision(id uuid.UUID) *AuditLog {
	a.DecisionID = &id
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithExecution sets model, provider and latency
func (a *AuditLog) WithExecution(model, provider string, elapsed time.Duration) *AuditLog {
	ms := elapsed.Milliseconds()
	a.Model = &model
	a.Provider = &provider
	a.LatencyMs = &ms
	return a
}

// WithElapsed sets the latency without naming a model
func (a *AuditLog) WithElapsed(elapsed time.Duration) *AuditLog {
	ms := elapsed.Milliseconds()
	a.LatencyMs = &ms
	return a
}

// WithUsage sets token and cost figures
func (a *AuditLog) WithUsage(tokens int, cost float64) *AuditLog {
	a.TokensUsed = &tokens
	a.Cost = &cost
	return a
}

// WithError sets error information
func (a *AuditLog) WithError(err error) *AuditLog {
	if err != nil {
		msg := err.Error()
		a.ErrorMessage = &msg
	}
	return a
}
