package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one completed provider call, for billing and budgets
type UsageRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	ProjectID    string    `json:"project_id,omitempty" db:"project_id"`
	UserID       string    `json:"user_id,omitempty" db:"user_id"`
	RequestID    string    `json:"request_id" db:"request_id"`
	ModelID      string    `json:"model_id" db:"model_id"`
	ProviderID   string    `json:"provider_id" db:"provider_id"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	Cost         float64   `json:"cost" db:"cost"`
	LatencyMs    int64     `json:"latency_ms" db:"latency_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BudgetStatus is the current spend against configured limits.
// A zero limit means unlimited.
type BudgetStatus struct {
	DailySpend     float64 `json:"daily_spend"`
	DailyLimit     float64 `json:"daily_limit"`
	MonthlySpend   float64 `json:"monthly_spend"`
	MonthlyLimit   float64 `json:"monthly_limit"`
	AlertThreshold float64 `json:"alert_threshold"`
}

// CanMakeRequest reports whether a request of the given cost fits both limits
func (b BudgetStatus) CanMakeRequest(cost float64) bool {
	if b.DailyLimit > 0 && b.DailySpend+cost > b.DailyLimit {
		return false
	}
	if b.MonthlyLimit > 0 && b.MonthlySpend+cost > b.MonthlyLimit {
		return false
	}
	return true
}

// ThresholdReached reports whether either spend has crossed the alert fraction
func (b BudgetStatus) ThresholdReached() bool {
	if b.AlertThreshold <= 0 {
		return false
	}
	if b.DailyLimit > 0 && b.DailySpend >= b.DailyLimit*b.AlertThreshold {
		return true
	}
	return b.MonthlyLimit > 0 && b.MonthlySpend >= b.MonthlyLimit*b.AlertThreshold
}

// DecisionRecord is the persisted form of an ArbitrationResult
type DecisionRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	ProjectID      string          `json:"project_id,omitempty" db:"project_id"`
	UserID         string          `json:"user_id,omitempty" db:"user_id"`
	SelectedModel  string          `json:"selected_model" db:"selected_model"`
	FallbackModels []string        `json:"fallback_models" db:"fallback_models"`
	Strategy       string          `json:"strategy" db:"strategy"`
	FinalScore     float64         `json:"final_score" db:"final_score"`
	EstimatedCost  float64         `json:"estimated_cost" db:"estimated_cost"`
	Factors        json.RawMessage `json:"factors" db:"factors"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NewDecisionRecord flattens r for storage
func NewDecisionRecord(r *ArbitrationResult, actx ArbitrationContext) *DecisionRecord {
	fallbacks := make([]string, 0, len(r.Fallbacks))
	for _, c := range r.Fallbacks {
		fallbacks = append(fallbacks, c.Model.ID)
	}
	factors, _ := json.Marshal(r.Factors)
	return &DecisionRecord{
		ID:             r.DecisionID,
		TenantID:       actx.TenantID,
		ProjectID:      actx.ProjectID,
		UserID:         actx.UserID,
		SelectedModel:  r.Selected.Model.ID,
		FallbackModels: fallbacks,
		Strategy:       string(r.Strategy),
		FinalScore:     r.Selected.FinalScore,
		EstimatedCost:  r.CostEstimate,
		Factors:        factors,
		CreatedAt:      r.Timestamp,
	}
}

// FailureRecord is a failed execution attempt against one model
type FailureRecord struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DecisionID uuid.UUID `json:"decision_id" db:"decision_id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	RequestID  string    `json:"request_id" db:"request_id"`
	ModelID    string    `json:"model_id" db:"model_id"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Attempt    int       `json:"attempt" db:"attempt"`
	Error      string    `json:"error" db:"error"`
	ElapsedMs  int64     `json:"elapsed_ms" db:"elapsed_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
