package models

import (
	"strings"
	"time"
)

// TaskType classifies a request for weight selection and capability scoring
type TaskType string

const (
	TaskChat                TaskType = "chat"
	TaskSummarize           TaskType = "summarize"
	TaskTranslate           TaskType = "translate"
	TaskCode                TaskType = "code"
	TaskAnalyze             TaskType = "analyze"
	TaskCostSensitive       TaskType = "cost_sensitive"
	TaskPerformanceCritical TaskType = "performance_critical"
)

// SelectionStrategy names the rule used to pick the final model among ranked candidates
type SelectionStrategy string

const (
	StrategyBalanced            SelectionStrategy = "balanced"
	StrategyCostOptimized       SelectionStrategy = "cost_optimized"
	StrategyPerformanceCritical SelectionStrategy = "performance_critical"
	StrategyLatencySensitive    SelectionStrategy = "latency_sensitive"
	StrategyReliabilityFocused  SelectionStrategy = "reliability_focused"
)

// ParseStrategy normalizes a strategy name. Unknown names map to balanced.
func ParseStrategy(name string) SelectionStrategy {
	switch s := SelectionStrategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyCostOptimized, StrategyPerformanceCritical, StrategyLatencySensitive, StrategyReliabilityFocused:
		return s
	default:
		return StrategyBalanced
	}
}

// CapabilityRequirement demands a capability with at least MinScore
type CapabilityRequirement struct {
	Capability Capability `json:"capability" validate:"required"`
	MinScore   float64    `json:"min_score" validate:"gte=0,lte=100"`
}

// ComplianceFlags carries tenant compliance requirements
type ComplianceFlags struct {
	DataResidency          string `json:"data_residency,omitempty"`
	EncryptionAtRestRegion string `json:"encryption_at_rest_region,omitempty"`
	ProhibitPII            bool   `json:"prohibit_pii,omitempty"`
}

// FallbackPolicy controls retries against next-best candidates.
// MaxAttempts of zero means every prepared fallback may be tried.
type FallbackPolicy struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts int  `json:"max_attempts,omitempty" validate:"gte=0"`
}

// ArbitrationContext holds the caller constraints for one arbitration pass.
// Zero values mean "not set" for numeric constraints. It is passed by value;
// use Clone before changing slice fields.
type ArbitrationContext struct {
	TenantID  string   `json:"tenant_id" validate:"required"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	TaskType  TaskType `json:"task_type,omitempty"`

	MinIntelligenceScore float64       `json:"min_intelligence_score,omitempty" validate:"gte=0,lte=100"`
	MinContextLength     int           `json:"min_context_length,omitempty" validate:"gte=0"`
	MaxCost              float64       `json:"max_cost,omitempty" validate:"gte=0"`
	MaxLatency           time.Duration `json:"max_latency,omitempty" validate:"gte=0"`

	AllowedModels    []string `json:"allowed_models,omitempty"`
	BlockedModels    []string `json:"blocked_models,omitempty"`
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	BlockedProviders []string `json:"blocked_providers,omitempty"`

	RequiredCapabilities []CapabilityRequirement `json:"required_capabilities,omitempty" validate:"dive"`
	Compliance           ComplianceFlags         `json:"compliance"`
	Fallback             FallbackPolicy          `json:"fallback"`
	SelectionStrategy    string                  `json:"selection_strategy,omitempty"`

	ExpectedInputTokens  int `json:"expected_input_tokens,omitempty" validate:"gte=0"`
	ExpectedOutputTokens int `json:"expected_output_tokens,omitempty" validate:"gte=0"`
}

// Clone returns a deep copy
func (c ArbitrationContext) Clone() ArbitrationContext {
	out := c
	out.AllowedModels = cloneStrings(c.AllowedModels)
	out.BlockedModels = cloneStrings(c.BlockedModels)
	out.AllowedProviders = cloneStrings(c.AllowedProviders)
	out.BlockedProviders = cloneStrings(c.BlockedProviders)
	if c.RequiredCapabilities != nil {
		out.RequiredCapabilities = append([]CapabilityRequirement(nil), c.RequiredCapabilities...)
	}
	return out
}

// Strategy returns the parsed selection strategy
func (c ArbitrationContext) Strategy() SelectionStrategy {
	return ParseStrategy(c.SelectionStrategy)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// ScoringWeights are the coefficients of the final score
type ScoringWeights struct {
	Performance float64 `json:"performance" yaml:"performance"`
	Cost        float64 `json:"cost" yaml:"cost"`
	Compliance  float64 `json:"compliance" yaml:"compliance"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
}

// Sum returns the total of all weights
func (w ScoringWeights) Sum() float64 {
	return w.Performance + w.Cost + w.Compliance + w.Reliability
}
