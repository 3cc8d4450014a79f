package models

import "time"

// Capability is a member of the closed capability set a model may declare
type Capability string

const (
	CapabilityCode            Capability = "code"
	CapabilityReasoning       Capability = "reasoning"
	CapabilityVision          Capability = "vision"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityLongContext     Capability = "long_context"
	CapabilityMultilingual    Capability = "multilingual"
	CapabilityJSONMode        Capability = "json_mode"
)

var knownCapabilities = map[Capability]struct{}{
	CapabilityCode:            {},
	CapabilityReasoning:       {},
	CapabilityVision:          {},
	CapabilityFunctionCalling: {},
	CapabilityLongContext:     {},
	CapabilityMultilingual:    {},
	CapabilityJSONMode:        {},
}

// Valid reports whether c belongs to the known set
func (c Capability) Valid() bool {
	_, ok := knownCapabilities[c]
	return ok
}

// Tier groups models by price/quality class
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierEconomy  Tier = "economy"
)

// Model is a routable AI model as published by the catalog
type Model struct {
	ID                   string                 `json:"id" db:"id"`
	ProviderID           string                 `json:"provider_id" db:"provider_id"`
	Name                 string                 `json:"name" db:"name"`
	InputCostPerMillion  float64                `json:"input_cost_per_million" db:"input_cost_per_million"`
	OutputCostPerMillion float64                `json:"output_cost_per_million" db:"output_cost_per_million"`
	MaxContextTokens     int                    `json:"max_context_tokens" db:"max_context_tokens"`
	IntelligenceScore    float64                `json:"intelligence_score" db:"intelligence_score"`
	Capabilities         map[Capability]float64 `json:"capabilities" db:"capabilities"`
	Tier                 Tier                   `json:"tier" db:"tier"`
	SupportedRegions     []string               `json:"supported_regions" db:"supported_regions"`
	EncryptsAtRest       bool                   `json:"encrypts_at_rest" db:"encrypts_at_rest"`
	Active               bool                   `json:"active" db:"active"`
	UpdatedAt            time.Time              `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Model
func (Model) TableName() string {
	return "models"
}

// CapabilityScore returns the declared score for c and whether it is declared
func (m Model) CapabilityScore(c Capability) (float64, bool) {
	score, ok := m.Capabilities[c]
	return score, ok
}

// HasCapability reports whether the model declares c with at least min
func (m Model) HasCapability(c Capability, min float64) bool {
	score, ok := m.Capabilities[c]
	return ok && score >= min
}

// SupportsRegion reports whether region is in SupportedRegions
func (m Model) SupportsRegion(region string) bool {
	for _, r := range m.SupportedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// EstimateCost returns the USD cost of a call with the given token counts
func (m Model) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*m.InputCostPerMillion +
		float64(outputTokens)/1_000_000*m.OutputCostPerMillion
}

// HealthStatus is a provider health snapshot
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnstable    HealthStatus = "unstable"
	HealthDown        HealthStatus = "down"
	HealthRateLimited HealthStatus = "rate_limited"
	HealthMaintenance HealthStatus = "maintenance"
	HealthUnknown     HealthStatus = "unknown"
)

// PerformanceStats summarizes recent outcomes for a model
type PerformanceStats struct {
	Samples        int           `json:"samples"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
}

// UserConstraints are per-user restrictions kept outside the request context
type UserConstraints struct {
	UserID        string   `json:"user_id"`
	BlockedModels []string `json:"blocked_models"`
}

// ComplianceResult is the outcome of a compliance check
type ComplianceResult struct {
	IsCompliant bool     `json:"is_compliant"`
	Violations  []string `json:"violations,omitempty"`
}
