package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MinCostFloor keeps ValueScore finite for free or near-free models
const MinCostFloor = 0.001

// Candidate pairs a model with the scores computed for one arbitration pass
type Candidate struct {
	Model            Model         `json:"model"`
	PerformanceScore float64       `json:"performance_score"`
	CostScore        float64       `json:"cost_score"`
	ComplianceScore  float64       `json:"compliance_score"`
	ReliabilityScore float64       `json:"reliability_score"`
	FinalScore       float64       `json:"final_score"`
	ValueScore       float64       `json:"value_score"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	EstimatedCost    float64       `json:"estimated_cost"`
	ProviderHealth   HealthStatus  `json:"provider_health"`
}

// ValueScore returns intelligence per dollar with the cost floored at MinCostFloor
func ValueScore(intelligence, cost float64) float64 {
	return intelligence / math.Max(cost, MinCostFloor)
}

// FinalScore combines the factor scores with w
func FinalScore(perf, cost, compliance, reliability float64, w ScoringWeights) float64 {
	return perf*w.Performance + cost*w.Cost + compliance*w.Compliance + reliability*w.Reliability
}

// PerformancePrediction is the expected behavior of the selected candidate
type PerformancePrediction struct {
	ExpectedLatency    time.Duration `json:"expected_latency"`
	SuccessProbability float64       `json:"success_probability"`
}

// DecisionFactors records why a decision was made, for audit
type DecisionFactors struct {
	Weights            ScoringWeights `json:"weights"`
	EvaluatedModels    int            `json:"evaluated_models"`
	EligibleModels     int            `json:"eligible_models"`
	FilteredModels     int            `json:"filtered_models"`
	ConstraintsRelaxed bool           `json:"constraints_relaxed"`
	TaskType           TaskType       `json:"task_type"`
}

// ArbitrationResult is the immutable outcome of Arbitrate
type ArbitrationResult struct {
	DecisionID            uuid.UUID             `json:"decision_id"`
	Selected              Candidate             `json:"selected"`
	Fallbacks             []Candidate           `json:"fallbacks"`
	Candidates            []Candidate           `json:"candidates"`
	CostEstimate          float64               `json:"cost_estimate"`
	PerformancePrediction PerformancePrediction `json:"performance_prediction"`
	Timestamp             time.Time             `json:"timestamp"`
	Factors               DecisionFactors       `json:"decision_factors"`
	ExcludedModels        []string              `json:"excluded_models"`
	Strategy              SelectionStrategy     `json:"strategy"`
}
