package config

import (
	"fmt"
	"math"
	"os"

	"github.com/upb/llm-arbiter/models"
	"gopkg.in/yaml.v3"
)

// ScoringConfig holds the weight sets and reference figures of the heuristic scorer
type ScoringConfig struct {
	Default models.ScoringWeights                     `yaml:"default"`
	Tasks   map[models.TaskType]models.ScoringWeights `yaml:"tasks"`
	// ReferenceCost is the USD cost that scores zero when the context has no MaxCost
	ReferenceCost float64 `yaml:"reference_cost"`
}

// DefaultScoringConfig returns the built-in weight sets
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Default: models.ScoringWeights{Performance: 0.4, Cost: 0.3, Compliance: 0.2, Reliability: 0.1},
		Tasks: map[models.TaskType]models.ScoringWeights{
			models.TaskCostSensitive:       {Performance: 0.3, Cost: 0.5, Compliance: 0.1, Reliability: 0.1},
			models.TaskPerformanceCritical: {Performance: 0.6, Cost: 0.2, Compliance: 0.1, Reliability: 0.1},
		},
		ReferenceCost: 0.10,
	}
}

// LoadScoringConfig reads a YAML weight file over the defaults
func LoadScoringConfig(path string) (ScoringConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScoringConfig{}, err
	}

	var file ScoringConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ScoringConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := DefaultScoringConfig()
	if file.Default.Sum() > 0 {
		cfg.Default = file.Default
	}
	for task, w := range file.Tasks {
		cfg.Tasks[task] = w
	}
	if file.ReferenceCost > 0 {
		cfg.ReferenceCost = file.ReferenceCost
	}
	return cfg, cfg.Validate()
}

// WeightsFor returns the weight set of task, or the default set
func (c ScoringConfig) WeightsFor(task models.TaskType) models.ScoringWeights {
	if w, ok := c.Tasks[task]; ok {
		return w
	}
	return c.Default
}

// Validate checks every set is non-negative and sums to 1
func (c ScoringConfig) Validate() error {
	check := func(name string, w models.ScoringWeights) error {
		if w.Performance < 0 || w.Cost < 0 || w.Compliance < 0 || w.Reliability < 0 {
			return fmt.Errorf("scoring weights %s: negative weight", name)
		}
		if math.Abs(w.Sum()-1) > 1e-6 {
			return fmt.Errorf("scoring weights %s: sum is %.3f, want 1", name, w.Sum())
		}
		return nil
	}
	if err := check("default", c.Default); err != nil {
		return err
	}
	for task, w := range c.Tasks {
		if err := check(string(task), w); err != nil {
			return err
		}
	}
	if c.ReferenceCost <= 0 {
		return fmt.Errorf("scoring reference cost must be positive")
	}
	return nil
}
