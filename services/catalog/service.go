// Package catalog publishes the routable models with their provider health
// and recent performance, and records arbitration outcomes.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// Config tunes the catalog caches and the performance history
type Config struct {
	ModelsTTL          time.Duration
	ConstraintCacheTTL time.Duration
	ConstraintCacheMax int
	OutcomeMaxAge      time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ModelsTTL:          30 * time.Second,
		ConstraintCacheTTL: 5 * time.Minute,
		ConstraintCacheMax: 10000,
		OutcomeMaxAge:      5 * time.Minute,
	}
}

// Service is the model catalog
type Service struct {
	models      repositories.ModelRepository
	decisions   repositories.DecisionRepository
	users       repositories.UserConstraintRepository
	tracker     *Tracker
	constraints *ConstraintCache
	clock       clock.Clock
	cfg         Config
	logger      *zap.Logger

	mu          sync.RWMutex
	overrides   map[string]models.HealthStatus
	cached      []models.Model
	cachedUntil time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the clock used for cache expiry
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService creates a catalog backed by the repositories
func NewService(repos *repositories.Repositories, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		models:    repos.Models,
		decisions: repos.Decisions,
		users:     repos.UserConstraints,
		clock:     clock.New(),
		cfg:       cfg,
		logger:    logger,
		overrides: make(map[string]models.HealthStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = NewTracker(s.clock, cfg.OutcomeMaxAge)
	s.constraints = NewConstraintCache(cfg.ConstraintCacheMax, cfg.ConstraintCacheTTL, s.clock)
	return s
}

// GetActiveModels returns the active models, cached for ModelsTTL
func (s *Service) GetActiveModels(ctx context.Context) ([]models.Model, error) {
	now := s.clock.Now()

	s.mu.RLock()
	if s.cached != nil && now.Before(s.cachedUntil) {
		out := s.cached
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	list, err := s.models.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active models: %w", err)
	}
	if list == nil {
		list = []models.Model{}
	}

	s.mu.Lock()
	s.cached = list
	s.cachedUntil = now.Add(s.cfg.ModelsTTL)
	s.mu.Unlock()

	return list, nil
}

// InvalidateModels drops the cached model list
func (s *Service) InvalidateModels() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// GetProviderHealth returns the manual override if set, else health derived from recent outcomes
func (s *Service) GetProviderHealth(ctx context.Context, providerID string) (models.HealthStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.HealthUnknown, err
	}

	s.mu.RLock()
	status, ok := s.overrides[providerID]
	s.mu.RUnlock()
	if ok {
		return status, nil
	}
	return HealthFromStats(s.tracker.ProviderStats(providerID)), nil
}

// SetProviderStatus pins a provider's health, e.g. for maintenance windows
func (s *Service) SetProviderStatus(providerID string, status models.HealthStatus) {
	s.mu.Lock()
	s.overrides[providerID] = status
	s.mu.Unlock()

	s.logger.Info("provider status overridden",
		zap.String("provider", providerID),
		zap.String("status", string(status)))
}

// ClearProviderStatus removes a manual override
func (s *Service) ClearProviderStatus(providerID string) {
	s.mu.Lock()
	delete(s.overrides, providerID)
	s.mu.Unlock()
}

// RecordPerformance adds one execution outcome
func (s *Service) RecordPerformance(ctx context.Context, modelID, providerID string, latency time.Duration, success bool) error {
	s.tracker.Record(modelID, providerID, latency, success)
	return nil
}

// ModelStats summarizes recent outcomes of a model
func (s *Service) ModelStats(modelID string) models.PerformanceStats {
	return s.tracker.ModelStats(modelID)
}

// ProviderStats summarizes recent outcomes of a provider
func (s *Service) ProviderStats(providerID string) models.PerformanceStats {
	return s.tracker.ProviderStats(providerID)
}

// RecordDecision persists an arbitration result
func (s *Service) RecordDecision(ctx context.Context, actx models.ArbitrationContext, result *models.ArbitrationResult) error {
	return s.decisions.Insert(ctx, models.NewDecisionRecord(result, actx))
}

// RecordFailure persists a failed execution attempt
func (s *Service) RecordFailure(ctx context.Context, record *models.FailureRecord) error {
	return s.decisions.InsertFailure(ctx, record)
}

// FallbackRate returns the share of decisions since the given time that needed a fallback
func (s *Service) FallbackRate(ctx context.Context, since time.Time) (float64, int, error) {
	decisions, failed, err := s.decisions.FallbackStats(ctx, since)
	if err != nil {
		return 0, 0, err
	}
	if decisions == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(decisions), decisions, nil
}

// GetUserConstraints returns the user's constraints, served from cache when fresh
func (s *Service) GetUserConstraints(ctx context.Context, tenantID, userID string) (*models.UserConstraints, error) {
	if c := s.constraints.Get(tenantID, userID); c != nil {
		return c, nil
	}

	c, err := s.users.GetByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s.constraints.Set(tenantID, userID, c)
	return c, nil
}

// ConstraintCacheStats exposes the constraint cache counters
func (s *Service) ConstraintCacheStats() CacheStats {
	return s.constraints.Stats()
}

// StartCacheCleanup periodically evicts expired constraint entries
func (s *Service) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.constraints.CleanupExpired(); n > 0 {
				s.logger.Debug("evicted expired user constraints", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
