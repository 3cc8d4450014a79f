package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
)

const (
	// ttlGrace keeps window keys alive past the window so orphaned keys still expire
	ttlGrace = 5 * time.Minute

	maxViolations = 1000
	violationTTL  = 30 * 24 * time.Hour
)

// DefaultLimits are applied when an identifier has no stored configuration
var DefaultLimits = map[models.LimitType]models.RateLimitConfig{
	models.LimitRequests: {MaxCount: 100, Window: time.Minute},
	models.LimitTokens:   {MaxCount: 1000, Window: time.Minute},
}

// RateLimitService is a window-aligned sliding window limiter backed by Redis.
// All shared state lives in Redis; the service holds no per-identifier state.
type RateLimitService struct {
	rdb      redis.UniversalClient
	clock    clock.Clock
	defaults map[models.LimitType]models.RateLimitConfig
	logger   *zap.Logger
}

// Option configures a RateLimitService
type Option func(*RateLimitService)

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(s *RateLimitService) { s.clock = c }
}

// WithDefaults overrides the default limit for a limit type
func WithDefaults(limitType models.LimitType, cfg models.RateLimitConfig) Option {
	return func(s *RateLimitService) { s.defaults[limitType] = cfg }
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(rdb redis.UniversalClient, logger *zap.Logger, opts ...Option) *RateLimitService {
	s := &RateLimitService{
		rdb:      rdb,
		clock:    clock.New(),
		defaults: make(map[models.LimitType]models.RateLimitConfig, len(DefaultLimits)),
		logger:   logger,
	}
	for k, v := range DefaultLimits {
		s.defaults[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identifier derives the limiter identifier: tenant|project, else tenant|user, else tenant
func Identifier(tenantID, projectID, userID string) string {
	switch {
	case projectID != "":
		return tenantID + "|" + projectID
	case userID != "":
		return tenantID + "|" + userID
	default:
		return tenantID
	}
}

func stateKey(identifier string, limitType models.LimitType) string {
	return identifier + "|state|" + string(limitType)
}

func configKey(identifier string, limitType models.LimitType) string {
	return identifier + "|config|" + string(limitType)
}

func violationsKey(identifier string) string {
	return identifier + "|violations"
}

func indexKey(tenantID string) string {
	return "tenant:" + tenantID + ":identifiers"
}

func tenantOf(identifier string) string {
	tenant, _, _ := strings.Cut(identifier, "|")
	return tenant
}

// windowBounds aligns the window to the wall clock: start = now - now mod window
func windowBounds(now time.Time, window time.Duration) (start, reset time.Time) {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	unix := now.Unix()
	start = time.Unix(unix-unix%secs, 0)
	return start, start.Add(time.Duration(secs) * time.Second)
}

// Check admits one event if the current window has capacity
func (s *RateLimitService) Check(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error) {
	cfg, err := s.GetConfig(ctx, identifier, limitType)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	windowStart, resetAt := windowBounds(now, cfg.Window)
	key := stateKey(identifier, limitType)

	count, err := s.purgeAndCount(ctx, key, windowStart)
	if err != nil {
		return nil, err
	}

	status := &models.RateLimitStatus{
		Allowed:      count < cfg.MaxCount,
		CurrentCount: count,
		Max:          cfg.MaxCount,
		ResetTime:    resetAt,
	}

	if !status.Allowed {
		s.recordViolation(ctx, identifier, limitType, count, cfg.MaxCount, resetAt, now)
		return status, nil
	}

	if err := s.insert(ctx, identifier, key, now, 1, cfg); err != nil {
		return nil, err
	}
	status.CurrentCount = count + 1
	status.Remaining = cfg.MaxCount - status.CurrentCount
	return status, nil
}

// Record adds n events without an admission decision, e.g. tokens consumed by a
// completed call. Events beyond MaxCount cannot change any later decision and are dropped.
func (s *RateLimitService) Record(ctx context.Context, identifier string, limitType models.LimitType, n int) error {
	if n <= 0 {
		return nil
	}
	cfg, err := s.GetConfig(ctx, identifier, limitType)
	if err != nil {
		return err
	}
	if n > cfg.MaxCount {
		n = cfg.MaxCount
	}

	now := s.clock.Now()
	windowStart, _ := windowBounds(now, cfg.Window)
	key := stateKey(identifier, limitType)

	if _, err := s.purgeAndCount(ctx, key, windowStart); err != nil {
		return err
	}
	return s.insert(ctx, identifier, key, now, n, cfg)
}

// Usage returns the current window state without admitting anything
func (s *RateLimitService) Usage(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error) {
	cfg, err := s.GetConfig(ctx, identifier, limitType)
	if err != nil {
		return nil, err
	}

	windowStart, resetAt := windowBounds(s.clock.Now(), cfg.Window)
	n, err := s.rdb.ZCount(ctx, stateKey(identifier, limitType), strconv.FormatInt(windowStart.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count window: %w", err)
	}

	count := int(n)
	remaining := cfg.MaxCount - count
	if remaining < 0 {
		remaining = 0
	}
	return &models.RateLimitStatus{
		Allowed:      count < cfg.MaxCount,
		CurrentCount: count,
		Max:          cfg.MaxCount,
		Remaining:    remaining,
		ResetTime:    resetAt,
	}, nil
}

// Headroom reports the current window state like Usage and records a
// violation when the window is already exhausted. It admits nothing, so it
// gates limits that are consumed after the fact, such as tokens.
func (s *RateLimitService) Headroom(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error) {
	status, err := s.Usage(ctx, identifier, limitType)
	if err != nil {
		return nil, err
	}
	if !status.Allowed {
		s.recordViolation(ctx, identifier, limitType, status.CurrentCount, status.Max, status.ResetTime, s.clock.Now())
	}
	return status, nil
}

// GetUsage returns the current window state for every limit type
func (s *RateLimitService) GetUsage(ctx context.Context, identifier string) (map[models.LimitType]*models.RateLimitStatus, error) {
	usage := make(map[models.LimitType]*models.RateLimitStatus, 2)
	for _, lt := range []models.LimitType{models.LimitRequests, models.LimitTokens} {
		status, err := s.Usage(ctx, identifier, lt)
		if err != nil {
			return nil, err
		}
		usage[lt] = status
	}
	return usage, nil
}

// Reset clears the window for one limit type
func (s *RateLimitService) Reset(ctx context.Context, identifier string, limitType models.LimitType) error {
	if err := s.rdb.Del(ctx, stateKey(identifier, limitType)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	s.logger.Info("rate limit reset",
		zap.String("identifier", identifier),
		zap.String("limit_type", string(limitType)))
	return nil
}

// GetViolations returns up to limit recent violations, newest first
func (s *RateLimitService) GetViolations(ctx context.Context, identifier string, limit int) ([]models.RateLimitViolation, error) {
	if limit <= 0 || limit > maxViolations {
		limit = maxViolations
	}
	raw, err := s.rdb.LRange(ctx, violationsKey(identifier), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read violations: %w", err)
	}

	violations := make([]models.RateLimitViolation, 0, len(raw))
	for _, item := range raw {
		var v models.RateLimitViolation
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			s.logger.Warn("skipping malformed violation", zap.String("identifier", identifier), zap.Error(err))
			continue
		}
		violations = append(violations, v)
	}
	return violations, nil
}

// GetConfig returns the stored configuration or the default for limitType
func (s *RateLimitService) GetConfig(ctx context.Context, identifier string, limitType models.LimitType) (models.RateLimitConfig, error) {
	def, ok := s.defaults[limitType]
	if !ok {
		return models.RateLimitConfig{}, fmt.Errorf("unknown limit type %q", limitType)
	}

	raw, err := s.rdb.Get(ctx, configKey(identifier, limitType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return models.RateLimitConfig{}, fmt.Errorf("failed to read rate limit config: %w", err)
	}

	var cfg models.RateLimitConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.MaxCount <= 0 || cfg.Window < time.Second {
		s.logger.Warn("invalid stored rate limit config, using default",
			zap.String("identifier", identifier),
			zap.String("limit_type", string(limitType)))
		return def, nil
	}
	return cfg, nil
}

// SetConfig stores an override for identifier and limitType
func (s *RateLimitService) SetConfig(ctx context.Context, identifier string, limitType models.LimitType, cfg models.RateLimitConfig) error {
	if !limitType.Valid() {
		return fmt.Errorf("unknown limit type %q", limitType)
	}
	if cfg.MaxCount <= 0 || cfg.Window < time.Second {
		return fmt.Errorf("invalid rate limit config: max %d window %s", cfg.MaxCount, cfg.Window)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, configKey(identifier, limitType), data, 0)
		pipe.SAdd(ctx, indexKey(tenantOf(identifier)), identifier)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store rate limit config: %w", err)
	}
	return nil
}

// purgeAndCount drops entries older than windowStart and counts the rest in one MULTI/EXEC
func (s *RateLimitService) purgeAndCount(ctx context.Context, key string, windowStart time.Time) (int, error) {
	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge window: %w", err)
	}
	return int(card.Val()), nil
}

// insert adds n members scored by now and refreshes the key TTL in one MULTI/EXEC
func (s *RateLimitService) insert(ctx context.Context, identifier, key string, now time.Time, n int, cfg models.RateLimitConfig) error {
	score := float64(now.UnixMilli())
	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{Score: score, Member: strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()}
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, cfg.Window+ttlGrace)
		pipe.SAdd(ctx, indexKey(tenantOf(identifier)), identifier)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record rate limit event: %w", err)
	}
	return nil
}

func (s *RateLimitService) recordViolation(ctx context.Context, identifier string, limitType models.LimitType, count, max int, resetAt, now time.Time) {
	data, err := json.Marshal(models.RateLimitViolation{
		Identifier: identifier,
		LimitType:  limitType,
		Count:      count,
		Max:        max,
		ResetTime:  resetAt,
		OccurredAt: now,
	})
	if err != nil {
		return
	}

	key := violationsKey(identifier)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxViolations-1)
		pipe.Expire(ctx, key, violationTTL)
		pipe.SAdd(ctx, indexKey(tenantOf(identifier)), identifier)
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to record rate limit violation", zap.String("identifier", identifier), zap.Error(err))
		return
	}

	s.logger.Info("rate limit exceeded",
		zap.String("identifier", identifier),
		zap.String("limit_type", string(limitType)),
		zap.Int("count", count),
		zap.Int("max", max))
}
