package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/upb/llm-arbiter/auth"
	"github.com/upb/llm-arbiter/config"
	"github.com/upb/llm-arbiter/internal/observability"
	"github.com/upb/llm-arbiter/middleware"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"github.com/upb/llm-arbiter/repositories/postgres"
	"github.com/upb/llm-arbiter/services/arbitration"
	"github.com/upb/llm-arbiter/services/audit"
	"github.com/upb/llm-arbiter/services/budget"
	"github.com/upb/llm-arbiter/services/catalog"
	"github.com/upb/llm-arbiter/services/circuitbreaker"
	"github.com/upb/llm-arbiter/services/compliance"
	"github.com/upb/llm-arbiter/services/providers"
	"github.com/upb/llm-arbiter/services/providers/openai"
	"github.com/upb/llm-arbiter/services/ratelimit"
	"github.com/upb/llm-arbiter/services/scoring"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	budgetRetention       = 90 * 24 * time.Hour
	budgetCleanupInterval = 24 * time.Hour
	cacheCleanupInterval  = 5 * time.Minute
	auditStopTimeout      = 5 * time.Second
	tokenLeeway           = 30 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  redis.UniversalClient
	Logger *zap.Logger

	// Observability
	MetricsRegistry *prometheus.Registry
	Metrics         *observability.Metrics

	// Repositories
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories
	TxManager   repositories.TransactionManager

	// Services
	Providers   *providers.Registry
	Breakers    *circuitbreaker.Registry
	Catalog     *catalog.Service
	Budget      *budget.BudgetService
	RateLimiter *ratelimit.RateLimitService
	Audit       *audit.AuditService
	Engine      *arbitration.Engine

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDependencies connects to PostgreSQL and Redis and wires every service on top of them.
// Background workers are not started; call Start.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	db, err := postgres.NewDB(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))

	deps, err := Build(cfg, db.DB, rdb, logger)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// OpenRedis creates a client for cfg and verifies it answers a PING
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Build wires the services over already opened connections
func Build(cfg *config.Config, sqlDB *sql.DB, rdb redis.UniversalClient, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		DB:     postgres.WrapDB(sqlDB, logger),
		Redis:  rdb,
		Logger: logger,
	}

	deps.initMetrics(cfg.Observability)
	deps.initRepositories()

	if err := deps.initProviders(cfg.Providers); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initServices(cfg)
	deps.initEngine(cfg.Arbitration)
	deps.initAuth(cfg.Auth)

	return deps, nil
}

func (d *Dependencies) initMetrics(cfg config.ObservabilityConfig) {
	d.MetricsRegistry = prometheus.NewRegistry()
	if !cfg.MetricsEnabled {
		return
	}
	d.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.MetricsRegistry)
}

func (d *Dependencies) initRepositories() {
	d.RepoFactory = postgres.NewRepositoryFactoryFromDB(d.DB, d.Logger)
	d.Repos = d.RepoFactory.NewRepositories()
	d.TxManager = d.RepoFactory.GetTransactionManager()
	d.Logger.Info("repositories initialized")
}

// initProviders registers one OpenAI-compatible adapter per configured endpoint
func (d *Dependencies) initProviders(cfg config.ProvidersConfig) error {
	registry := providers.NewRegistry()

	var configs []providers.ProviderConfig
	for _, endpoint := range cfg.Endpoints() {
		pc := providers.DefaultProviderConfig()
		pc.Name = endpoint.Name
		pc.APIKey = endpoint.APIKey
		pc.BaseURL = endpoint.BaseURL
		if endpoint.Timeout > 0 {
			pc.Timeout = endpoint.Timeout
		}
		pc.MaxRetries = endpoint.MaxRetries
		pc.OrgID = endpoint.OrgID
		configs = append(configs, pc)
	}

	builder := func(pc providers.ProviderConfig) (providers.Provider, error) {
		return openai.NewOpenAIAdapter(pc), nil
	}
	if err := registry.Build(builder, configs...); err != nil {
		return err
	}

	names := registry.ListProviders()
	if len(names) == 0 {
		d.Logger.Warn("no LLM providers configured")
	} else {
		d.Logger.Info("registered providers", zap.Strings("providers", names))
	}

	d.Providers = registry
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) {
	metrics := d.Metrics
	d.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Arbitration.BreakerThreshold,
		RecoveryTimeout:  cfg.Arbitration.BreakerCooldown,
		SuccessThreshold: circuitbreaker.DefaultConfig().SuccessThreshold,
		CallTimeout:      cfg.Arbitration.ProviderTimeout,
		OnStateChange: func(key string, _, to circuitbreaker.State) {
			metrics.ObserveBreakerTransition(key, to.String())
		},
	}, nil, d.Logger)

	d.Catalog = catalog.NewService(d.Repos, catalog.DefaultConfig(), d.Logger)
	d.Budget = budget.NewBudgetService(d.Repos.Budgets, d.TxManager, d.Logger)
	d.Audit = audit.NewAuditService(d.Repos.AuditLogs, d.Logger, audit.DefaultConfig())

	if cfg.RateLimit.Enabled {
		d.RateLimiter = ratelimit.NewRateLimitService(d.Redis, d.Logger,
			ratelimit.WithDefaults(models.LimitRequests, models.RateLimitConfig{
				MaxCount: cfg.RateLimit.RequestsPerMinute,
				Window:   time.Minute,
			}),
			ratelimit.WithDefaults(models.LimitTokens, models.RateLimitConfig{
				MaxCount: cfg.RateLimit.TokensPerMinute,
				Window:   time.Minute,
			}),
		)
	} else {
		d.Logger.Warn("rate limiting disabled")
	}
}

func (d *Dependencies) initEngine(cfg config.ArbitrationConfig) {
	engineCfg := arbitration.DefaultConfig()
	engineCfg.BatchConcurrency = cfg.BatchConcurrency
	engineCfg.Ranker.MaxFallbacks = cfg.MaxFallbacks
	engineCfg.Ranker.MinFinalScore = cfg.MinFinalScore

	engineDeps := arbitration.Dependencies{
		Catalog:    d.Catalog,
		Users:      d.Catalog,
		Compliance: compliance.NewChecker(d.Logger),
		Scorer:     scoring.NewHeuristic(d.Config.Scoring, d.Catalog),
		Breaker:    d.Breakers,
		Adapters:   d.Providers,
		Costs:      d.Budget,
		Audit:      d.Audit,
		Outcomes:   d.Catalog,
	}
	// A nil *RateLimitService must not become a non-nil interface
	if d.RateLimiter != nil {
		engineDeps.Limiter = d.RateLimiter
	}

	d.Engine = arbitration.NewEngine(engineDeps, engineCfg, d.Logger, arbitration.WithMetrics(d.Metrics))
}

func (d *Dependencies) initAuth(cfg config.AuthConfig) {
	if cfg.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject every request")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(rejectAllValidator{}, d.Logger)
		return
	}
	validator := auth.NewValidator(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   tokenLeeway,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(&tokenValidatorAdapter{validator: validator}, d.Logger)
	d.Logger.Info("bearer token validation enabled")
}

// Start launches the background workers. They stop when ctx is cancelled or Close is called.
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.goWorker(func() { d.Engine.StartOptimizer(ctx, d.Config.Arbitration.OptimizeInterval) })
	d.goWorker(func() { d.Catalog.StartCacheCleanup(ctx, cacheCleanupInterval) })
	d.goWorker(func() { d.Budget.StartCleanupWorker(ctx, budgetCleanupInterval, budgetRetention) })
	if d.RateLimiter != nil {
		d.goWorker(func() { d.RateLimiter.StartCleanupWorker(ctx, d.Config.RateLimit.CleanupInterval) })
	}
	return nil
}

func (d *Dependencies) goWorker(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// tokenValidatorAdapter adapts auth.Validator to middleware.TokenValidator
type tokenValidatorAdapter struct {
	validator *auth.Validator
}

func (a *tokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Subject:   parsed.Subject,
		TenantID:  parsed.TenantID,
		ProjectID: parsed.ProjectID,
		UserID:    parsed.UserID,
		Roles:     parsed.Roles,
	}, nil
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close stops the workers, drains the audit queue and closes the connections
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	started := d.cancel != nil
	if started {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.Logger.Warn("background workers did not stop before shutdown deadline")
	}

	var errs error
	if started {
		if err := d.Audit.Stop(auditStopTimeout); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	_ = d.Logger.Sync()
	return errs
}
