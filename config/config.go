package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Providers     ProvidersConfig
	Arbitration   ArbitrationConfig
	RateLimit     RateLimitConfig
	Scoring       ScoringConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the rate limiter store connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// ProvidersConfig holds the OpenAI-compatible endpoints the gateway can route to
type ProvidersConfig struct {
	OpenAI     ProviderEndpoint
	OpenRouter ProviderEndpoint
	Groq       ProviderEndpoint
}

// ProviderEndpoint holds one provider configuration. Name is the catalog provider id.
type ProviderEndpoint struct {
	Name       string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	OrgID      string
}

// Enabled reports whether the endpoint has credentials
func (p ProviderEndpoint) Enabled() bool {
	return p.APIKey != ""
}

// Endpoints returns the configured endpoints that have credentials
func (p ProvidersConfig) Endpoints() []ProviderEndpoint {
	var out []ProviderEndpoint
	for _, e := range []ProviderEndpoint{p.OpenAI, p.OpenRouter, p.Groq} {
		if e.Enabled() {
			out = append(out, e)
		}
	}
	return out
}

// ArbitrationConfig tunes the arbitration engine
type ArbitrationConfig struct {
	BatchConcurrency  int
	MaxFallbacks      int
	MinFinalScore     float64
	OptimizeInterval  time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	ProviderTimeout   time.Duration
	ScoringWeightFile string
}

// RateLimitConfig holds default per-identifier limits
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	TokensPerMinute   int
	CleanupInterval   time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	ServiceName    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 20),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
			Audience:  getEnv("JWT_AUDIENCE", ""),
		},
		Providers: ProvidersConfig{
			OpenAI:     loadProvider("OPENAI", "openai", "https://api.openai.com/v1"),
			OpenRouter: loadProvider("OPENROUTER", "openrouter", "https://openrouter.ai/api/v1"),
			Groq:       loadProvider("GROQ", "groq", "https://api.groq.com/openai/v1"),
		},
		Arbitration: ArbitrationConfig{
			BatchConcurrency:  getEnvAsInt("ARBITRATION_BATCH_CONCURRENCY", 10),
			MaxFallbacks:      getEnvAsInt("ARBITRATION_MAX_FALLBACKS", 3),
			MinFinalScore:     getEnvAsFloat("ARBITRATION_MIN_FINAL_SCORE", 50),
			OptimizeInterval:  getEnvAsDuration("ARBITRATION_OPTIMIZE_INTERVAL", 15*time.Minute),
			BreakerThreshold:  getEnvAsInt("CIRCUIT_BREAKER_THRESHOLD", 5),
			BreakerCooldown:   getEnvAsDuration("CIRCUIT_BREAKER_COOLDOWN", 30*time.Second),
			ProviderTimeout:   getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 0),
			ScoringWeightFile: getEnv("SCORING_WEIGHTS_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 100),
			TokensPerMinute:   getEnvAsInt("RATE_LIMIT_TOKENS_PER_MINUTE", 1000),
			CleanupInterval:   getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("SERVICE_NAME", "llm-arbiter"),
		},
	}

	scoring := DefaultScoringConfig()
	if path := cfg.Arbitration.ScoringWeightFile; path != "" {
		loaded, err := LoadScoringConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load scoring weights: %w", err)
		}
		scoring = loaded
	}
	cfg.Scoring = scoring

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if len(c.Providers.Endpoints()) == 0 {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	if c.Arbitration.BatchConcurrency < 1 {
		return fmt.Errorf("batch concurrency must be at least 1")
	}
	if c.Arbitration.MaxFallbacks < 0 {
		return fmt.Errorf("max fallbacks cannot be negative")
	}
	if c.Arbitration.OptimizeInterval <= 0 {
		return fmt.Errorf("optimize interval must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 1 || c.RateLimit.TokensPerMinute < 1 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.RateLimit.CleanupInterval <= 0 {
		return fmt.Errorf("rate limit cleanup interval must be positive")
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "arbiter"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "arbiter"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadProvider(prefix, name, baseURL string) ProviderEndpoint {
	return ProviderEndpoint{
		Name:       name,
		APIKey:     getEnv(prefix+"_API_KEY", ""),
		BaseURL:    getEnv(prefix+"_BASE_URL", baseURL),
		Timeout:    getEnvAsDuration(prefix+"_TIMEOUT", 60*time.Second),
		MaxRetries: getEnvAsInt(prefix+"_MAX_RETRIES", 2),
		OrgID:      getEnv(prefix+"_ORG_ID", ""),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
