package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/upb/llm-arbiter/app"
	"github.com/upb/llm-arbiter/auth"
	"github.com/upb/llm-arbiter/config"
	"github.com/upb/llm-arbiter/internal/observability"
	"github.com/upb/llm-arbiter/routes"
	"github.com/upb/llm-arbiter/services/ratelimit"
	"go.uber.org/zap"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "api-gateway",
		Short:        "LLM arbitration gateway",
		Long:         "Routes chat completions to the best available model and executes them with rate limiting, circuit breaking and fallback.",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newRateLimitCmd(), newTokenCmd())
	return root
}

// initLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func initLogger() (*zap.Logger, error) {
	return observability.NewLogger(config.ObservabilityConfig{
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "json"),
		ServiceName: envOrDefault("SERVICE_NAME", "llm-arbiter"),
	})
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	logger, err := initLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.New(ctx)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}
	if err := deps.Start(ctx); err != nil {
		_ = deps.Close(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api-gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := deps.Close(shutdownCtx); err != nil {
		logger.Error("dependency shutdown failed", zap.Error(err))
	}
	logger.Info("api-gateway stopped")
	return runErr
}

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Maintain rate limiter state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "backfill-index",
			Short: "Rebuild the per-tenant identifier indexes from existing keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRateLimiter(cmd.Context(), func(ctx context.Context, svc *ratelimit.RateLimitService) error {
					n, err := svc.BackfillIndex(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "indexed %d identifiers\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "prune-index",
			Short: "Remove indexed identifiers whose keys have expired",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRateLimiter(cmd.Context(), func(ctx context.Context, svc *ratelimit.RateLimitService) error {
					n, err := svc.PruneAllIndexes(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "pruned %d identifiers\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func withRateLimiter(ctx context.Context, fn func(context.Context, *ratelimit.RateLimitService) error) error {
	logger, err := initLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	return fn(ctx, ratelimit.NewRateLimitService(rdb, logger))
}

func newTokenCmd() *cobra.Command {
	var (
		subject   string
		tenantID  string
		projectID string
		roles     []string
		ttl       time.Duration
	)

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			now := time.Now()
			claims := &auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					Issuer:    cfg.Auth.Issuer,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				TenantID:  tenantID,
				ProjectID: projectID,
				Roles:     roles,
			}
			if cfg.Auth.Audience != "" {
				claims.Audience = jwt.ClaimStrings{cfg.Auth.Audience}
			}

			token, err := auth.NewValidator(auth.Config{Secret: cfg.Auth.JWTSecret}).IssueToken(claims)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject (user id)")
	issue.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	issue.Flags().StringVar(&projectID, "project", "", "project id")
	issue.Flags().StringSliceVar(&roles, "roles", nil, "comma separated roles")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	_ = issue.MarkFlagRequired("tenant")

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(issue)
	return cmd
}
