package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/auth"
)

func TestInitLogger(t *testing.T) {
	t.Run("default json logger", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "info")
		t.Setenv("LOG_FORMAT", "json")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("development console logger", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "console")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("invalid log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "invalid")
		t.Setenv("LOG_FORMAT", "json")

		logger, err := initLogger()
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("defaults when not set", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "")
		t.Setenv("LOG_FORMAT", "")

		logger, err := initLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
	})
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	cmd := newRootCmd()

	for _, path := range [][]string{
		{"serve"},
		{"ratelimit", "backfill-index"},
		{"ratelimit", "prune-index"},
		{"token", "issue"},
	} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestTokenIssue(t *testing.T) {
	t.Run("signs a token the gateway accepts", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "cli-secret")

		out, err := runCmd(t, "token", "issue", "--subject", "user-1", "--tenant", "tenant-1", "--roles", "admin,ops", "--ttl", "10m")
		require.NoError(t, err)

		claims, err := auth.NewValidator(auth.Config{Secret: "cli-secret"}).ValidateToken(context.Background(), strings.TrimSpace(out))
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", claims.TenantID)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, []string{"admin", "ops"}, claims.Roles)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt, time.Minute)
	})

	t.Run("requires a secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")

		_, err := runCmd(t, "token", "issue", "--subject", "user-1", "--tenant", "tenant-1")
		assert.ErrorContains(t, err, "JWT_SECRET")
	})

	t.Run("requires a tenant", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "cli-secret")

		_, err := runCmd(t, "token", "issue", "--subject", "user-1")
		assert.Error(t, err)
	})
}

func TestRateLimitIndexCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	mr.Set("tenant-1|project-1|state|requests", "x")
	mr.Set("tenant-2|state|tokens", "x")

	out, err := runCmd(t, "ratelimit", "backfill-index")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 2 identifiers")

	members, err := mr.SMembers("tenant:tenant-1:identifiers")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-1|project-1"}, members)

	mr.Del("tenant-2|state|tokens")
	out, err = runCmd(t, "ratelimit", "prune-index")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 identifiers")
}

func TestRateLimitCommandRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	t.Setenv("REDIS_ADDR", addr)

	_, err := runCmd(t, "ratelimit", "backfill-index")
	assert.ErrorContains(t, err, "redis ping failed")
}
