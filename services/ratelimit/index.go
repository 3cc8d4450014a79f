package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
)

var keyMarkers = []string{"|state|", "|config|"}

// identifierFromKey recovers the identifier from a limiter key
func identifierFromKey(key string) (string, bool) {
	for _, marker := range keyMarkers {
		if i := strings.LastIndex(key, marker); i > 0 {
			return key[:i], true
		}
	}
	if strings.HasSuffix(key, "|violations") {
		id := strings.TrimSuffix(key, "|violations")
		return id, id != ""
	}
	return "", false
}

// ListIdentifiers returns the indexed identifiers of a tenant
func (s *RateLimitService) ListIdentifiers(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	return ids, nil
}

// BackfillIndex rebuilds the tenant indexes from the keys present in Redis
func (s *RateLimitService) BackfillIndex(ctx context.Context) (int, error) {
	added := 0
	for _, pattern := range []string{"*|state|*", "*|config|*", "*|violations"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			id, ok := identifierFromKey(iter.Val())
			if !ok {
				continue
			}
			n, err := s.rdb.SAdd(ctx, indexKey(tenantOf(id)), id).Result()
			if err != nil {
				return added, fmt.Errorf("failed to index %s: %w", id, err)
			}
			added += int(n)
		}
		if err := iter.Err(); err != nil {
			return added, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
	}

	s.logger.Info("rate limit index backfilled", zap.Int("added", added))
	return added, nil
}

// PruneIndex removes identifiers of tenantID whose keys have all expired
func (s *RateLimitService) PruneIndex(ctx context.Context, tenantID string) (int, error) {
	ids, err := s.ListIdentifiers(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		n, err := s.rdb.Exists(ctx, identifierKeys(id)...).Result()
		if err != nil {
			return pruned, fmt.Errorf("failed to check keys of %s: %w", id, err)
		}
		if n > 0 {
			continue
		}
		if err := s.rdb.SRem(ctx, indexKey(tenantID), id).Err(); err != nil {
			return pruned, fmt.Errorf("failed to prune %s: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}

// PruneAllIndexes prunes every tenant index found in Redis
func (s *RateLimitService) PruneAllIndexes(ctx context.Context) (int, error) {
	total := 0
	iter := s.rdb.Scan(ctx, 0, "tenant:*:identifiers", 100).Iterator()
	for iter.Next(ctx) {
		tenant := strings.TrimSuffix(strings.TrimPrefix(iter.Val(), "tenant:"), ":identifiers")
		n, err := s.PruneIndex(ctx, tenant)
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("failed to scan tenant indexes: %w", err)
	}
	return total, nil
}

// StartCleanupWorker prunes tenant indexes every interval until ctx is done
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit index cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			n, err := s.PruneAllIndexes(ctx)
			if err != nil {
				s.logger.Error("failed to prune rate limit indexes", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("pruned rate limit identifiers", zap.Int("pruned", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

func identifierKeys(id string) []string {
	return []string{
		stateKey(id, models.LimitRequests),
		stateKey(id, models.LimitTokens),
		configKey(id, models.LimitRequests),
		configKey(id, models.LimitTokens),
		violationsKey(id),
	}
}
