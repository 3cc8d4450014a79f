// Package audit persists execution audit entries off the request path.
//
// Entries travel on two lanes. Denials and failures use the critical lane:
// callers wait up to Config.EnqueueTimeout for room. Everything else uses the
// routine lane and is dropped when the lane is full.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

var (
	ErrNotRunning = errors.New("audit service not running")
	ErrQueueFull  = errors.New("audit queue full")
)

const writeTimeout = 5 * time.Second

type Config struct {
	BufferSize     int // capacity of each lane
	WorkerCount    int
	EnqueueTimeout time.Duration // how long a critical entry waits for room
}

func DefaultConfig() Config {
	return Config{
		BufferSize:     10000,
		WorkerCount:    5,
		EnqueueTimeout: 100 * time.Millisecond,
	}
}

type Stats struct {
	BufferSize      int
	WorkerCount     int
	PendingCritical int
	PendingRoutine  int
	Dropped         uint64
	Running         bool
}

type AuditService struct {
	repo     repositories.AuditRepository
	logger   *zap.Logger
	cfg      Config
	critical chan *models.AuditLog
	routine  chan *models.AuditLog
	dropped  atomic.Uint64

	mu      sync.RWMutex
	running bool
	done    bool
	wg      sync.WaitGroup
}

func NewAuditService(repo repositories.AuditRepository, logger *zap.Logger, cfg Config) *AuditService {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	return &AuditService{
		repo:     repo,
		logger:   logger.Named("audit"),
		cfg:      cfg,
		critical: make(chan *models.AuditLog, cfg.BufferSize),
		routine:  make(chan *models.AuditLog, cfg.BufferSize),
	}
}

// Start launches the writers. A service runs at most once.
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.done {
		return fmt.Errorf("audit service already started")
	}

	s.wg.Add(s.cfg.WorkerCount)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		go s.drain()
	}
	s.running = true
	s.logger.Info("audit writers started",
		zap.Int("workers", s.cfg.WorkerCount),
		zap.Int("lane_capacity", s.cfg.BufferSize))
	return nil
}

// Stop closes both lanes and waits up to timeout for queued entries to be written.
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.done = true
	pending := len(s.critical) + len(s.routine)
	close(s.critical)
	close(s.routine)
	s.mu.Unlock()

	s.logger.Info("draining audit queue", zap.Int("pending", pending))

	flushed := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit drain timeout after %v", timeout)
	}
}

// Log queues entry on the lane its action belongs to.
func (s *AuditService) Log(ctx context.Context, entry *models.AuditLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}

	if !isCritical(entry.Action) {
		select {
		case s.routine <- entry:
			return nil
		default:
			s.dropped.Add(1)
			s.logger.Warn("audit queue full, dropping entry",
				zap.String("action", string(entry.Action)),
				zap.String("tenant_id", entry.TenantID))
			return ErrQueueFull
		}
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.critical <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.dropped.Add(1)
		s.logger.Error("critical audit entry not queued",
			zap.String("action", string(entry.Action)),
			zap.String("tenant_id", entry.TenantID),
			zap.String("request_id", entry.RequestID))
		return ErrQueueFull
	}
}

// LogRateLimitReset records an operator clearing a rate limit window
func (s *AuditService) LogRateLimitReset(tenantID, identifier string, limitType models.LimitType, actor string) error {
	entry := models.NewAuditLog(models.ArbitrationContext{TenantID: tenantID, UserID: actor}, models.AuditActionRateLimitReset, "")
	entry.WithDetails(map[string]interface{}{
		"identifier": identifier,
		"limit_type": limitType,
	})
	return s.Log(context.Background(), entry)
}

func (s *AuditService) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		BufferSize:      s.cfg.BufferSize,
		WorkerCount:     s.cfg.WorkerCount,
		PendingCritical: len(s.critical),
		PendingRoutine:  len(s.routine),
		Dropped:         s.dropped.Load(),
		Running:         s.running,
	}
}

// drain writes entries until both lanes are closed and empty, always
// emptying the critical lane before taking a routine entry.
func (s *AuditService) drain() {
	defer s.wg.Done()

	critical, routine := s.critical, s.routine
	for critical != nil || routine != nil {
		select {
		case entry, ok := <-critical:
			if !ok {
				critical = nil
			} else {
				s.write(entry)
			}
			continue
		default:
		}

		select {
		case entry, ok := <-critical:
			if !ok {
				critical = nil
				continue
			}
			s.write(entry)
		case entry, ok := <-routine:
			if !ok {
				routine = nil
				continue
			}
			s.write(entry)
		}
	}
}

func (s *AuditService) write(entry *models.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.repo.Insert(ctx, entry); err != nil {
		s.logger.Error("audit insert failed",
			zap.Error(err),
			zap.String("action", string(entry.Action)),
			zap.String("tenant_id", entry.TenantID))
	}
}

func isCritical(action models.AuditAction) bool {
	switch action {
	case models.AuditActionComplianceDenied, models.AuditActionExecutionFailed, models.AuditActionRateLimited:
		return true
	default:
		return false
	}
}
