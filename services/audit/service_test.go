package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/repositories"
	"go.uber.org/zap"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu           sync.Mutex
	insertedLogs []*models.AuditLog
}

func (m *MockAuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	args := m.Called(ctx, log)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertedLogs = append(m.insertedLogs, log)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByAction(ctx context.Context, tenantID string, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, action, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditLog, error) {
	args := m.Called(ctx, requestID)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	args := m.Called(tx)
	return args.Get(0).(repositories.AuditRepository)
}

func (m *MockAuditRepository) GetInsertedLogs() []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.insertedLogs...)
}

func testEntry(action models.AuditAction) *models.AuditLog {
	return models.NewAuditLog(models.ArbitrationContext{TenantID: "acme", ProjectID: "web"}, action, "req-1")
}

func TestAuditService_StartStop(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 2})

	assert.ErrorIs(t, service.Stop(time.Second), ErrNotRunning)
	require.NoError(t, service.Start())

	stats := service.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	assert.Error(t, service.Start())
	require.NoError(t, service.Stop(5*time.Second))

	// stopped services reject entries instead of panicking on the closed lanes
	assert.ErrorIs(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionSucceeded)), ErrNotRunning)
	assert.ErrorIs(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionFailed)), ErrNotRunning)
	assert.Error(t, service.Start())
}

func TestAuditService_Log(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 100, WorkerCount: 2})
	require.NoError(t, service.Start())
	defer service.Stop(5 * time.Second)

	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	entry := testEntry(models.AuditActionExecutionSucceeded).
		WithExecution("gpt-4o", "openai", 150*time.Millisecond).
		WithUsage(420, 0.003)
	require.NoError(t, service.Log(context.Background(), entry))
	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionRateLimited)))

	assert.Eventually(t, func() bool {
		return len(mockRepo.GetInsertedLogs()) == 2
	}, time.Second, 10*time.Millisecond)

	var succeeded *models.AuditLog
	for _, l := range mockRepo.GetInsertedLogs() {
		if l.Action == models.AuditActionExecutionSucceeded {
			succeeded = l
		}
	}
	require.NotNil(t, succeeded)
	assert.Equal(t, "acme", succeeded.TenantID)
	assert.Equal(t, int64(150), *succeeded.LatencyMs)
}

func TestAuditService_ConcurrentLogging(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 1000, WorkerCount: 5, EnqueueTimeout: time.Second})
	require.NoError(t, service.Start())

	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	goroutineCount := 10
	entriesPerGoroutine := 10
	var wg sync.WaitGroup

	for i := 0; i < goroutineCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := models.AuditActionExecutionSucceeded
			if i%2 == 0 {
				action = models.AuditActionExecutionFailed
			}
			for j := 0; j < entriesPerGoroutine; j++ {
				_ = service.Log(context.Background(), testEntry(action))
			}
		}(i)
	}
	wg.Wait()

	// Stop drains both lanes before returning
	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedLogs(), goroutineCount*entriesPerGoroutine)
}

func TestAuditService_InsertErrorsAreLogged(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1, EnqueueTimeout: time.Second})
	require.NoError(t, service.Start())

	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionFailed)))
	require.NoError(t, service.Stop(5*time.Second))
	mockRepo.AssertNumberOfCalls(t, "Insert", 1)
}

func TestAuditService_LogRateLimitReset(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())
	require.NoError(t, service.Start())

	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, service.LogRateLimitReset("acme", "acme|web", models.LimitRequests, "ops-user"))
	require.NoError(t, service.Stop(5*time.Second))

	logs := mockRepo.GetInsertedLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.AuditActionRateLimitReset, logs[0].Action)
	assert.Equal(t, "ops-user", logs[0].UserID)
	assert.Contains(t, string(logs[0].Details), `"identifier":"acme|web"`)
}

// blockingRepo parks every insert until release is closed and reports each
// insert that has started on entered.
func blockingRepo() (*MockAuditRepository, chan struct{}, chan struct{}) {
	mockRepo := new(MockAuditRepository)
	release := make(chan struct{})
	entered := make(chan struct{}, 100)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		entered <- struct{}{}
		<-release
	})
	return mockRepo, release, entered
}

func TestAuditService_RoutineLaneDropsWhenFull(t *testing.T) {
	mockRepo, release, entered := blockingRepo()
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 5, WorkerCount: 1})
	require.NoError(t, service.Start())

	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionSucceeded)))
	<-entered

	accepted := 0
	for i := 0; i < 20; i++ {
		if err := service.Log(context.Background(), testEntry(models.AuditActionExecutionSucceeded)); err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrQueueFull)
		}
	}
	assert.Equal(t, 5, accepted)
	assert.Equal(t, uint64(15), service.Stats().Dropped)

	close(release)
	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedLogs(), 6)
}

func TestAuditService_CriticalLaneWaitsForRoom(t *testing.T) {
	mockRepo, release, entered := blockingRepo()
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1, EnqueueTimeout: 20 * time.Millisecond})
	require.NoError(t, service.Start())

	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionFailed)))
	<-entered
	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionFailed)))

	started := time.Now()
	err := service.Log(context.Background(), testEntry(models.AuditActionComplianceDenied))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, service.Log(ctx, testEntry(models.AuditActionExecutionFailed)), context.Canceled)

	close(release)
	require.NoError(t, service.Stop(5*time.Second))
	assert.Len(t, mockRepo.GetInsertedLogs(), 2)
}

func TestAuditService_StopTimeout(t *testing.T) {
	mockRepo, release, entered := blockingRepo()
	defer close(release)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 100, WorkerCount: 1})
	require.NoError(t, service.Start())

	require.NoError(t, service.Log(context.Background(), testEntry(models.AuditActionExecutionSucceeded)))
	<-entered

	err := service.Stop(100 * time.Millisecond)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestIsCritical(t *testing.T) {
	assert.True(t, isCritical(models.AuditActionComplianceDenied))
	assert.True(t, isCritical(models.AuditActionExecutionFailed))
	assert.True(t, isCritical(models.AuditActionRateLimited))
	assert.False(t, isCritical(models.AuditActionExecutionSucceeded))
	assert.False(t, isCritical(models.AuditActionRateLimitReset))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 10000, config.BufferSize)
	assert.Equal(t, 5, config.WorkerCount)
	assert.Equal(t, 100*time.Millisecond, config.EnqueueTimeout)
}
