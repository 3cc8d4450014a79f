package arbitration

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services/circuitbreaker"
	"github.com/upb/llm-arbiter/services/providers"
	"go.uber.org/zap"
)

var defaultWeights = models.ScoringWeights{Performance: 0.4, Cost: 0.3, Compliance: 0.2, Reliability: 0.1}

func testModel(id, provider string, intelligence float64) models.Model {
	return models.Model{
		ID:                   id,
		ProviderID:           provider,
		Name:                 id,
		InputCostPerMillion:  1,
		OutputCostPerMillion: 2,
		MaxContextTokens:     128000,
		IntelligenceScore:    intelligence,
		Capabilities:         map[models.Capability]float64{models.CapabilityCode: 80},
		Tier:                 models.TierStandard,
		SupportedRegions:     []string{"us", "eu"},
		Active:               true,
	}
}

type fakeCatalog struct {
	mu        sync.Mutex
	models    []models.Model
	err       error
	health    map[string]models.HealthStatus
	healthErr map[string]error
	decisions []*models.ArbitrationResult
	failures  []*models.FailureRecord
	perf      map[string][]bool
}

func (f *fakeCatalog) GetActiveModels(ctx context.Context) ([]models.Model, error) {
	return f.models, f.err
}

func (f *fakeCatalog) GetProviderHealth(ctx context.Context, providerID string) (models.HealthStatus, error) {
	if err := f.healthErr[providerID]; err != nil {
		return models.HealthUnknown, err
	}
	if status, ok := f.health[providerID]; ok {
		return status, nil
	}
	return models.HealthHealthy, nil
}

func (f *fakeCatalog) RecordPerformance(ctx context.Context, modelID, providerID string, latency time.Duration, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perf == nil {
		f.perf = make(map[string][]bool)
	}
	f.perf[modelID] = append(f.perf[modelID], success)
	return nil
}

func (f *fakeCatalog) RecordDecision(ctx context.Context, actx models.ArbitrationContext, result *models.ArbitrationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, result)
	return nil
}

func (f *fakeCatalog) RecordFailure(ctx context.Context, record *models.FailureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, record)
	return nil
}

func (f *fakeCatalog) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

type fakeUsers struct {
	blocked map[string][]string
	err     error
}

func (f *fakeUsers) GetUserConstraints(ctx context.Context, tenantID, userID string) (*models.UserConstraints, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.UserConstraints{UserID: userID, BlockedModels: f.blocked[userID]}, nil
}

type fakeCompliance struct {
	violations        map[string][]string
	modelErr          map[string]error
	requestViolations []string
}

func (f *fakeCompliance) CheckModelCompliance(ctx context.Context, m models.Model, actx models.ArbitrationContext) (*models.ComplianceResult, error) {
	if err := f.modelErr[m.ID]; err != nil {
		return nil, err
	}
	v := f.violations[m.ID]
	return &models.ComplianceResult{IsCompliant: len(v) == 0, Violations: v}, nil
}

func (f *fakeCompliance) CheckRequestCompliance(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (*models.ComplianceResult, error) {
	return &models.ComplianceResult{IsCompliant: len(f.requestViolations) == 0, Violations: f.requestViolations}, nil
}

// factorScores are the scorer outputs for one model
type factorScores struct {
	perf, cost, compliance, reliability float64
	latency                             time.Duration
	expectedCost                        float64
	err                                 error
}

// uniform gives every factor the same score, so the final score equals it
func uniform(score, expectedCost float64) factorScores {
	return factorScores{
		perf:         score,
		cost:         score,
		compliance:   score,
		reliability:  score,
		latency:      time.Second,
		expectedCost: expectedCost,
	}
}

type fakeScorer struct {
	scores  map[string]factorScores
	weights models.ScoringWeights
}

func newFakeScorer() *fakeScorer {
	return &fakeScorer{scores: make(map[string]factorScores), weights: defaultWeights}
}

func (f *fakeScorer) get(m models.Model) factorScores {
	if s, ok := f.scores[m.ID]; ok {
		return s
	}
	return uniform(75, 0.01)
}

func (f *fakeScorer) CalculatePerformanceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	s := f.get(m)
	return s.perf, s.err
}

func (f *fakeScorer) CalculateCostScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	return f.get(m).cost, nil
}

func (f *fakeScorer) CalculateComplianceScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	return f.get(m).compliance, nil
}

func (f *fakeScorer) CalculateReliabilityScore(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	return f.get(m).reliability, nil
}

func (f *fakeScorer) EstimateLatency(ctx context.Context, m models.Model, actx models.ArbitrationContext) (time.Duration, error) {
	return f.get(m).latency, nil
}

func (f *fakeScorer) CalculateExpectedCost(ctx context.Context, m models.Model, actx models.ArbitrationContext) (float64, error) {
	return f.get(m).expectedCost, nil
}

func (f *fakeScorer) GetScoringWeights(actx models.ArbitrationContext) models.ScoringWeights {
	return f.weights
}

// fakeProvider answers completions and streams from scripted functions
type fakeProvider struct {
	name     string
	calls    atomic.Int32
	complete func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	stream   func(ctx context.Context, req *providers.ChatRequest) (providers.StreamReader, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *fakeProvider) SendCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls.Add(1)
	if p.complete == nil {
		return &providers.ChatResponse{
			Model:        req.Model,
			Provider:     p.name,
			Content:      "hello from " + p.name,
			FinishReason: "stop",
			Usage:        models.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		}, nil
	}
	return p.complete(ctx, req)
}

func (p *fakeProvider) SendStreamingCompletion(ctx context.Context, req *providers.ChatRequest) (providers.StreamReader, error) {
	p.calls.Add(1)
	if p.stream == nil {
		return newSliceReader("hello ", "world"), nil
	}
	return p.stream(ctx, req)
}

func failingProvider(name string, err error) *fakeProvider {
	return &fakeProvider{
		name: name,
		complete: func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
			return nil, err
		},
		stream: func(ctx context.Context, req *providers.ChatRequest) (providers.StreamReader, error) {
			return nil, err
		},
	}
}

// sliceReader yields the given contents, then a usage chunk, then io.EOF
type sliceReader struct {
	chunks []string
	pos    int
	usage  *models.Usage
	err    error
	closed atomic.Bool
}

func newSliceReader(chunks ...string) *sliceReader {
	return &sliceReader{chunks: chunks, usage: &models.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}}
}

func (r *sliceReader) Recv() (*models.StreamChunk, error) {
	if r.pos < len(r.chunks) {
		c := &models.StreamChunk{Content: r.chunks[r.pos]}
		r.pos++
		return c, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.usage != nil {
		c := &models.StreamChunk{FinishReason: "stop", Usage: r.usage}
		r.usage = nil
		return c, nil
	}
	return nil, io.EOF
}

func (r *sliceReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeAdapters struct {
	providers map[string]*fakeProvider
}

func (f *fakeAdapters) GetProvider(name string) (providers.Provider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, providers.ErrProviderNotFound
	}
	return p, nil
}

func (f *fakeAdapters) GetStreamingProvider(name string) (providers.StreamingProvider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, providers.ErrProviderNotFound
	}
	return p, nil
}

type fakeCosts struct {
	mu      sync.Mutex
	status  *models.BudgetStatus
	err     error
	records []*models.UsageRecord
}

func (f *fakeCosts) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeCosts) GetBudgetStatus(ctx context.Context, actx models.ArbitrationContext) (*models.BudgetStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.status == nil {
		return &models.BudgetStatus{}, nil
	}
	return f.status, nil
}

func (f *fakeCosts) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeLimiter struct {
	mu       sync.Mutex
	requests *models.RateLimitStatus
	tokens   *models.RateLimitStatus
	err      error
	recorded map[models.LimitType]int
}

func (f *fakeLimiter) Check(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.requests != nil {
		return f.requests, nil
	}
	return &models.RateLimitStatus{Allowed: true, Max: 100}, nil
}

func (f *fakeLimiter) Headroom(ctx context.Context, identifier string, limitType models.LimitType) (*models.RateLimitStatus, error) {
	if f.tokens != nil {
		return f.tokens, nil
	}
	return &models.RateLimitStatus{Allowed: true, Max: 1000}, nil
}

func (f *fakeLimiter) Record(ctx context.Context, identifier string, limitType models.LimitType, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recorded == nil {
		f.recorded = make(map[models.LimitType]int)
	}
	f.recorded[limitType] += n
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (f *fakeAudit) Log(ctx context.Context, entry *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) actions() []models.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AuditAction, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeOutcomes struct {
	mu        sync.Mutex
	rate      float64
	decisions int
	err       error
	since     []time.Time
}

func (f *fakeOutcomes) FallbackRate(ctx context.Context, since time.Time) (float64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return f.rate, f.decisions, f.err
}

func (f *fakeOutcomes) set(rate float64, decisions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate, f.decisions = rate, decisions
}

func (f *fakeOutcomes) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.since)
}

// harness bundles an Engine with its fakes
type harness struct {
	engine     *Engine
	catalog    *fakeCatalog
	users      *fakeUsers
	compliance *fakeCompliance
	scorer     *fakeScorer
	adapters   *fakeAdapters
	costs      *fakeCosts
	limiter    *fakeLimiter
	audit      *fakeAudit
	outcomes   *fakeOutcomes
	clock      *clock.Mock
}

func newHarness(t *testing.T, catalog []models.Model, provs ...*fakeProvider) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig(), catalog, provs...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, catalog []models.Model, provs ...*fakeProvider) *harness {
	t.Helper()
	h := &harness{
		catalog:    &fakeCatalog{models: catalog},
		users:      &fakeUsers{},
		compliance: &fakeCompliance{},
		scorer:     newFakeScorer(),
		adapters:   &fakeAdapters{providers: make(map[string]*fakeProvider)},
		costs:      &fakeCosts{},
		limiter:    &fakeLimiter{},
		audit:      &fakeAudit{},
		outcomes:   &fakeOutcomes{},
		clock:      clock.NewMock(),
	}
	h.clock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	for _, p := range provs {
		h.adapters.providers[p.name] = p
	}

	logger := zap.NewNop()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), h.clock, logger)
	h.engine = NewEngine(Dependencies{
		Catalog:    h.catalog,
		Users:      h.users,
		Compliance: h.compliance,
		Scorer:     h.scorer,
		Breaker:    breakers,
		Adapters:   h.adapters,
		Costs:      h.costs,
		Limiter:    h.limiter,
		Audit:      h.audit,
		Outcomes:   h.outcomes,
	}, cfg, logger, WithClock(h.clock))
	return h
}

func testRequest(id, content string) *models.CompletionRequest {
	return &models.CompletionRequest{
		ID:              id,
		Messages:        []models.Message{{Role: "user", Content: content}},
		MaxOutputTokens: 256,
	}
}

var errProviderDown = errors.New("provider unavailable")
