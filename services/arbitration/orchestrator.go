package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-arbiter/internal/observability"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/services/circuitbreaker"
	"github.com/upb/llm-arbiter/services/providers"
	"github.com/upb/llm-arbiter/services/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Admit runs admission control for actx. A request is denied when the request
// window is full or the token window is already exhausted. Limiter store
// errors admit the request.
func (e *Engine) Admit(ctx context.Context, actx models.ArbitrationContext) error {
	if e.deps.Limiter == nil {
		return nil
	}
	id := ratelimit.Identifier(actx.TenantID, actx.ProjectID, actx.UserID)

	status, err := e.deps.Limiter.Check(ctx, id, models.LimitRequests)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("rate limit check failed, admitting request",
			zap.String("identifier", id),
			zap.Error(err))
		return nil
	}
	if !status.Allowed {
		return e.denied(ctx, actx, id, models.LimitRequests, status)
	}

	tokens, err := e.deps.Limiter.Headroom(ctx, id, models.LimitTokens)
	if err != nil {
		e.logger.Warn("token usage lookup failed, admitting request",
			zap.String("identifier", id),
			zap.Error(err))
		return nil
	}
	if !tokens.Allowed {
		return e.denied(ctx, actx, id, models.LimitTokens, tokens)
	}
	return nil
}

func (e *Engine) denied(ctx context.Context, actx models.ArbitrationContext, id string, lt models.LimitType, status *models.RateLimitStatus) error {
	e.metrics.ObserveRateLimitDenial(string(lt))
	e.audit(ctx, models.NewAuditLog(actx, models.AuditActionRateLimited, "").WithDetails(map[string]interface{}{
		"identifier": id,
		"limit_type": lt,
		"count":      status.CurrentCount,
		"max":        status.Max,
		"reset_time": status.ResetTime,
	}))
	return services.NewRateLimitError(id, string(lt), status.CurrentCount, status.Max).
		WithDetail("reset_time", status.ResetTime)
}

// prepare runs every step that precedes provider execution: validation,
// enrichment, admission, arbitration, request compliance and the budget gate.
// A failure gets an audit entry unless its step already wrote one.
func (e *Engine) prepare(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (models.ArbitrationContext, *models.ArbitrationResult, error) {
	start := e.clock.Now()
	enriched, result, err := e.prepareSteps(ctx, req, actx)
	if err == nil || ctx.Err() != nil || services.IsRateLimitError(err) || services.IsComplianceViolation(err) {
		return enriched, result, err
	}

	var requestID string
	if req != nil {
		requestID = req.ID
	}
	e.audit(context.WithoutCancel(ctx), models.NewAuditLog(enriched, models.AuditActionExecutionFailed, requestID).
		WithElapsed(e.clock.Since(start)).
		WithError(err).
		WithDetails(map[string]interface{}{"stage": "preparation"}))
	return enriched, result, err
}

func (e *Engine) prepareSteps(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (models.ArbitrationContext, *models.ArbitrationResult, error) {
	if err := ValidateRequest(req); err != nil {
		return actx, nil, err
	}
	enriched := Enrich(actx, req)

	if err := e.Admit(ctx, enriched); err != nil {
		return enriched, nil, err
	}

	result, err := e.Arbitrate(ctx, enriched)
	if err != nil {
		return enriched, nil, err
	}

	check, err := e.deps.Compliance.CheckRequestCompliance(ctx, req, enriched)
	if err != nil {
		return enriched, nil, err
	}
	if !check.IsCompliant {
		e.audit(ctx, models.NewAuditLog(enriched, models.AuditActionComplianceDenied, req.ID).
			WithDecision(result.DecisionID).
			WithDetails(map[string]interface{}{"violations": check.Violations}))
		return enriched, nil, services.NewComplianceViolationError(check.Violations)
	}

	if err := e.checkBudget(ctx, enriched, result.CostEstimate); err != nil {
		return enriched, nil, err
	}
	return enriched, result, nil
}

// checkBudget rejects a request its tenant cannot afford. Lookup errors admit it.
func (e *Engine) checkBudget(ctx context.Context, actx models.ArbitrationContext, cost float64) error {
	if e.deps.Costs == nil {
		return nil
	}
	status, err := e.deps.Costs.GetBudgetStatus(ctx, actx)
	if err != nil {
		e.logger.Warn("budget lookup failed, admitting request",
			zap.String("tenant_id", actx.TenantID),
			zap.Error(err))
		return nil
	}
	if status.CanMakeRequest(cost) {
		return nil
	}
	return services.NewDomainError(services.ErrorTypeBudget, "request would exceed budget", nil).
		WithDetail("tenant_id", actx.TenantID).
		WithDetail("estimated_cost", cost).
		WithDetail("daily_spend", status.DailySpend).
		WithDetail("monthly_spend", status.MonthlySpend)
}

// Execute selects a model for req and runs it. When the selected model fails
// and fallback is enabled, fallbacks are tried in order until one succeeds.
// If every attempt fails the original error is kept inside an AllModelsFailed
// error; with fallback disabled it is returned unchanged.
func (e *Engine) Execute(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (resp *models.CompletionResponse, err error) {
	ctx, span := e.tracer.Start(ctx, "arbitration.Execute", trace.WithAttributes(
		attribute.String("tenant_id", actx.TenantID),
	))
	defer func() { observability.EndSpan(span, err) }()

	if req != nil {
		span.SetAttributes(attribute.String("request_id", req.ID))
	}

	enriched, result, err := e.prepare(ctx, req, actx)
	if err != nil {
		return nil, err
	}

	resp, primaryErr := e.attempt(ctx, req, enriched, result, result.Selected, 1)
	if primaryErr == nil {
		return resp, nil
	}

	if !enriched.Fallback.Enabled || len(result.Fallbacks) == 0 {
		return nil, primaryErr
	}

	fallbacks := result.Fallbacks
	if limit := enriched.Fallback.MaxAttempts; limit > 0 && limit < len(fallbacks) {
		fallbacks = fallbacks[:limit]
	}

	var fallbackErrs []error
	for i, fb := range fallbacks {
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("execution failed, trying fallback",
			zap.String("request_id", req.ID),
			zap.String("failed_model", result.Selected.Model.ID),
			zap.String("fallback_model", fb.Model.ID),
			zap.Int("attempt", i+2),
			zap.Error(primaryErr))

		fbResp, fbErr := e.attempt(ctx, req, enriched, result, fb, i+2)
		e.metrics.ObserveFallback(fbErr == nil)
		if fbErr == nil {
			fbResp.FallbackUsed = true
			return fbResp, nil
		}
		fallbackErrs = append(fallbackErrs, fbErr)
	}

	if len(fallbackErrs) == 0 {
		return nil, primaryErr
	}
	return nil, services.NewAllModelsFailedError(primaryErr, fallbackErrs...).
		WithDetail("decision_id", result.DecisionID.String())
}

// attempt runs req against one candidate through the provider's circuit breaker
func (e *Engine) attempt(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext, result *models.ArbitrationResult, cand models.Candidate, n int) (resp *models.CompletionResponse, err error) {
	m := cand.Model
	ctx, span := e.tracer.Start(ctx, "arbitration.attempt", trace.WithAttributes(
		attribute.String("model_id", m.ID),
		attribute.String("provider_id", m.ProviderID),
		attribute.Int("attempt", n),
	))
	defer func() { observability.EndSpan(span, err) }()

	start := e.clock.Now()

	adapter, err := e.deps.Adapters.GetProvider(m.ProviderID)
	if err != nil {
		e.recordFailure(ctx, req, actx, result, cand, n, err, 0)
		return nil, err
	}

	chatReq := providers.NewChatRequest(req, m, actx.UserID)
	var chat *providers.ChatResponse
	err = e.deps.Breaker.Execute(ctx, m.ProviderID, func(ctx context.Context) error {
		r, err := adapter.SendCompletion(ctx, chatReq)
		if err != nil {
			return err
		}
		chat = r
		return nil
	})
	elapsed := e.clock.Since(start)

	// rejected or abandoned calls say nothing about the provider
	if !errors.Is(err, circuitbreaker.ErrOpen) && ctx.Err() == nil {
		if perr := e.deps.Catalog.RecordPerformance(ctx, m.ID, m.ProviderID, elapsed, err == nil); perr != nil {
			e.logger.Warn("failed to record performance", zap.String("model_id", m.ID), zap.Error(perr))
		}
	}

	if err != nil {
		e.metrics.ObserveExecution(m.ProviderID, m.ID, err, elapsed, 0)
		e.recordFailure(ctx, req, actx, result, cand, n, err, elapsed)
		return nil, err
	}

	// the call finished but the caller is gone
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	usage := chat.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = actx.ExpectedInputTokens
		usage.OutputTokens = EstimateTokens(chat.Content)
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	cost := m.EstimateCost(usage.InputTokens, usage.OutputTokens)
	e.metrics.ObserveExecution(m.ProviderID, m.ID, nil, elapsed, cost)

	resp = &models.CompletionResponse{
		RequestID:    req.ID,
		DecisionID:   result.DecisionID,
		ModelID:      m.ID,
		ProviderID:   m.ProviderID,
		Content:      chat.Content,
		FinishReason: chat.FinishReason,
		Usage:        usage,
		Cost:         cost,
		Latency:      elapsed,
		Attempts:     n,
	}
	e.recordSuccess(ctx, actx, result, resp)

	e.logger.Info("execution succeeded",
		zap.String("request_id", req.ID),
		zap.String("decision_id", result.DecisionID.String()),
		zap.String("model_id", m.ID),
		zap.Int("attempt", n),
		zap.Duration("latency", elapsed),
		zap.Int("tokens", usage.TotalTokens),
		zap.Float64("cost", cost))
	return resp, nil
}

// recordSuccess books usage and writes the success audit entry
func (e *Engine) recordSuccess(ctx context.Context, actx models.ArbitrationContext, result *models.ArbitrationResult, resp *models.CompletionResponse) {
	ctx = context.WithoutCancel(ctx)
	e.recordUsage(ctx, actx, resp)

	e.audit(ctx, models.NewAuditLog(actx, models.AuditActionExecutionSucceeded, resp.RequestID).
		WithDecision(result.DecisionID).
		WithExecution(resp.ModelID, resp.ProviderID, resp.Latency).
		WithUsage(resp.Usage.TotalTokens, resp.Cost).
		WithDetails(map[string]interface{}{"attempt": resp.Attempts}))
}

// recordUsage books cost, token consumption and budget alerts. None of these
// can fail the request.
func (e *Engine) recordUsage(ctx context.Context, actx models.ArbitrationContext, resp *models.CompletionResponse) {
	if e.deps.Costs != nil {
		record := &models.UsageRecord{
			ID:           uuid.New(),
			TenantID:     actx.TenantID,
			ProjectID:    actx.ProjectID,
			UserID:       actx.UserID,
			RequestID:    resp.RequestID,
			ModelID:      resp.ModelID,
			ProviderID:   resp.ProviderID,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         resp.Cost,
			LatencyMs:    resp.Latency.Milliseconds(),
			CreatedAt:    e.clock.Now().UTC(),
		}
		if err := e.deps.Costs.RecordUsage(ctx, record); err != nil {
			e.logger.Error("failed to record usage",
				zap.String("request_id", resp.RequestID),
				zap.Error(err))
		}

		if status, err := e.deps.Costs.GetBudgetStatus(ctx, actx); err != nil {
			e.logger.Warn("budget threshold check failed", zap.String("tenant_id", actx.TenantID), zap.Error(err))
		} else if status.ThresholdReached() {
			e.metrics.ObserveBudgetAlert(actx.TenantID)
			e.logger.Warn("budget alert threshold reached",
				zap.String("tenant_id", actx.TenantID),
				zap.Float64("daily_spend", status.DailySpend),
				zap.Float64("daily_limit", status.DailyLimit),
				zap.Float64("monthly_spend", status.MonthlySpend),
				zap.Float64("monthly_limit", status.MonthlyLimit))
		}
	}

	if e.deps.Limiter != nil {
		id := ratelimit.Identifier(actx.TenantID, actx.ProjectID, actx.UserID)
		if err := e.deps.Limiter.Record(ctx, id, models.LimitTokens, resp.Usage.TotalTokens); err != nil {
			e.logger.Warn("failed to record token usage", zap.String("identifier", id), zap.Error(err))
		}
	}
}

// recordFailure writes the audit entry and failure record for one failed attempt
func (e *Engine) recordFailure(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext, result *models.ArbitrationResult, cand models.Candidate, n int, cause error, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	m := cand.Model

	e.audit(ctx, models.NewAuditLog(actx, models.AuditActionExecutionFailed, req.ID).
		WithDecision(result.DecisionID).
		WithExecution(m.ID, m.ProviderID, elapsed).
		WithError(cause).
		WithDetails(map[string]interface{}{
			"attempt":      n,
			"circuit_open": errors.Is(cause, circuitbreaker.ErrOpen),
			"retryable":    providers.IsRetryable(cause),
		}))

	record := &models.FailureRecord{
		ID:         uuid.New(),
		DecisionID: result.DecisionID,
		TenantID:   actx.TenantID,
		RequestID:  req.ID,
		ModelID:    m.ID,
		ProviderID: m.ProviderID,
		Attempt:    n,
		Error:      cause.Error(),
		ElapsedMs:  elapsed.Milliseconds(),
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.deps.Catalog.RecordFailure(ctx, record); err != nil {
		e.logger.Error("failed to record execution failure",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}

func (e *Engine) audit(ctx context.Context, entry *models.AuditLog) {
	if e.deps.Audit == nil {
		return
	}
	if err := e.deps.Audit.Log(ctx, entry); err != nil {
		e.logger.Warn("failed to queue audit entry",
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

