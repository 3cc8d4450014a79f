package arbitration

import (
	"context"
	"fmt"
	"sync"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"go.uber.org/zap"
)

// ExecuteBatch runs every request through Execute with at most
// BatchConcurrency executions in flight. Items fail independently; a failed
// item never cancels its siblings. Responses keep request order.
func (e *Engine) ExecuteBatch(ctx context.Context, reqs []*models.CompletionRequest, actx models.ArbitrationContext) (*models.BatchResult, error) {
	if len(reqs) == 0 {
		return nil, services.NewValidationError("batch must contain at least one request")
	}

	start := e.clock.Now()
	responses := make([]*models.CompletionResponse, len(reqs))
	errs := make([]error, len(reqs))

	sem := make(chan struct{}, e.config.BatchConcurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *models.CompletionRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()

			e.metrics.BatchItemStarted()
			responses[i], errs[i] = e.executeItem(ctx, req, actx)
			e.metrics.BatchItemFinished(errs[i])
		}(i, req)
	}
	wg.Wait()

	result := &models.BatchResult{
		Responses:  make([]*models.CompletionResponse, 0, len(reqs)),
		ModelUsage: make(map[string]int),
	}
	for i, resp := range responses {
		if err := errs[i]; err != nil {
			failure := models.BatchFailure{Index: i, Error: err.Error(), Err: err}
			if reqs[i] != nil {
				failure.RequestID = reqs[i].ID
			}
			result.Failures = append(result.Failures, failure)
			continue
		}
		result.Responses = append(result.Responses, resp)
		result.TotalCost += resp.Cost
		result.ModelUsage[resp.ModelID]++
	}
	result.ProcessingTime = e.clock.Since(start)

	e.logger.Info("batch completed",
		zap.String("tenant_id", actx.TenantID),
		zap.Int("requests", len(reqs)),
		zap.Int("succeeded", len(result.Responses)),
		zap.Int("failed", len(result.Failures)),
		zap.Float64("total_cost", result.TotalCost),
		zap.Duration("processing_time", result.ProcessingTime))
	return result, nil
}

// executeItem isolates one batch item, turning a panic into an item failure
func (e *Engine) executeItem(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (resp *models.CompletionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("batch item panicked", zap.Any("panic", r))
			resp, err = nil, services.WrapInternal("batch item failed", fmt.Errorf("panic: %v", r))
		}
	}()
	return e.Execute(ctx, req, actx)
}
