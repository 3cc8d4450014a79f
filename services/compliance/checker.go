// Package compliance decides whether a model may serve a tenant and whether a
// request may leave the gateway at all.
package compliance

import (
	"context"
	"fmt"

	"github.com/upb/llm-arbiter/models"
	"go.uber.org/zap"
)

// Checker evaluates residency, encryption and PII rules
type Checker struct {
	logger *zap.Logger
}

// NewChecker creates a new Checker
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{logger: logger}
}

// CheckModelCompliance verifies the model satisfies the context's data handling flags
func (c *Checker) CheckModelCompliance(ctx context.Context, m models.Model, actx models.ArbitrationContext) (*models.ComplianceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var violations []string
	flags := actx.Compliance

	if flags.DataResidency != "" && !m.SupportsRegion(flags.DataResidency) {
		violations = append(violations, fmt.Sprintf("data residency %s not supported", flags.DataResidency))
	}
	if flags.EncryptionAtRestRegion != "" {
		switch {
		case !m.EncryptsAtRest:
			violations = append(violations, "encryption at rest not offered")
		case !m.SupportsRegion(flags.EncryptionAtRestRegion):
			violations = append(violations, fmt.Sprintf("encryption at rest region %s not supported", flags.EncryptionAtRestRegion))
		}
	}

	return &models.ComplianceResult{IsCompliant: len(violations) == 0, Violations: violations}, nil
}

// CheckRequestCompliance scans the request content against the context's rules
func (c *Checker) CheckRequestCompliance(ctx context.Context, req *models.CompletionRequest, actx models.ArbitrationContext) (*models.ComplianceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !actx.Compliance.ProhibitPII {
		return &models.ComplianceResult{IsCompliant: true}, nil
	}

	found := DetectPII(req.Text())
	if len(found) == 0 {
		return &models.ComplianceResult{IsCompliant: true}, nil
	}

	violations := make([]string, 0, len(found))
	for _, t := range found {
		violations = append(violations, "pii detected: "+string(t))
	}
	c.logger.Info("request blocked by pii rule",
		zap.String("request_id", req.ID),
		zap.String("tenant_id", actx.TenantID),
		zap.Strings("violations", violations))
	return &models.ComplianceResult{IsCompliant: false, Violations: violations}, nil
}
