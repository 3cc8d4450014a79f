package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-arbiter/middleware"
	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services/ratelimit"
	"github.com/upb/llm-arbiter/utils"
	"go.uber.org/zap"
)

// RateLimitAdmin inspects and adjusts rate-limit state
type RateLimitAdmin interface {
	GetUsage(ctx context.Context, identifier string) (map[models.LimitType]*models.RateLimitStatus, error)
	GetViolations(ctx context.Context, identifier string, limit int) ([]models.RateLimitViolation, error)
	Reset(ctx context.Context, identifier string, limitType models.LimitType) error
	GetConfig(ctx context.Context, identifier string, limitType models.LimitType) (models.RateLimitConfig, error)
	SetConfig(ctx context.Context, identifier string, limitType models.LimitType, cfg models.RateLimitConfig) error
}

// AuditRecorder records administrative actions
type AuditRecorder interface {
	LogRateLimitReset(tenantID, identifier string, limitType models.LimitType, actor string) error
}

// UsageResponse is the window state of one identifier
type UsageResponse struct {
	Identifier string                                       `json:"identifier"`
	Limits     map[models.LimitType]*models.RateLimitStatus `json:"limits"`
}

// RateLimitConfigRequest sets a limit's capacity
type RateLimitConfigRequest struct {
	MaxCount      int `json:"max_count" validate:"gt=0"`
	WindowSeconds int `json:"window_seconds" validate:"gte=1,lte=86400"`
}

// RateLimitConfigResponse reports a limit's capacity
type RateLimitConfigResponse struct {
	Identifier    string           `json:"identifier"`
	LimitType     models.LimitType `json:"limit_type"`
	MaxCount      int              `json:"max_count"`
	WindowSeconds int              `json:"window_seconds"`
}

// RateLimitHandler serves the rate-limit administration endpoints
type RateLimitHandler struct {
	limits RateLimitAdmin
	audit  AuditRecorder
	logger *zap.Logger
}

// NewRateLimitHandler creates a new RateLimitHandler. audit may be nil.
func NewRateLimitHandler(limits RateLimitAdmin, audit AuditRecorder, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		limits: limits,
		audit:  audit,
		logger: logger,
	}
}

// identifier resolves the limiter identifier a request targets. Callers may
// name another identifier with ?identifier= only within their own tenant.
func (h *RateLimitHandler) identifier(w http.ResponseWriter, r *http.Request) (middleware.Tenant, string, bool) {
	tenant, ok := middleware.GetTenantFromContext(r.Context())
	if !ok {
		_ = utils.WriteUnauthorized(w, "Missing tenant information")
		return tenant, "", false
	}

	id := r.URL.Query().Get("identifier")
	if id == "" {
		return tenant, ratelimit.Identifier(tenant.TenantID, tenant.ProjectID, tenant.UserID), true
	}
	if id != tenant.TenantID && !strings.HasPrefix(id, tenant.TenantID+"|") {
		h.logger.Warn("cross-tenant rate limit access denied",
			zap.String("tenant_id", tenant.TenantID),
			zap.String("identifier", id))
		_ = utils.WriteForbidden(w, "Identifier belongs to another tenant")
		return tenant, "", false
	}
	return tenant, id, true
}

func limitTypeParam(w http.ResponseWriter, r *http.Request) (models.LimitType, bool) {
	lt := models.LimitType(chi.URLParam(r, "limitType"))
	if !lt.Valid() {
		_ = utils.WriteBadRequest(w, "Unknown limit type", map[string]interface{}{"limit_type": string(lt)})
		return "", false
	}
	return lt, true
}

// HandleUsage handles GET /v1/ratelimit/usage
func (h *RateLimitHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.identifier(w, r)
	if !ok {
		return
	}

	usage, err := h.limits.GetUsage(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to read rate limit usage", zap.String("identifier", id), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	_ = utils.WriteOK(w, UsageResponse{Identifier: id, Limits: usage})
}

// HandleViolations handles GET /v1/ratelimit/violations
func (h *RateLimitHandler) HandleViolations(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.identifier(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	violations, err := h.limits.GetViolations(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to read violations", zap.String("identifier", id), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	if violations == nil {
		violations = []models.RateLimitViolation{}
	}
	_ = utils.WriteOK(w, violations)
}

// HandleReset handles DELETE /v1/ratelimit/{limitType}
func (h *RateLimitHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	tenant, id, ok := h.identifier(w, r)
	if !ok {
		return
	}
	lt, ok := limitTypeParam(w, r)
	if !ok {
		return
	}

	if err := h.limits.Reset(r.Context(), id, lt); err != nil {
		h.logger.Error("failed to reset rate limit", zap.String("identifier", id), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	if h.audit != nil {
		if err := h.audit.LogRateLimitReset(tenant.TenantID, id, lt, tenant.UserID); err != nil {
			h.logger.Warn("failed to audit rate limit reset", zap.String("identifier", id), zap.Error(err))
		}
	}
	utils.WriteNoContent(w)
}

// HandleGetConfig handles GET /v1/ratelimit/{limitType}/config
func (h *RateLimitHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.identifier(w, r)
	if !ok {
		return
	}
	lt, ok := limitTypeParam(w, r)
	if !ok {
		return
	}

	cfg, err := h.limits.GetConfig(r.Context(), id, lt)
	if err != nil {
		h.logger.Error("failed to read rate limit config", zap.String("identifier", id), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}
	_ = utils.WriteOK(w, configResponse(id, lt, cfg))
}

// HandleSetConfig handles PUT /v1/ratelimit/{limitType}/config
func (h *RateLimitHandler) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.identifier(w, r)
	if !ok {
		return
	}
	lt, ok := limitTypeParam(w, r)
	if !ok {
		return
	}

	var req RateLimitConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	cfg := models.RateLimitConfig{MaxCount: req.MaxCount, Window: time.Duration(req.WindowSeconds) * time.Second}
	if err := h.limits.SetConfig(r.Context(), id, lt, cfg); err != nil {
		h.logger.Error("failed to store rate limit config", zap.String("identifier", id), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	h.logger.Info("rate limit config updated",
		zap.String("identifier", id),
		zap.String("limit_type", string(lt)),
		zap.Int("max_count", cfg.MaxCount),
		zap.Duration("window", cfg.Window))
	_ = utils.WriteOK(w, configResponse(id, lt, cfg))
}

func configResponse(id string, lt models.LimitType, cfg models.RateLimitConfig) RateLimitConfigResponse {
	return RateLimitConfigResponse{
		Identifier:    id,
		LimitType:     lt,
		MaxCount:      cfg.MaxCount,
		WindowSeconds: int(cfg.Window / time.Second),
	}
}
