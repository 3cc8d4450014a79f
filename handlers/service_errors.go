package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/services/circuitbreaker"
	"github.com/upb/llm-arbiter/services/providers"
	"github.com/upb/llm-arbiter/utils"
	"go.uber.org/zap"
)

// StatusForError maps an error to its HTTP status
func StatusForError(err error) int {
	switch services.GetErrorType(err) {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden, services.ErrorTypeComplianceViolation:
		return http.StatusForbidden
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeNoSuitableModel:
		return http.StatusServiceUnavailable
	case services.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case services.ErrorTypeBudget:
		return http.StatusPaymentRequired
	case services.ErrorTypeUnsupported:
		return http.StatusNotImplemented
	case services.ErrorTypeAllModelsFailed, services.ErrorTypeExternal:
		return http.StatusBadGateway
	case services.ErrorTypeInternal:
		return http.StatusInternalServerError
	}

	var perr *providers.ProviderError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// HandleServiceError maps domain errors to HTTP responses. Internal error
// messages are not sent to the client.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status := StatusForError(err)
	message := err.Error()
	details := services.GetErrorDetails(err)

	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusNotImplemented:
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "An internal error occurred"
			details = nil
		}
	default:
		logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	if err := utils.WriteError(w, status, message, publicDetails(details)); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// publicDetails drops values that do not serialize, such as nested errors
func publicDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if e, ok := v.(error); ok {
			out[k] = e.Error()
			continue
		}
		out[k] = v
	}
	return out
}

// HandleValidationError handles request validation errors
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for field, msg := range fields {
			details[field] = msg
		}

		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write bad request response", zap.Error(err))
	}
}
