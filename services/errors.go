package services

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeForbidden           ErrorType = "forbidden"
	ErrorTypeRateLimit           ErrorType = "rate_limit"
	ErrorTypeBudget              ErrorType = "budget"
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeExternal            ErrorType = "external"
	ErrorTypeNoSuitableModel     ErrorType = "no_suitable_model"
	ErrorTypeComplianceViolation ErrorType = "compliance_violation"
	ErrorTypeUnsupported         ErrorType = "unsupported_operation"
	ErrorTypeAllModelsFailed     ErrorType = "all_models_failed"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error. Do not call it on the package sentinels.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is matching. Build returned errors with the New* helpers.
var (
	ErrNotFound      = NewDomainError(ErrorTypeNotFound, "not found", nil)
	ErrModelNotFound = NewDomainError(ErrorTypeNotFound, "model not found", nil)
	ErrInvalidInput  = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrBudgetExceeded    = NewDomainError(ErrorTypeBudget, "budget exceeded", nil)

	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrProviderError = NewDomainError(ErrorTypeExternal, "LLM provider error", nil)

	ErrNoSuitableModel              = NewDomainError(ErrorTypeNoSuitableModel, "no suitable model", nil)
	ErrComplianceViolation          = NewDomainError(ErrorTypeComplianceViolation, "compliance violation", nil)
	ErrProviderUnsupportedOperation = NewDomainError(ErrorTypeUnsupported, "provider does not support operation", nil)
	ErrAllModelsFailed              = NewDomainError(ErrorTypeAllModelsFailed, "all models failed", nil)
)

// NewValidationError reports invalid caller input
func NewValidationError(message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil)
}

// NewNoSuitableModelError reports that arbitration produced no candidate
func NewNoSuitableModelError(reason string) *DomainError {
	return NewDomainError(ErrorTypeNoSuitableModel, "no suitable model: "+reason, nil)
}

// NewComplianceViolationError carries the violated rules
func NewComplianceViolationError(violations []string) *DomainError {
	return NewDomainError(ErrorTypeComplianceViolation, "request violates compliance rules", nil).
		WithDetail("violations", violations)
}

// NewRateLimitError carries the window state of a denied admission
func NewRateLimitError(identifier, limitType string, current, max int) *DomainError {
	return NewDomainError(ErrorTypeRateLimit, fmt.Sprintf("%s limit exceeded for %s", limitType, identifier), nil).
		WithDetail("limit_type", limitType).
		WithDetail("current", current).
		WithDetail("max", max)
}

// NewUnsupportedOperationError reports an adapter lacking an operation
func NewUnsupportedOperationError(provider, operation string) *DomainError {
	return NewDomainError(ErrorTypeUnsupported, fmt.Sprintf("provider %s does not support %s", provider, operation), nil).
		WithDetail("provider", provider).
		WithDetail("operation", operation)
}

// NewAllModelsFailedError aggregates the primary failure with every fallback failure.
// errors.Is still matches the primary error through the aggregate.
func NewAllModelsFailedError(primary error, fallbacks ...error) *DomainError {
	return NewDomainError(ErrorTypeAllModelsFailed,
		fmt.Sprintf("primary model and %d fallback(s) failed", len(fallbacks)),
		multierr.Combine(append([]error{primary}, fallbacks...)...))
}

// Attempts returns the individual errors aggregated in an AllModelsFailed error
func Attempts(err error) []error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Type == ErrorTypeAllModelsFailed {
		return multierr.Errors(domainErr.Err)
	}
	return nil
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsComplianceViolation checks if an error is a request-level compliance failure
func IsComplianceViolation(err error) bool {
	return GetErrorType(err) == ErrorTypeComplianceViolation
}

// IsBudgetError checks if an error is a budget error
func IsBudgetError(err error) bool {
	return GetErrorType(err) == ErrorTypeBudget
}

// GetErrorType returns the ErrorType of the outermost domain error, or empty string
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
