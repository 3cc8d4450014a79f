package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name:    "error with wrapped error",
			err:     &DomainError{Type: ErrorTypeNotFound, Message: "model not found", Err: errors.New("db error")},
			wantMsg: "not_found: model not found (db error)",
		},
		{
			name:    "error without wrapped error",
			err:     &DomainError{Type: ErrorTypeValidation, Message: "invalid input"},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same type", NewNoSuitableModelError("empty catalog"), ErrNoSuitableModel, true},
		{"different type", NewValidationError("bad"), ErrNoSuitableModel, false},
		{"wrapped", fmt.Errorf("arbitrate: %w", NewComplianceViolationError([]string{"pii"})), ErrComplianceViolation, true},
		{"plain error", errors.New("x"), ErrRateLimitExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestHelpersDoNotMutateSentinels(t *testing.T) {
	_ = NewRateLimitError("t1|p1", "requests", 100, 100)
	_ = NewUnsupportedOperationError("local", "streaming")

	assert.Empty(t, ErrRateLimitExceeded.Details)
	assert.Empty(t, ErrProviderUnsupportedOperation.Details)
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("t1|p1", "requests", 100, 100)

	assert.True(t, IsRateLimitError(err))
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	details := GetErrorDetails(err)
	assert.Equal(t, 100, details["max"])
	assert.Equal(t, "requests", details["limit_type"])
}

func TestNewAllModelsFailedError(t *testing.T) {
	primary := errors.New("primary timed out")
	fb1 := errors.New("fallback 1 refused")
	fb2 := errors.New("fallback 2 refused")

	err := NewAllModelsFailedError(primary, fb1, fb2)

	assert.True(t, errors.Is(err, ErrAllModelsFailed))
	assert.True(t, errors.Is(err, primary), "primary error must stay reachable")
	assert.True(t, errors.Is(err, fb2))
	assert.Contains(t, err.Error(), "2 fallback(s)")

	attempts := Attempts(err)
	require.Len(t, attempts, 3)
	assert.Equal(t, primary, attempts[0])
	assert.Nil(t, Attempts(primary))
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeUnsupported, GetErrorType(NewUnsupportedOperationError("p", "streaming")))
	assert.Equal(t, ErrorTypeInternal, GetErrorType(WrapInternal("db", errors.New("x"))))
	assert.Equal(t, ErrorTypeExternal, GetErrorType(WrapExternal("provider", errors.New("x"))))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
	assert.True(t, IsValidationError(NewValidationError("x")))
	assert.True(t, IsComplianceViolation(NewComplianceViolationError(nil)))
	assert.True(t, IsBudgetError(ErrBudgetExceeded))
	assert.True(t, IsNotFoundError(ErrModelNotFound))
}
