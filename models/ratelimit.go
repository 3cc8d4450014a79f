package models

import "time"

// LimitType is the resource a rate limit counts
type LimitType string

const (
	LimitRequests LimitType = "requests"
	LimitTokens   LimitType = "tokens"
)

// Valid reports whether t is a known limit type
func (t LimitType) Valid() bool {
	return t == LimitRequests || t == LimitTokens
}

// RateLimitConfig is the configured capacity of one window
type RateLimitConfig struct {
	MaxCount int           `json:"max_count" validate:"gt=0"`
	Window   time.Duration `json:"window" validate:"gte=1s"`
}

// RateLimitStatus is the result of an admission check
type RateLimitStatus struct {
	Allowed      bool      `json:"allowed"`
	CurrentCount int       `json:"current_count"`
	Max          int       `json:"max"`
	Remaining    int       `json:"remaining"`
	ResetTime    time.Time `json:"reset_time"`
}

// RateLimitViolation records a denied admission
type RateLimitViolation struct {
	Identifier string    `json:"identifier"`
	LimitType  LimitType `json:"limit_type"`
	Count      int       `json:"count"`
	Max        int       `json:"max"`
	ResetTime  time.Time `json:"reset_time"`
	OccurredAt time.Time `json:"occurred_at"`
}
