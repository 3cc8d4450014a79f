// Package auth validates the bearer tokens presented to the gateway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature does not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingTenant is returned when the token carries no tenant
	ErrMissingTenant = errors.New("token has no tenant")
)

// Claims are the custom claims carried by gateway tokens
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// ParsedClaims are validated claims
type ParsedClaims struct {
	Subject   string
	TenantID  string
	ProjectID string
	UserID    string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config holds validator settings. Issuer and Audience are checked when set.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Validator validates HS256 signed tokens
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator creates a Validator
func NewValidator(cfg Config) *Validator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// ValidateToken validates a token and returns its claims
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*ParsedClaims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenant
	}

	parsed := &ParsedClaims{
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		ProjectID: claims.ProjectID,
		UserID:    claims.UserID,
		Roles:     claims.Roles,
	}
	if parsed.UserID == "" {
		parsed.UserID = claims.Subject
	}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		parsed.ExpiresAt = claims.ExpiresAt.Time
	}
	return parsed, nil
}

// IssueToken signs claims with the validator's secret. Used by the CLI and tests.
func (v *Validator) IssueToken(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
