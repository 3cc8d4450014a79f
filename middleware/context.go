package middleware

import (
	"context"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for token claims
	ClaimsKey contextKey = "claims"

	// TenantKey is the context key for the caller's tenant, project and user
	TenantKey contextKey = "tenant"
)

// Claims are the authenticated caller's token claims
type Claims struct {
	Subject   string   `json:"sub"`
	TenantID  string   `json:"tenant_id"`
	ProjectID string   `json:"project_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims grant role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tenant identifies who a request is made for
type Tenant struct {
	TenantID  string
	ProjectID string
	UserID    string
}

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves token claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds token claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetTenantFromContext retrieves the tenant from context. ok is false when
// ExtractTenant has not run.
func GetTenantFromContext(ctx context.Context) (Tenant, bool) {
	tenant, ok := ctx.Value(TenantKey).(Tenant)
	return tenant, ok
}

// WithTenant adds the tenant to the context
func WithTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}
