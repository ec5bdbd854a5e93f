package middleware

import (
	"context"

	jwtutil "agentfleet/backend/app/jwt"
)

const Anonymous = "anonymous"

func GetClaims(ctx context.Context) *jwtutil.Claims {
	if v := ctx.Value(ClaimsKey); v != nil {
		if c, ok := v.(*jwtutil.Claims); ok {
			return c
		}
	}
	return nil
}

// Subject never fails: a request without identity is "anonymous".
func Subject(ctx context.Context) string {
	if c := GetClaims(ctx); c != nil && c.Subject != "" {
		return c.Subject
	}
	return Anonymous
}

// AllowsTenant reports whether the caller may act on tenantID. Anonymous
// callers and callers without a tenant claim are not restricted here.
func AllowsTenant(ctx context.Context, tenantID string) bool {
	c := GetClaims(ctx)
	return c == nil || c.Tenant == "" || c.Tenant == tenantID
}
