package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtutil "agentfleet/backend/app/jwt"
)

type ctxKey int

const ClaimsKey ctxKey = 1

type subjectSetter interface {
	SetSubject(string)
}

type Auth struct{ Signer *jwtutil.Signer }

// Identify attaches the caller's claims when the request carries a valid
// bearer token. Requests without one continue as anonymous; a token that does
// not verify is rejected.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if authz == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(authz, "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims, err := a.Signer.Parse(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if setter, ok := w.(subjectSetter); ok {
			setter.SetSubject(claims.Subject)
		}
		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSubject guards operations that act on behalf of an owner.
func (a *Auth) RequireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
