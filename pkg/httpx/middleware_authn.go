package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/parleychat/parley/pkg/slogx"
)

// Identity is the authenticated caller as seen by HTTP handlers.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
	Products []string
	Agents   []string
}

// Verifier validates a raw bearer token and returns the caller identity.
// Implementations must check signature, expiry, token type and revocation.
type Verifier interface {
	VerifyAccess(ctx context.Context, raw string) (Identity, error)
}

func AuthnMiddleware(v Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeBearerError(w, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))

			ident, err := v.VerifyAccess(ctx, raw)
			if err != nil {
				writeBearerError(w, "token verification failed")
				log.Warn("jwt verify failed", "err", err)
				return
			}

			// Inject into context for downstream handlers.
			ctx = contextWithAuth(ctx, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextWithAuth(ctx context.Context, ident Identity) context.Context {
	ctx = context.WithValue(ctx, CtxKeyUserID, ident.UserID)
	ctx = context.WithValue(ctx, CtxKeyUsername, ident.Username)
	ctx = context.WithValue(ctx, CtxKeyRoles, ident.Roles)
	ctx = context.WithValue(ctx, CtxKeyClaims, ident)
	return ctx
}

// RFC 6750-compliant error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	w.WriteHeader(http.StatusUnauthorized)
}
