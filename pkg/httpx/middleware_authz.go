package httpx

import (
	"net/http"
	"strings"
)

// RequireAnyRole allows the request through when the caller holds at least
// one of the listed roles.
func RequireAnyRole(required ...string) Middleware {
	want := make(map[string]struct{}, len(required))
	for _, r := range required {
		want[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, role := range rolesFromCtx(r.Context()) {
				if _, ok := want[role]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeBearerRoleError(w, required...)
		})
	}
}

// RFC 6750-style error response for insufficient privileges.
func writeBearerRoleError(w http.ResponseWriter, required ...string) {
	w.Header().
		Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+strings.Join(required, " ")+`"`)
	WriteError(w, http.StatusForbidden, "insufficient privileges")
}
