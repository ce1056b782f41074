package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/peterje/termbridge/internal/api"
)

// Auth checks the bearer token remote clients present. An empty token
// disables the check.
type Auth struct {
	token string
}

func NewAuth(token string) *Auth {
	return &Auth{token: token}
}

// Middleware enforces the client token on everything except the tunnel
// endpoint (which has its own secret) and the gateway health check.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" || r.URL.Path == tunnelPath || r.URL.Path == healthPath {
			next.ServeHTTP(w, r)
			return
		}
		if !a.valid(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="termbridge"`)
			api.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) valid(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}
