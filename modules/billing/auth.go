package billing

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

var errNoUser = errors.New("no authenticated user on request")

// UserIDFromHeader extracts the user id from a trusted header, for
// deployments where a reverse proxy terminates authentication and forwards
// the identity. Embedded deployments wire their own extractor instead.
func UserIDFromHeader(name string) UserIDExtractor {
	return func(r *http.Request) (uuid.UUID, error) {
		raw := r.Header.Get(name)
		if raw == "" {
			return uuid.Nil, errNoUser
		}
		return uuid.Parse(raw)
	}
}

// AdminTokenGuard protects the admin subtree with a static bearer token.
// An empty token disables the admin routes entirely rather than leaving
// them open.
func AdminTokenGuard(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "admin access disabled")
				return
			}
			presented := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(presented), []byte("Bearer "+token)) != 1 {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
