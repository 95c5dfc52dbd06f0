package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/keelhq/keel/pkg/limiter"
)

// RateLimitMiddleware enforces per-caller rate limiting at the HTTP layer.
// The bucket key is org/actor for authenticated requests and the remote
// address otherwise. On limit exceeded it returns 429 with a Retry-After
// header. A nil store or a limiter error fails open so a broken limiter
// never takes the API down.
func RateLimitMiddleware(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				key = fmt.Sprintf("%s/%s", principal.GetOrgID(), principal.GetID())
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / max(policy.RPM, 1)
				if retryAfter < 1 {
					retryAfter = 1
				}
				writeTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":     false,
		"status": http.StatusTooManyRequests,
		"data":   map[string]string{"error": "rate limit exceeded"},
	})
}
