package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByKey limits requests per authenticated credential, bucketed on
// the key's database id. It must run after Authenticate: requests that fail
// authentication are rejected there and never mint a bucket, so garbage or
// revoked credentials cannot grow the limiter's memory or claim a budget.
// The IP fallback only applies if the middleware is ever mounted on an
// unauthenticated route.
func RateLimitByKey(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if p := GetPrincipal(r.Context()); p != nil {
				return strconv.FormatInt(p.KeyID, 10), nil
			}
			return httprate.KeyByIP(r)
		}),
	)
}
