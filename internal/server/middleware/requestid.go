package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// maxClientRequestIDLen bounds echoed client ids. Submissions arrive from
// untrusted front ends, so an oversized X-Request-ID is replaced rather than
// reflected into logs and response headers.
const maxClientRequestIDLen = 64

// RequestID tags each request with a time-sortable UUIDv7 so the access line
// and any handler logs for the same submission can be correlated. A
// client-supplied X-Request-ID is honored when it is reasonably sized, which
// lets the capture clients carry their own id through a retry.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > maxClientRequestIDLen {
			id = uuid.Must(uuid.NewV7()).String()
		}

		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request id from ctx, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
