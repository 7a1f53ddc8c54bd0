package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header names read and written by RequestID.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderCloudTrace   = "X-Cloud-Trace-Context"
	maxRequestIDLength = 128
)

type requestIDKey struct{}

// RequestID assigns an ID to each request. A valid X-Request-ID is reused;
// otherwise the trace ID from X-Cloud-Trace-Context is used so log lines can
// be joined with the platform's request logs; otherwise a new UUID is made.
// The ID is echoed in the response and stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = traceID(r.Header.Get(HeaderCloudTrace))
		}
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request ID from the context.
// Returns an empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// traceID extracts TRACE_ID from "TRACE_ID/SPAN_ID;o=OPTIONS".
func traceID(header string) string {
	id, _, _ := strings.Cut(header, "/")
	id, _, _ = strings.Cut(id, ";")
	if !validRequestID(id) {
		return ""
	}
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
