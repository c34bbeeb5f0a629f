package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// ContextKey is the type of request context keys set by this package.
type ContextKey string

const (
	// TraceIDKey is the context key for the request's trace ID.
	TraceIDKey ContextKey = "traceID"

	// TraceIDHeader carries a caller-supplied trace ID and echoes it back.
	TraceIDHeader = "X-Trace-ID"

	// TraceIDLength is the number of random bytes in a generated trace ID.
	TraceIDLength = 16
)

// Caller-supplied trace IDs are only accepted when they cannot smuggle
// anything into log lines or headers.
var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// SetTraceID adds a freshly generated trace ID to ctx.
func SetTraceID(ctx context.Context) context.Context {
	return WithTraceID(ctx, generateTraceID())
}

// WithTraceID adds id to ctx if it is well formed, otherwise a generated one.
func WithTraceID(ctx context.Context, id string) context.Context {
	if !ValidTraceID(id) {
		id = generateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, id)
}

// ValidTraceID reports whether a caller-supplied trace ID can be reused.
func ValidTraceID(id string) bool {
	return traceIDPattern.MatchString(id)
}

// GetTraceID returns the trace ID in ctx, or "" when there is none.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// generateTraceID returns 32 hex characters. If the system random source
// fails it falls back to a UUIDv7, which is time ordered but still unique.
func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		id, uerr := uuid.NewV7()
		if uerr != nil {
			id = uuid.New()
		}
		return hex.EncodeToString(id[:])
	}
	return hex.EncodeToString(b)
}
