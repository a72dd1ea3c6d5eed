// Package logging provides request ID context propagation for distributed tracing.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// GenerateRequestID creates an 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Printf logs with the context's request ID prefixed when present.
func Printf(ctx context.Context, format string, args ...any) {
	if id := GetRequestID(ctx); id != "" {
		log.Printf("[%s] "+format, append([]any{id}, args...)...)
		return
	}
	log.Printf(format, args...)
}
