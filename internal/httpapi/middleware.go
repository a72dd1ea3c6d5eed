package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/fitsync/internal/logging"
)

type contextKey string

const userIDKey contextKey = "userId"

// UserID retrieves the authenticated user id stored by SessionAuth.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// ParseSessionToken validates an HS256 session JWT issued by the web tier
// and returns its subject (the user id).
func ParseSessionToken(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return subject, nil
}

// SessionUserID extracts and validates the bearer session token on a
// request, returning the user id or empty string.
func SessionUserID(r *http.Request, secret string) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	userID, err := ParseSessionToken(strings.TrimPrefix(header, "Bearer "), secret)
	if err != nil {
		return ""
	}
	return userID
}

// SessionAuth requires a valid session JWT and stores the user id on the
// request context.
func SessionAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := SessionUserID(r, secret)
			if userID == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"success": false,
					"error":   "authentication required",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// CronAuth guards the internal cron endpoint with a static bearer secret.
// An unconfigured secret rejects everything: the scheduler must be set up
// explicitly, never default-allowed.
func CronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			expected := "Bearer " + secret
			if secret == "" || subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID attaches a request id to the context and response headers for
// log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
