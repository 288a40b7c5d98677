package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/askdb/askdb/internal/observability"
)

// Error codes written by the auth layer. They share the envelope used by the
// API handlers so clients can branch on error_code alone.
const (
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeUnsupportedScheme = "AUTH_SCHEME_UNSUPPORTED"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeInsufficientScope = "INSUFFICIENT_SCOPE"
)

const (
	authenticateChallenge = `Bearer realm="askdb"`
	keySourceHeader       = "x-api-key"
	keySourceBearer       = "bearer"
)

type contextKey string

const identityKey contextKey = "askdb_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// RequireScope rejects callers whose identity lacks scope. Requests that
// carry no identity pass through, which is the case when auth is disabled.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if ok && !identity.HasScope(scope) {
				writeAuthError(w, r, http.StatusForbidden, CodeInsufficientScope,
					"API key does not grant the "+scope+" scope",
					map[string]any{"required_scope": scope, "principal": identity.Principal})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Middleware resolves the caller's API key to an Identity. Keys are read from
// X-API-Key first, then from an Authorization bearer token.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, source, ok := extractAPIKey(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", authenticateChallenge)
				writeAuthError(w, r, http.StatusUnauthorized, CodeUnsupportedScheme,
					"Authorization header must use the Bearer scheme", nil)
				return
			}
			if apiKey == "" {
				w.Header().Set("WWW-Authenticate", authenticateChallenge)
				writeAuthError(w, r, http.StatusUnauthorized, CodeAuthRequired,
					"an API key is required via X-API-Key or Authorization: Bearer", nil)
				return
			}

			identity, valid := validator.Validate(r.Context(), apiKey)
			if !valid {
				if logger != nil {
					logger.WarnContext(r.Context(), "api key rejected",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("method", r.Method),
						slog.String("route", routeOf(r)),
						slog.String("key_source", source),
					)
				}
				w.Header().Set("WWW-Authenticate", authenticateChallenge)
				writeAuthError(w, r, http.StatusUnauthorized, CodeInvalidAPIKey,
					"API key is not recognised", map[string]any{"key_source": source})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// extractAPIKey returns the key and where it came from. ok is false when an
// Authorization header is present but uses a scheme other than Bearer.
func extractAPIKey(r *http.Request) (key, source string, ok bool) {
	if header := strings.TrimSpace(r.Header.Get("X-API-Key")); header != "" {
		return header, keySourceHeader, true
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return "", "", true
	}
	if strings.EqualFold(authorization, "Bearer") {
		return "", "", true
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", "", false
	}
	return strings.TrimSpace(token), keySourceBearer, true
}

// routeOf prefers the matched mux pattern so logs do not carry raw ids.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
