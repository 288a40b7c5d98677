package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connections"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/usage"
)

type ReadinessCheck func(ctx context.Context) error

type QueryRunner interface {
	Run(ctx context.Context, req pipeline.Request) *pipeline.State
}

type ConnectionService interface {
	Create(ctx context.Context, in connections.CreateInput) (connections.Summary, error)
	List(ctx context.Context, includeInactive bool) ([]connections.Summary, error)
	Get(ctx context.Context, connectionID string) (connections.Summary, error)
	Test(ctx context.Context, connectionID string) (schema.ConnectionTestResult, error)
	Tables(ctx context.Context, connectionID string) ([]connections.Table, error)
	SetTablesEnabled(ctx context.Context, connectionID string, refs []catalog.TableRef, enabled bool) (int, error)
	RefreshSchema(ctx context.Context, connectionID string) (int, error)
	Deactivate(ctx context.Context, connectionID string) error
	Delete(ctx context.Context, connectionID string) error
	Usage(ctx context.Context, connectionID string) (usage.Summary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          QueryRunner
	Connections       ConnectionService
}

type route struct {
	pattern string
	scope   string
	handler func(deps Dependencies, w http.ResponseWriter, r *http.Request)
}

var protectedRoutes = []route{
	{pattern: "POST /v1/query", scope: auth.ScopeQuery, handler: handleQuery},
	{pattern: "POST /v1/demo-query", scope: auth.ScopeQuery, handler: handleDemoQuery},
	{pattern: "GET /v1/connections", scope: auth.ScopeQuery, handler: handleListConnections},
	{pattern: "POST /v1/connections", scope: auth.ScopeAdmin, handler: handleCreateConnection},
	{pattern: "GET /v1/connections/{id}", scope: auth.ScopeQuery, handler: handleGetConnection},
	{pattern: "DELETE /v1/connections/{id}", scope: auth.ScopeAdmin, handler: handleDeleteConnection},
	{pattern: "POST /v1/connections/{id}/test", scope: auth.ScopeAdmin, handler: handleTestConnection},
	{pattern: "GET /v1/connections/{id}/tables", scope: auth.ScopeQuery, handler: handleListTables},
	{pattern: "PATCH /v1/connections/{id}/tables", scope: auth.ScopeAdmin, handler: handlePatchTables},
	{pattern: "POST /v1/connections/{id}/refresh", scope: auth.ScopeAdmin, handler: handleRefreshSchema},
	{pattern: "GET /v1/connections/{id}/usage", scope: auth.ScopeQuery, handler: handleUsage},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	authenticate := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			authenticate = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		} else {
			authenticate = deps.AuthMiddleware
		}
	}
	for _, rt := range protectedRoutes {
		handle := rt.handler
		var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle(deps, w, r)
		})
		mux.Handle(rt.pattern, authenticate(auth.RequireScope(rt.scope)(h)))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger), observability.RecoverMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// CheckDatabase reports the named database as not ready when it cannot be
// pinged.
func CheckDatabase(name string, db Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New(name + " database is not configured")
		}
		if err := db.PingContext(ctx); err != nil {
			return errors.New(name + " database is unreachable: " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

// writeJSON encodes before writing the status so an unencodable payload
// becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]any{
			"error_code": "RESPONSE_ENCODING_FAILED",
			"message":    "response could not be encoded",
			"retryable":  false,
			"context":    map[string]any{"details": err.Error()},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
