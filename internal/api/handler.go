// Package api serves the question pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querybench/querybench/internal/auth"
	"github.com/querybench/querybench/internal/config"
	"github.com/querybench/querybench/internal/guard"
	"github.com/querybench/querybench/internal/observability"
	"github.com/querybench/querybench/internal/pipeline"
	"github.com/querybench/querybench/internal/schema"
)

const maxRequestBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

type Asker interface {
	Ask(ctx context.Context, question string) (pipeline.Answer, error)
}

// SchemaRefresher drops a memoized schema and describes it again.
// *schema.Cache implements it.
type SchemaRefresher interface {
	Refresh(ctx context.Context) (schema.Description, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          Asker
	Schema            schema.Describer
	SchemaRefresher   SchemaRefresher
	// Policy defaults to guard.DefaultPolicy when nil.
	Policy *guard.Policy
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

	protected := http.NewServeMux()
	protected.Handle("GET /v1/schema", auth.RequireRole(auth.RoleRead, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})))
	protected.Handle("POST /v1/guard", auth.RequireRole(auth.RoleRead, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGuard(deps, w, r)
	})))
	protected.Handle("POST /v1/ask", auth.RequireRole(auth.RoleAsk, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, w, r)
	})))

	var protectedHandler http.Handler = protected
	if cfg.Auth.APIKeys != "" {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("api keys configured but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("GET /v1/schema", protectedHandler)
	mux.Handle("POST /v1/guard", protectedHandler)
	mux.Handle("POST /v1/ask", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
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

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
