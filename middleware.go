package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey string

const principalKey ctxKey = "principal"

// requireRole extracts and validates the Bearer token and injects the
// principal into the context. Tokens for any other role get 403.
func (a *App) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			p, err := parseJWT(a.cfg.JWTSecret, strings.TrimPrefix(authz, "Bearer "))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if p.Role != role {
				writeJSONError(w, http.StatusForbidden, "requires "+role+" account")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// mustPrincipal returns the authenticated principal, zero if missing.
func mustPrincipal(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey).(principal)
	return p
}

// requestLogger logs every request and records it in the HTTP metrics under
// its route pattern.
func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		a.metrics.ObserveHTTP(route, r.Method, status, d)
		a.log.Info("http request",
			"method", r.Method, "route", route, "path", r.URL.Path,
			"status", status, "duration", d, "requestId", middleware.GetReqID(r.Context()))
	})
}
