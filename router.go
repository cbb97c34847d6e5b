package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	httpSwagger "github.com/swaggo/http-swagger"
)

// routes wires middlewares and endpoints. Adjust CORS for your frontend hosts.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.metrics.Handler())

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.Write(openapiYAML)
	})

	r.Mount("/swagger", httpSwagger.Handler(
		httpSwagger.URL("/api/openapi.yaml"),
	))

	r.Route("/api", func(api chi.Router) {
		api.Post("/producer", a.handleRegisterProducer)
		api.Post("/agency", a.handleRegisterAgency)
		api.Post("/auth/producer/login", a.handleLogin(roleProducer))
		api.Post("/auth/agency/login", a.handleLogin(roleAgency))

		api.Group(func(pr chi.Router) {
			pr.Use(a.requireRole(roleProducer))
			pr.Put("/producer/{id}/location", a.handleSetProducerLocation)
			pr.Get("/producer/{id}/quota", a.handleProducerQuota)
			pr.Post("/batch", a.handleCreateBatch)
		})

		api.Get("/batch/{id}", a.handleGetBatch)
		api.Get("/batch/{id}/certificate", a.handleCertificate)

		api.Group(func(ag chi.Router) {
			ag.Use(a.requireRole(roleAgency))
			ag.Post("/agency/assign", a.handleAssign)
			ag.Post("/agency/status", a.handleOverrideStatus)
			ag.Get("/agency/{id}/batches", a.handleAgencyBatches)
		})

		api.Route("/lab", func(lr chi.Router) {
			lr.Post("/test", a.handleLabTest)
			lr.Get("/test/{id}/code", a.handleLabTestCode)
			lr.Get("/batch/{batchId}/tests", a.handleBatchLabTests)
		})

		api.Post("/processor", a.handleCreateProcessorRecord)
		api.Get("/processor/{batchId}", a.handleProcessorRecords)
	})

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
