package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/aiqueue/internal/api"
	apiMiddleware "github.com/phrazzld/aiqueue/internal/api/middleware"
)

// setupRouter builds the control API.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.Trace(app.logger))
	r.Use(middleware.Recoverer)

	queueHandler := api.NewQueueHandler(app.queues, app.logger)
	cacheHandler := api.NewCacheHandler(app.cache, app.logger)
	breakerHandler := api.NewBreakerHandler(app.breakers, app.logger)
	retryHandler := api.NewRetryHandler(app.retries)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queues/stats", queueHandler.AllStats)
		r.Route("/queues/{type}", func(r chi.Router) {
			r.Post("/jobs", queueHandler.SubmitJob)
			r.Delete("/jobs", queueHandler.Clear)
			r.Post("/batches", queueHandler.SubmitBatch)
			r.Get("/stats", queueHandler.Stats)
			r.Post("/pause", queueHandler.Pause)
			r.Post("/resume", queueHandler.Resume)
		})

		r.Get("/jobs/{id}", queueHandler.GetJob)
		r.Post("/jobs/{id}/cancel", queueHandler.CancelJob)

		r.Get("/cache/stats", cacheHandler.Stats)
		r.Delete("/cache/{type}", cacheHandler.ClearType)

		r.Get("/breakers", breakerHandler.List)
		r.Post("/breakers/{name}/reset", breakerHandler.Reset)
		r.Post("/breakers/{name}/open", breakerHandler.ForceOpen)

		r.Get("/retries", retryHandler.Metrics)
		r.Delete("/retries", retryHandler.Reset)
	})

	r.Method(http.MethodGet, "/health", api.NewHealthHandler(app.breakers, app.store.Enabled(), app.logger))

	return r
}
