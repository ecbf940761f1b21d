package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Shaostoul/Humanity-sub000/internal/api/middleware"
	"github.com/Shaostoul/Humanity-sub000/internal/handlers"
	"github.com/Shaostoul/Humanity-sub000/internal/relay"
	"github.com/Shaostoul/Humanity-sub000/internal/store"
)

// NewRouter creates and configures the HTTP router: the WebSocket
// upgrade, the polling API, and observability endpoints.
func NewRouter(logger zerolog.Logger, state *relay.State, db store.Store, redisStore *store.RedisStore) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	h := handlers.NewHandler(state, db, redisStore, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/ws", h.ServeWS)

	// Polling surface for collaborators that cannot hold a socket open.
	r.Route("/api", func(r chi.Router) {
		r.Get("/messages", h.Messages)
		r.Get("/uploads", h.ListUploads)
		r.Post("/uploads", h.RecordUpload)
	})

	return r
}
