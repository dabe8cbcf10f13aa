// Package api exposes card linking and run triggering over JSON.
package api

import (
	"net/http"
	"time"

	"github.com/dvloznov/transit-tracker/internal/api/handlers"
	"github.com/dvloznov/transit-tracker/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Deps are the handlers the router serves.
type Deps struct {
	Runs   *handlers.RunsHandler
	Cards  *handlers.CardsHandler
	APIKey string
	Log    zerolog.Logger
}

// NewRouter registers every route. /health is public; everything under
// /api requires the API key when one is configured.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(d.Log))
	r.Use(middleware.Logger(d.Log))
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         3600,
	}))

	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(d.APIKey))

		r.Post("/runs", d.Runs.CreateRun)
		r.Get("/runs", d.Runs.ListRuns)
		r.Get("/runs/{id}", d.Runs.GetRun)

		r.Get("/cards", d.Cards.ListCards)
		r.Post("/cards", d.Cards.CreateCard)
		r.Put("/cards/{id}/credentials", d.Cards.RotateCredential)
		r.Delete("/cards/{id}", d.Cards.DeleteCard)
	})

	return r
}
