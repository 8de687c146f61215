package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tryon/internal/http/handlers"
	"tryon/internal/infra"
	"tryon/internal/middleware"
)

// NewRouter assembles the service routes with the shared middleware chain.
func NewRouter(app *handlers.App, cfg *infra.Config, lookup middleware.CountryLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.Logger(app.Logger),
		middleware.CORS(strings.Split(cfg.AllowedOrigins, ",")),
		middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
		middleware.I18N("en", lookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/usage", app.Usage)
	r.Post("/v1/tryon", app.TryOn)

	return r
}
