package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"tryon/internal/pipeline"
	"tryon/internal/usage"
)

// App is the handler container: the pipeline, the usage gate (for the usage
// snapshot endpoint), and the service logger.
type App struct {
	Pipeline *pipeline.Pipeline
	Gate     *usage.Gate
	Logger   zerolog.Logger
}

func NewApp(p *pipeline.Pipeline, gate *usage.Gate, logger zerolog.Logger) *App {
	return &App{Pipeline: p, Gate: gate, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

// currentUserID returns the opaque caller identity established by the
// upstream auth collaborator. Empty when the header is missing.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
