// Package api serves the admin HTTP surface over the engine's query and
// operator APIs.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teacurran/village-dispatch/engine"
)

// API wires the HTTP handlers for the dispatch system.
type API struct {
	eng            *engine.Engine
	gatherer       prometheus.Gatherer
	allowedOrigins []string
	logger         *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithGatherer serves /metrics from g. The default is
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

// WithLogger sets the logger for failed requests.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API from a dispatch Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, gatherer: prometheus.DefaultGatherer, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	if len(a.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		a.registerJobRoutes(r)
		a.registerDLQRoutes(r)
		a.registerStatsRoutes(r)
		a.registerCronRoutes(r)
	})
	return r
}

func (a *API) registerJobRoutes(r chi.Router) {
	r.Post("/jobs", a.enqueueJob)
	r.Get("/jobs/{jobId}", a.getJob)
}

func (a *API) registerDLQRoutes(r chi.Router) {
	r.Route("/dead", func(r chi.Router) {
		r.Get("/", a.listDead)
		r.Get("/count", a.deadCount)
		r.Post("/purge", a.purgeDead)
		r.Get("/{jobId}", a.getDead)
		r.Post("/{jobId}/replay", a.replayDead)
	})
}

func (a *API) registerStatsRoutes(r chi.Router) {
	r.Get("/budget", a.budget)
	r.Get("/budget/usage", a.budgetUsage)
	r.Get("/queues", a.queues)
	r.Get("/governor", a.governor)
}

func (a *API) registerCronRoutes(r chi.Router) {
	r.Get("/crons", a.listCrons)
	r.Post("/crons/{name}/run", a.runCron)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
