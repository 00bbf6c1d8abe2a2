// Package httpapi exposes the transmission core over HTTP: producer intake,
// operator controls and read-only diagnostics.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"invoicegate.org/internal/auth"
	"invoicegate.org/internal/batch"
	"invoicegate.org/internal/obs"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/stream"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
	"invoicegate.org/internal/webhook"
)

const serviceName = "transmitd"

// ReadyProbe is a readiness check, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Transmissions is the orchestrator surface served over HTTP.
type Transmissions interface {
	Enqueue(ctx context.Context, n transmission.NewTransmission) (transmission.Transmission, error)
	Get(ctx context.Context, id string) (transmission.Transmission, error)
	History(ctx context.Context, id string) ([]transmission.StatusRecord, error)
	List(ctx context.Context, f transmission.Filter) ([]transmission.Transmission, error)
	Submit(ctx context.Context, id string) (transmission.Transmission, error)
	Retry(ctx context.Context, id string, req transmission.RetryRequest) (transmission.Transmission, error)
	Cancel(ctx context.Context, id, reason string) (transmission.Transmission, bool, error)
	NextAttempt(id string) (time.Time, bool)
}

// Notifications lists the webhook deliveries of a transmission.
type Notifications interface {
	List(ctx context.Context, transmissionID string) ([]webhook.Notification, error)
}

// Batches runs and reports batch jobs.
type Batches interface {
	Process(req batch.Request) (batch.Job, error)
	Job(id string) (batch.Job, error)
	Jobs() []batch.Job
	Metrics() batch.Counters
	CancelJob(id string) (batch.Job, error)
}

// Breakers exposes circuit breaker state.
type Breakers interface {
	All() []retry.BreakerSnapshot
	Snapshot(dest string) retry.BreakerSnapshot
	Reset(dest string) retry.BreakerSnapshot
}

// Limits exposes the admission gate.
type Limits interface {
	Allower
	Snapshot(scope string) ratelimit.Snapshot
	Assign(scope string, tier ratelimit.TierName) error
}

// Keys exposes the key vault without material.
type Keys interface {
	Keys(purpose string) []vault.Key
	Rotate(ctx context.Context, purpose string) (vault.Key, error)
}

// Dependencies wires the API to the core. Transmissions is required; a nil
// optional dependency disables its routes with 503.
type Dependencies struct {
	Transmissions Transmissions
	Notifications Notifications
	Batches       Batches
	Breakers      Breakers
	Limits        Limits
	Keys          Keys
	Events        *stream.Stream[transmission.StatusChange]
	Tokens        TokenVerifier
	Ready         ReadyProbe
}

// Config tunes the HTTP layer.
type Config struct {
	Version string
	// PerIPLimit admits every request against the client's ip scope.
	PerIPLimit bool
	// MaxBodyBytes caps request bodies; zero keeps the decoder's 1MB cap.
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	router chi.Router
	deps   Dependencies
	tokens TokenVerifier
	cfg    Config
	log    zerolog.Logger
}

// Option configures API.
type Option func(*API)

func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l.With().Str("component", "httpapi").Logger() }
}

func New(deps Dependencies, cfg Config, opts ...Option) *API {
	a := &API{
		deps:   deps,
		tokens: deps.Tokens,
		cfg:    cfg,
		log:    obs.Logger().With().Str("component", "httpapi").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	if a.cfg.MaxBodyBytes > 0 {
		r.Use(MaxBodyBytes(a.cfg.MaxBodyBytes))
	}
	if a.cfg.PerIPLimit && a.deps.Limits != nil {
		r.Use(RateLimit(a.deps.Limits))
	}
	r.Use(a.withAuth)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())
	r.Get("/v1/events", a.Stream)

	operator := a.requireRole(auth.RoleOperator)
	admin := a.requireRole(auth.RoleAdmin)

	r.Route("/v1/transmissions", func(r chi.Router) {
		r.Get("/", a.ListTransmissions)
		r.With(operator).Post("/", a.CreateTransmission)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.GetTransmission)
			r.Get("/history", a.TransmissionHistory)
			r.Get("/notifications", a.TransmissionNotifications)
			r.With(operator).Post("/submit", a.SubmitTransmission)
			r.With(operator).Post("/retry", a.RetryTransmission)
			r.With(operator).Post("/cancel", a.CancelTransmission)
		})
	})

	r.Route("/v1/batches", func(r chi.Router) {
		r.Get("/", a.ListBatches)
		r.With(operator).Post("/", a.CreateBatch)
		r.Get("/metrics", a.BatchMetrics)
		r.Get("/{id}", a.GetBatch)
		r.With(operator).Post("/{id}/cancel", a.CancelBatch)
	})

	r.Route("/v1/breakers", func(r chi.Router) {
		r.Get("/", a.ListBreakers)
		r.Get("/{destination}", a.GetBreaker)
		r.With(operator).Post("/{destination}/reset", a.ResetBreaker)
	})

	r.Route("/v1/rate-limits/{scope}", func(r chi.Router) {
		r.Get("/", a.GetRateLimit)
		r.With(admin).Put("/", a.AssignTier)
	})

	r.Route("/v1/keys", func(r chi.Router) {
		r.Get("/", a.ListKeys)
		r.With(admin).Post("/rotate", a.RotateKey)
	})

	return r
}

// Handler returns the root handler wrapped with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" disabled")
}
