// Package server exposes the admin HTTP API: setup, watches, response previews and presentations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gforms-notifier/fetch"
	"gforms-notifier/forms"
	"gforms-notifier/pack"
	"gforms-notifier/paginator"
	"gforms-notifier/pkg/formwatch"
	"gforms-notifier/storage"
	"gforms-notifier/watch"
)

// Registry manages watches.
type Registry interface {
	Watch(ctx context.Context, req watch.Request) (*formwatch.WatchRecord, error)
	Edit(ctx context.Context, key formwatch.Key, req watch.Request) (*formwatch.WatchRecord, error)
	Unwatch(ctx context.Context, formID, destinationID string) error
	Reset(ctx context.Context, guildID string) (int, error)
	List(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error)
}

// Scheduler is the control surface of the poll loop.
type Scheduler interface {
	Wake()
	Resume()
	Halted() bool
}

// Credentials stores the service-account key.
type Credentials interface {
	Save(key []byte) error
	Clear() error
	Configured() bool
}

// Forms reads forms and responses.
type Forms interface {
	fetch.Lister
	Reset()
}

// Server handles HTTP requests.
type Server struct {
	registry    Registry
	scheduler   Scheduler
	credentials Credentials
	forms       Forms
	packer      *pack.Packer
	sessions    *paginator.Sessions
	auth        *authenticator
	limiter     *ipLimiter
	logger      *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Registry    Registry
	Scheduler   Scheduler
	Credentials Credentials
	Forms       Forms
	Packer      *pack.Packer
	Sessions    *paginator.Sessions
	Logger      *slog.Logger

	// TokenSecret signs admin bearer tokens. Empty disables authentication.
	TokenSecret string
	// RateLimit and RateBurst bound requests per client IP.
	RateLimit rate.Limit
	RateBurst int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit == 0 {
		limit, burst = 5, 20
	}
	return &Server{
		registry:    cfg.Registry,
		scheduler:   cfg.Scheduler,
		credentials: cfg.Credentials,
		forms:       cfg.Forms,
		packer:      cfg.Packer,
		sessions:    cfg.Sessions,
		auth:        &authenticator{secret: []byte(cfg.TokenSecret)},
		limiter:     newIPLimiter(limit, burst),
		logger:      cfg.Logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit, s.authenticate)

		r.Post("/pollz", s.handlePoll)

		r.Post("/setup", s.handleSetup)
		r.Delete("/setup", s.handleClearSetup)

		r.Route("/watches", func(r chi.Router) {
			r.Post("/", s.handleWatch)
			r.Get("/", s.handleListWatches)
			r.Delete("/", s.handleReset)
			r.Patch("/{formID}/{destinationID}", s.handleEditWatch)
			r.Delete("/{formID}/{destinationID}", s.handleUnwatch)
		})

		r.Get("/forms/{formID}/responses", s.handleResponses)

		r.Route("/presentations/{id}", func(r chi.Router) {
			r.Get("/", s.handleView)
			r.Post("/{action}", s.handleNavigate)
			r.Delete("/", s.handleDismiss)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Response previews drain a whole listing
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":  "healthy",
		"halted":  s.scheduler.Halted(),
		"setup":   s.credentials.Configured(),
		"viewers": s.sessions.Len(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered", "actor", actor(r.Context()))
	s.scheduler.Wake()
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"status": "woken", "halted": s.scheduler.Halted()})
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string         `json:"error"`
	Kind  formwatch.Kind `json:"kind,omitempty"`
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var bad *badRequest
	switch {
	case errors.As(err, &bad), errors.Is(err, watch.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, watch.ErrAlreadyWatched), errors.Is(err, forms.ErrAlreadySetUp):
		status = http.StatusConflict
	case storage.IsNotFound(err), errors.Is(err, paginator.ErrNotFound), errors.Is(err, formwatch.ErrFormNotFound):
		status = http.StatusNotFound
	case errors.Is(err, paginator.ErrNotOwner), errors.Is(err, formwatch.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, formwatch.ErrNotSetUp), errors.Is(err, formwatch.ErrInvalidCredential):
		status = http.StatusPreconditionFailed
	case errors.Is(err, formwatch.ErrInvalidTimestampFilter):
		status = http.StatusBadRequest
	case errors.Is(err, fetch.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, formwatch.ErrTransientTransport):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error(), Kind: formwatch.KindOf(err)})
}

// badRequest marks client input errors.
type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func invalid(format string, args ...any) error {
	return &badRequest{err: fmt.Errorf(format, args...)}
}
