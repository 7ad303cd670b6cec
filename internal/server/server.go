// Package server exposes the HTTP control surface: wallet subscriptions,
// action history, force checks, service lifecycle, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"driftwatch/internal/config"
	"driftwatch/internal/market"
	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

// Store is the persistence surface the API needs.
type Store interface {
	GetConfig(ctx context.Context, wallet string) (storage.MonitoringConfig, error)
	UpsertConfig(ctx context.Context, cfg storage.MonitoringConfig) (storage.MonitoringConfig, error)
	RemoveConfig(ctx context.Context, wallet string) error
	ListConfigs(ctx context.Context) ([]storage.MonitoringConfig, error)
	CountConfigs(ctx context.Context) (total, active int64, err error)
	ListRecentActions(ctx context.Context, wallet string, limit int) ([]storage.ActionRecord, error)
	CountActionsByType(ctx context.Context, since time.Time) (map[string]int64, error)
}

// Monitor is the service-lifecycle surface the API needs.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() monitor.Status
	ForceCheck(ctx context.Context, wallet string) (monitor.CycleOutcome, error)
}

// Defaults fill subscription fields the request payload omits, from the
// same config the CLI path uses.
type Defaults struct {
	CheckInterval        time.Duration
	MinPortfolioValueUSD float64
}

// Server is the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	defaults Defaults
	store    Store
	monitor  Monitor
	market   monitor.MarketViewer
	logger   zerolog.Logger
	router   chi.Router
}

// New assembles the router.
func New(cfg config.ServerConfig, defaults Defaults, store Store, mon Monitor, mv monitor.MarketViewer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		defaults: defaults,
		store:    store,
		monitor:  mon,
		market:   mv,
		logger:   logger.With().Str("component", "http_server").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", s.handleListWallets)
			r.Post("/", s.handleSubscribe)
			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", s.handleWalletStatus)
				r.Delete("/", s.handleUnsubscribe)
				r.Get("/actions", s.handleWalletActions)
				r.Post("/check", s.handleForceCheck)
			})
		})

		r.Route("/service", func(r chi.Router) {
			r.Get("/status", s.handleServiceStatus)
			r.Post("/start", s.handleServiceStart)
			r.Post("/stop", s.handleServiceStop)
			r.Post("/restart", s.handleServiceRestart)
		})

		r.Get("/market", s.handleMarket)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarket(w http.ResponseWriter, _ *http.Request) {
	view := s.market.CurrentView()
	resp := marketResponse{
		RiskScore: view.RiskScore,
		Stale:     view.Stale,
	}
	if view.Snapshot != nil {
		resp.TrendDirection = view.Snapshot.TrendDirection
		resp.VolatilityHigh = view.Snapshot.VolatilityHigh
		resp.VolumeSpike = view.Snapshot.VolumeSpike
		resp.CorrelationBreakdown = view.Snapshot.CorrelationBreakdown
		resp.AssessedAt = view.Snapshot.AssessedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var _ monitor.MarketViewer = (*market.Assessor)(nil)
