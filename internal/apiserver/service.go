package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/dex/bundler/internal/actions"
	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/config"
	"github.com/coldbell/dex/bundler/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Actions composes bundles for client-initiated actions.
type Actions interface {
	Deposit(ctx context.Context, kind actions.MarketKind, p actions.DepositParams) ([]bundle.Bundle, error)
	Withdraw(ctx context.Context, kind actions.MarketKind, p actions.WithdrawParams) ([]bundle.Bundle, error)
	PlaceOrder(ctx context.Context, kind actions.MarketKind, p actions.PlaceOrderParams) ([]bundle.Bundle, error)
	CancelOrder(ctx context.Context, kind actions.MarketKind, p actions.CancelOrderParams) ([]bundle.Bundle, error)
	Settle(ctx context.Context, kind actions.MarketKind, p actions.SettleParams) ([]bundle.Bundle, error)
	InitMarket(ctx context.Context, p actions.InitMarketParams) ([]bundle.Bundle, error)
}

type BatchLister interface {
	RecentBatches(ctx context.Context, limit int) ([]store.BatchRecord, error)
}

type Option func(*Service)

// WithBatchLister exposes the keeper journal under /v1/keeper/batches.
func WithBatchLister(lister BatchLister) Option {
	return func(s *Service) { s.batches = lister }
}

// WithGatherer adds collectors to /metrics, typically the keeper registry.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Service) { s.gatherers = append(s.gatherers, gatherer) }
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	actions          Actions
	batches          BatchLister
	gatherers        prometheus.Gatherers
	requests         *prometheus.CounterVec
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, actions Actions, logger *slog.Logger, opts ...Option) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bundler",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Action requests served, by route and status code",
		},
		[]string{"route", "code"},
	)
	registry.MustRegister(requests)

	s := &Service{
		cfg:              cfg,
		logger:           logger,
		actions:          actions,
		gatherers:        prometheus.Gatherers{registry},
		requests:         requests,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherers, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/{kind}/deposit", s.instrument("deposit", s.handleDeposit))
	mux.HandleFunc("/v1/{kind}/withdraw", s.instrument("withdraw", s.handleWithdraw))
	mux.HandleFunc("/v1/{kind}/orders/place", s.instrument("place_order", s.handlePlaceOrder))
	mux.HandleFunc("/v1/{kind}/orders/cancel", s.instrument("cancel_order", s.handleCancelOrder))
	mux.HandleFunc("/v1/{kind}/settle", s.instrument("settle", s.handleSettle))
	mux.HandleFunc("/v1/spot/markets", s.instrument("init_market", s.handleInitMarket))
	mux.HandleFunc("/v1/keeper/batches", s.handleKeeperBatches)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"keeper_journal", s.batches != nil,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Limit int `json:"limit"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

const (
	defaultBatchLimit = 100
	maxBatchLimit     = 500
)

func (s *Service) handleKeeperBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.batches == nil {
		s.respondError(w, http.StatusNotFound, "keeper journal not configured")
		return
	}

	limit, err := parseOptionalInt(r, "limit", defaultBatchLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 || limit > maxBatchLimit {
		limit = defaultBatchLimit
	}

	items, err := s.batches.RecentBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to query keeper batches", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query keeper batches")
		return
	}
	if items == nil {
		items = []store.BatchRecord{}
	}
	s.respondJSON(w, http.StatusOK, listResponse[store.BatchRecord]{Items: items, Limit: limit})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Service) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		s.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
