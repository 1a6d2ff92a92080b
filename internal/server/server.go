// Package server exposes the ledger to a local UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/daemon"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/health"
	"github.com/aminenidae/screentime-rewards/internal/reward"
)

// Ledger is the subset of the ledger core the API serves.
type Ledger interface {
	Snapshot(ctx context.Context, day string) (domain.UsageSnapshot, error)
	Diagnostics(ctx context.Context) string
	HealthStatus(ctx context.Context) health.Status
	Apps(ctx context.Context) []domain.AppIdentity
	Shielded(ctx context.Context) domain.ShieldState
	Block(ctx context.Context, logicalID string) (bool, error)
	Unblock(ctx context.Context, logicalID string) (bool, error)
	Unlock(ctx context.Context, logicalID string, minutes int) (reward.UnlockResult, error)
	Consume(ctx context.Context, reservationID string) (domain.RewardLedger, error)
}

// Refresher serves cached snapshots and forced refreshes.
type Refresher interface {
	Latest() daemon.Refreshed
	Refresh(ctx context.Context, timeout time.Duration) daemon.Refreshed
}

// Server holds all API handler state.
type Server struct {
	ledger         Ledger
	refresher      Refresher
	refreshTimeout time.Duration
	router         *chi.Mux
	logger         *zap.Logger
}

// New creates a Server. refresher may be nil, in which case every snapshot
// is built on request.
func New(l Ledger, refresher Refresher, refreshTimeout time.Duration, logger *zap.Logger) *Server {
	if refreshTimeout <= 0 {
		refreshTimeout = 5 * time.Second
	}
	s := &Server{
		ledger:         l,
		refresher:      refresher,
		refreshTimeout: refreshTimeout,
		router:         chi.NewRouter(),
		logger:         logger,
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.Recoverer)
	s.router.Use(s.requestLog)
	s.routes(s.router)
	return s
}

func (s *Server) routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", s.getSnapshot)
		r.Get("/diagnostics", s.getDiagnostics)
		r.Get("/health", s.getHealth)
		r.Get("/apps", s.listApps)

		r.Get("/shield", s.getShield)
		r.Put("/shield/{logicalID}", s.block)
		r.Delete("/shield/{logicalID}", s.unblock)

		r.Post("/unlock", s.unlock)
		r.Post("/reservations/{reservationID}/consume", s.consume)
		r.Post("/refresh", s.refresh)
	})
}

// ServeHTTP implements http.Handler so Server can be used directly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is canceled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day != "" {
		if _, err := time.Parse(domain.DayLayout, day); err != nil {
			writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
	}

	if day == "" && s.refresher != nil {
		if latest := s.refresher.Latest(); !latest.RefreshedAt.IsZero() {
			writeJSON(w, http.StatusOK, latest)
			return
		}
	}

	snap, err := s.ledger.Snapshot(r.Context(), day)
	if err != nil {
		s.logger.Warn("snapshot failed", zap.String("day", day), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, daemon.Refreshed{Snapshot: snap, RefreshedAt: snap.GeneratedAt})
}

func (s *Server) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.ledger.Diagnostics(r.Context())))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.HealthStatus(r.Context()))
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"apps": s.ledger.Apps(r.Context())})
}

func (s *Server) getShield(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Shielded(r.Context()))
}

type shieldResponse struct {
	LogicalID string `json:"logical_id"`
	Shielded  bool   `json:"shielded"`
	Changed   bool   `json:"changed"`
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "logicalID")
	changed, err := s.ledger.Block(r.Context(), id)
	if err != nil {
		s.commandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shieldResponse{LogicalID: id, Shielded: true, Changed: changed})
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "logicalID")
	changed, err := s.ledger.Unblock(r.Context(), id)
	if err != nil {
		s.commandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shieldResponse{LogicalID: id, Shielded: false, Changed: changed})
}

type unlockRequest struct {
	LogicalID string `json:"logical_id"`
	Minutes   int    `json:"minutes"`
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LogicalID == "" {
		writeError(w, http.StatusBadRequest, "logical_id is required")
		return
	}

	res, err := s.ledger.Unlock(r.Context(), req.LogicalID, req.Minutes)
	if err != nil {
		s.commandError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Granted() {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledger.Consume(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		s.commandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	timeout := s.refreshTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	if s.refresher == nil {
		s.getSnapshot(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.refresher.Refresh(r.Context(), timeout))
}

func (s *Server) commandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownApp), errors.Is(err, reward.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("command failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// requestLog logs each request at debug level.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    http.StatusText(status),
			"code":    status,
		},
	})
}
