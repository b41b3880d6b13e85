// Package server is the reference backend: device registration and
// approval, batch leases from a per-company counter, and idempotent
// transaction intake keyed by reference_no.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/syncerr"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	maxBodyBytes            = 1 << 20

	// MaxLeaseSize bounds a single lease request.
	MaxLeaseSize = 100_000
)

// Server serves the backend HTTP API over a Store.
type Server struct {
	store      Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	adminToken string
	rateLimit  int
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAdminToken requires a bearer token on approve and reject. Without one
// the admin routes are open.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// WithRateLimit caps API requests per client IP to n per minute.
func WithRateLimit(n int) Option {
	return func(s *Server) { s.rateLimit = n }
}

// New builds the router.
func New(store Store, opts ...Option) *Server {
	s := &Server{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.observe,
	)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(s.limitByIP(s.rateLimit, time.Minute))
		}
		r.Post("/devices", s.handleRegister)
		r.Route("/devices/{fingerprint}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/leases", s.handleLease)
			r.Patch("/", s.handleUpdate)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
			})
		})
		r.Post("/transactions", s.handleTransaction)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.logger.Info("shutting down backend server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("backend server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	<-done
	return nil
}

// observe logs each request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.IncServerRequest(route, strconv.Itoa(status))
		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) limitByIP(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Warn("rate limit exceeded", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, backend.ErrorResponse{Error: "too many requests"})
		}),
	)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, backend.ErrorResponse{Error: "admin token required"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, backend.HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, backend.HealthResponse{Status: "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	dev, created, err := s.store.RegisterDevice(r.Context(), req.Fingerprint, req.Device)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("device registered", "fingerprint", dev.Fingerprint, "hostname", req.Device.Hostname)
	}
	writeJSON(w, status, backend.RegisterResponse{
		Approved: dev.Status == backend.StatusApproved,
		Status:   dev.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev.StatusResponse())
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req backend.LeaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Size <= 0 || req.Size > MaxLeaseSize {
		writeError(w, http.StatusBadRequest, backend.ErrorResponse{
			Error: fmt.Sprintf("lease size must be in [1, %d]", MaxLeaseSize),
		})
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	lease, err := s.store.LeaseBatch(r.Context(), fp, req.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.IncServerLease()
	s.logger.Info("lease granted", "fingerprint", fp, "start", lease.Start, "end", lease.End)
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var tx backend.Transaction
	if !s.decode(w, r, &tx) {
		return
	}
	if tx.Fingerprint == "" || tx.ReferenceNo == "" {
		writeError(w, http.StatusBadRequest, backend.ErrorResponse{Error: "fingerprint and reference_no are required"})
		return
	}
	err := s.store.RecordTransaction(r.Context(), tx)
	if de, ok := syncerr.AsDuplicate(err); ok {
		s.metrics.IncServerTransaction(metrics.OutcomeDuplicate)
		s.logger.Info("duplicate reference", "reference_no", tx.ReferenceNo, "existing_max", de.ExistingMax)
		writeError(w, http.StatusConflict, backend.ErrorResponse{
			Error:       "reference already recorded",
			Code:        string(syncerr.CodeDuplicateReference),
			ExistingMax: de.ExistingMax,
		})
		return
	}
	if err != nil {
		s.metrics.IncServerTransaction(metrics.OutcomeFailed)
		s.fail(w, r, err)
		return
	}
	s.metrics.IncServerTransaction(metrics.OutcomeConfirmed)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.UpdateDevice(r.Context(), chi.URLParam(r, "fingerprint"), req.Fields); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req backend.ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.setStatus(w, r, backend.StatusApproved, Assignment{CompanyCode: req.CompanyCode, Devcode: req.Devcode})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, backend.StatusRejected, Assignment{})
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, status string, assign Assignment) {
	fp := chi.URLParam(r, "fingerprint")
	dev, err := s.store.SetStatus(r.Context(), fp, status, assign)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("device status changed", "fingerprint", fp, "status", status, "prefix", dev.Prefix())
	writeJSON(w, http.StatusOK, dev.StatusResponse())
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, backend.ErrorResponse{Error: "decode request: " + err.Error()})
		return false
	}
	return true
}

// fail maps a store error to a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, backend.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotApproved):
		writeError(w, http.StatusForbidden, backend.ErrorResponse{Error: err.Error(), Code: string(syncerr.CodeNotAuthorized)})
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, backend.ErrorResponse{Error: err.Error(), Code: string(syncerr.CodeRejected)})
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, backend.ErrorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body backend.ErrorResponse) {
	writeJSON(w, status, body)
}
