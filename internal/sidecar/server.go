package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/clock/system"
	"github.com/JakeFAU/crawler-captcha/internal/metrics"
)

const (
	maxWebhookBytes = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Config controls the sidecar listener and retention policy.
type Config struct {
	Host          string
	Port          int
	Retention     time.Duration
	SweepInterval time.Duration
	// APIKey guards GET /solutions/{id} when set.
	APIKey string
	// VerificationToken is served at /2captcha.txt when set.
	VerificationToken string
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server receives webhook deliveries.
type Server struct {
	router  chi.Router
	store   captcha.SolutionStore
	cfg     Config
	clock   captcha.Clock
	logger  *zap.Logger
	sweeper *Sweeper
}

// Option customizes a Server.
type Option func(*Server)

// WithClock sets the clock used to stamp and age solutions.
func WithClock(c captcha.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the router around store.
func NewServer(store captcha.SolutionStore, cfg Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, captcha.Configuration("new sidecar", "solution store is required")
	}
	if cfg.Retention <= 0 {
		return nil, captcha.Configuration("new sidecar", "retention must be > 0")
	}
	s := &Server{
		store:  store,
		cfg:    cfg,
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweeper = NewSweeper(store, cfg.Retention, cfg.SweepInterval, s.clock, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Post("/webhook", s.webhook)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if cfg.VerificationToken != "" {
		r.Get("/2captcha.txt", s.verification)
	}
	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/solutions/{id}", s.getSolution)
	})

	s.router = r
	return s, nil
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sweeper returns the retention sweeper bound to the store.
func (s *Server) Sweeper() *Sweeper {
	return s.sweeper
}

// Run serves on cfg.Addr() and sweeps in the background until ctx ends,
// then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.sweeper.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("sidecar listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		cancel()
	}
	s.logger.Info("sidecar shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("sidecar shutdown error", zap.Error(err))
	}
	<-sweepDone
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}

type webhookRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// webhook accepts JSON bodies and the form-encoded pingback 2captcha sends.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWebhook(w, r)
	if err != nil {
		metrics.ObserveWebhook("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sol := captcha.StoredSolution{TaskID: req.ID, Code: req.Code, InsertedAt: s.clock.Now()}
	if err := s.store.UpsertSolution(r.Context(), sol); err != nil {
		metrics.ObserveWebhook("error")
		s.logger.Error("store webhook solution failed", zap.String("vendor_task_id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	metrics.ObserveWebhook("stored")
	s.logger.Info("webhook solution stored", zap.String("vendor_task_id", req.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeWebhook(w http.ResponseWriter, r *http.Request) (webhookRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	var req webhookRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return req, errors.New("invalid form body")
		}
		req.ID, req.Code = r.PostForm.Get("id"), r.PostForm.Get("code")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, errors.New("invalid JSON")
		}
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || req.Code == "" {
		return req, errors.New("id and code are required")
	}
	return req, nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) verification(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, s.cfg.VerificationToken); err != nil {
		s.logger.Warn("write verification file failed", zap.Error(err))
	}
}

func (s *Server) getSolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sol, err := s.store.GetSolution(r.Context(), id)
	switch {
	case errors.Is(err, captcha.ErrSolutionNotFound):
		writeError(w, http.StatusNotFound, "solution not found")
		return
	case err != nil:
		s.logger.Error("read solution failed", zap.String("vendor_task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	case !sol.FreshAt(s.clock.Now(), s.cfg.Retention):
		writeError(w, http.StatusNotFound, "solution not found")
		return
	}
	writeJSON(w, http.StatusOK, sol)
}
