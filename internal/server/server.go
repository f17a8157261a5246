package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/events"
	"github.com/jonathan/investigator/internal/lifecycle"
	"github.com/jonathan/investigator/internal/server/middleware"
	"github.com/jonathan/investigator/internal/server/ratelimit"
	"github.com/jonathan/investigator/internal/store"
	"github.com/jonathan/investigator/internal/types"
)

// Engine is the set of orchestration operations the server exposes
type Engine interface {
	CreateInvestigation(ctx context.Context, req types.CreateInvestigationRequest) (*types.Investigation, error)
	StartInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error)
	PauseInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error)
	ResumeInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error)
	CancelInvestigation(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error)
	RedirectFocus(ctx context.Context, id uuid.UUID, req types.RedirectFocusRequest) (*types.Plan, error)
	GetSnapshot(ctx context.Context, id uuid.UUID) (lifecycle.Snapshot, error)
	RequestFullState(ctx context.Context, id uuid.UUID) (events.Event, error)
	MoveEntity(ctx context.Context, id uuid.UUID, req types.MoveEntityRequest) (*types.Entity, error)
	ChangeLayout(ctx context.Context, id uuid.UUID, req types.ChangeLayoutRequest) error
}

// Subscriber attaches to event topics
type Subscriber interface {
	Subscribe(topic string) *events.Subscription
}

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	engine      Engine
	store       store.Store
	subscriber  Subscriber
	rateLimiter *ratelimit.Limiter
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	cfg         Config
}

// Config holds server configuration
type Config struct {
	Addr string
	// AllowedOrigins for CORS and WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRateLimiter enables per-client rate limiting
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.rateLimiter = l }
}

// New creates a new server instance
func New(cfg Config, engine Engine, st store.Store, sub Subscriber, opts ...Option) *Server {
	s := &Server{
		engine:     engine,
		store:      st,
		subscriber: sub,
		logger:     zap.NewNop(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams stay open for the life of an investigation.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Investigation lifecycle
	mux.HandleFunc("POST /investigations", s.handleCreateInvestigation)
	mux.HandleFunc("GET /investigations", s.handleListInvestigations)
	mux.HandleFunc("GET /investigations/{id}", s.handleGetInvestigation)
	mux.HandleFunc("POST /investigations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /investigations/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /investigations/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /investigations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /investigations/{id}/redirect", s.handleRedirect)

	// Reads
	mux.HandleFunc("GET /investigations/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /investigations/{id}/state", s.handleFullState)
	mux.HandleFunc("GET /investigations/{id}/plan", s.handlePlan)
	mux.HandleFunc("GET /investigations/{id}/subtasks", s.handleSubTasks)
	mux.HandleFunc("GET /investigations/{id}/graph", s.handleGraph)
	mux.HandleFunc("GET /investigations/{id}/thoughts", s.handleThoughts)
	mux.HandleFunc("GET /investigations/{id}/reports", s.handleReports)
	mux.HandleFunc("GET /investigations/{id}/usage", s.handleUsage)

	// Board
	mux.HandleFunc("PUT /investigations/{id}/entities/{entity_id}/position", s.handleMoveEntity)
	mux.HandleFunc("PUT /investigations/{id}/layout", s.handleChangeLayout)

	// Real-time
	mux.HandleFunc("GET /investigations/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /ws/investigations/{id}", s.handleInvestigationSocket)
	mux.HandleFunc("GET /ws/board/{id}", s.handleBoardSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = middleware.Metrics(mux)
	h = middleware.UserID(h)
	h = s.withRateLimit(h)
	h = cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", middleware.UserIDHeader},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	})(h)
	h = middleware.Logger(s.logger)(h)
	h = chimw.Recoverer(h)
	h = chimw.RequestID(h)
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to its status code. Internal errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// pathID parses a UUID path value, writing a 400 when it is malformed
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		s.writeError(w, &ErrValidation{Field: name, Message: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON reads a bounded JSON body into dst, writing a 400 on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, &ErrValidation{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

// subscribe attaches to every topic in order
func (s *Server) subscribe(topics []string) []*events.Subscription {
	subs := make([]*events.Subscription, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, s.subscriber.Subscribe(topic))
	}
	return subs
}

// extractClientID uses the caller identity when present, else the remote IP.
func (s *Server) extractClientID(r *http.Request) string {
	if user := r.Header.Get(middleware.UserIDHeader); user != "" {
		return "user:" + user
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.logger.Debug("rate limit exceeded",
		zap.Int("limit", info.Limit),
		zap.Duration("retry_after", info.RetryAfter))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
