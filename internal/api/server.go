package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/monitoring"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines API server configuration
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	JWTSecret string
	JWTIssuer string

	TrustForwardedFor bool
	RequestsPerSecond float64
	Burst             int
	AllowOrigins      []string
}

// Components are the engine parts the API exposes. Metrics is optional.
type Components struct {
	Audit   *audit.Log
	Limiter *security.RateLimiter
	Logins  *security.LoginMonitor
	APIs    *security.APIMonitor
	RBAC    *auth.RBAC
	Teams   *auth.TeamAccessController
	Metrics *monitoring.MetricsExporter
}

func (c Components) validate() error {
	switch {
	case c.Audit == nil:
		return errors.New("audit log is required")
	case c.Limiter == nil:
		return errors.New("rate limiter is required")
	case c.Logins == nil:
		return errors.New("login monitor is required")
	case c.APIs == nil:
		return errors.New("api monitor is required")
	case c.RBAC == nil:
		return errors.New("rbac resolver is required")
	case c.Teams == nil:
		return errors.New("team access controller is required")
	}
	return nil
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server serves the admin and ingest HTTP API and the live audit stream.
type Server struct {
	logger     *zap.Logger
	config     Config
	components Components
	clock      window.Clock

	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
	burst    *rate.Limiter
	tokens   *TokenVerifier

	streamsMu sync.Mutex
	streams   map[*websocket.Conn]struct{}
}

// NewServer creates the API server and registers its routes.
func NewServer(logger *zap.Logger, config Config, components Components) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := components.validate(); err != nil {
		return nil, fmt.Errorf("invalid api components: %w", err)
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}

	tokens, err := NewTokenVerifier(config.JWTSecret, config.JWTIssuer)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		logger:     logger,
		config:     config,
		components: components,
		clock:      window.System,
		burst:      rate.NewLimiter(limit, burst),
		tokens:     tokens,
		streams:    make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}

	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes audit streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.streamsMu.Lock()
	for conn := range s.streams {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.streamsMu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.clientAddressMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.components.Metrics != nil {
		s.router.Handle("/metrics", s.components.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.trackingMiddleware)
	v1.Use(s.blocklistMiddleware)
	v1.Use(s.burstMiddleware)
	v1.Use(s.rateLimitMiddleware)
	v1.Use(s.authMiddleware)

	// Ingest
	v1.HandleFunc("/events/login", s.handleLoginEvent).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimit/check", s.handleRateLimitCheck).Methods(http.MethodPost)
	v1.HandleFunc("/access/check", s.handleAccessCheck).Methods(http.MethodPost)
	v1.HandleFunc("/access/batch", s.handleAccessBatch).Methods(http.MethodPost)

	// Admin
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Handle("/threats", s.require(auth.PermSecurityView, s.handleThreats)).Methods(http.MethodGet)
	admin.Handle("/abuse", s.require(auth.PermSecurityView, s.handleAbuse)).Methods(http.MethodGet)
	admin.Handle("/endpoints", s.require(auth.PermSecurityView, s.handleEndpoints)).Methods(http.MethodGet)
	admin.Handle("/stats/logins", s.require(auth.PermSecurityView, s.handleLoginStats)).Methods(http.MethodGet)
	admin.Handle("/stats/api", s.require(auth.PermSecurityView, s.handleAPIStats)).Methods(http.MethodGet)

	admin.Handle("/blocks", s.require(auth.PermSecurityView, s.handleListBlocks)).Methods(http.MethodGet)
	admin.Handle("/blocks", s.require(auth.PermSecurityManage, s.handleBlock)).Methods(http.MethodPost)
	admin.Handle("/blocks/{address}", s.require(auth.PermSecurityManage, s.handleUnblock)).Methods(http.MethodDelete)

	admin.Handle("/ratelimit/{action}/{identifier}", s.require(auth.PermSecurityView, s.handleRateLimitStatus)).Methods(http.MethodGet)
	admin.Handle("/ratelimit/{action}/{identifier}", s.require(auth.PermSecurityManage, s.handleRateLimitReset)).Methods(http.MethodDelete)

	admin.Handle("/audit/events", s.require(auth.PermAuditRead, s.handleAuditEvents)).Methods(http.MethodGet)
	admin.Handle("/audit/metrics", s.require(auth.PermAuditRead, s.handleAuditMetrics)).Methods(http.MethodGet)
	admin.Handle("/audit/report", s.require(auth.PermAuditRead, s.handleAuditReport)).Methods(http.MethodGet)
	admin.Handle("/audit/export", s.require(auth.PermAuditExport, s.handleAuditExport)).Methods(http.MethodGet)
	admin.Handle("/audit/stream", s.require(auth.PermAuditRead, s.handleAuditStream)).Methods(http.MethodGet)

	admin.Handle("/users/{userID}/permissions", s.require(auth.PermUsersRead, s.handleUserPermissions)).Methods(http.MethodGet)
	admin.Handle("/users/{userID}/roles", s.require(auth.PermRolesManage, s.handleAssignRole)).Methods(http.MethodPost)
	admin.Handle("/users/{userID}/roles/{role}", s.require(auth.PermRolesManage, s.handleRemoveRole)).Methods(http.MethodDelete)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin.
		return true
	}
	for _, allowed := range s.config.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"audit_events":  s.components.Audit.Len(),
		"rate_limits":   s.components.Limiter.Len(),
		"login_sources": s.components.Logins.PatternCount(),
		"api_patterns":  s.components.APIs.PatternCount(),
	})
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) sendData(w http.ResponseWriter, status int, data interface{}) {
	s.sendJSON(w, status, Response{Success: true, Data: data, Time: s.clock()})
}

// sendError sends error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: s.clock()})
}
