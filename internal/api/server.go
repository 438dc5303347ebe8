// Package api exposes the login pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/identity"
	"github.com/torii-auth/torii/internal/login"
	"github.com/torii-auth/torii/internal/metrics"
)

// Config defines API server configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	EnableTLS  bool   `yaml:"enable_tls"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// TrustProxyHeaders controls whether forwarding headers are believed
	// when extracting the client IP. Leave off unless a trusted proxy
	// terminates every connection.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	// RateLimit is the outer per-IP request budget, requests per second.
	// It protects the HTTP surface as a whole and is separate from the
	// abuse-defense pipeline.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	AllowOrigins []string `yaml:"allow_origins"`

	// EnableEnroll registers the enrollment endpoint. AdminToken guards
	// it when set; empty leaves enrollment open, which is only sensible
	// in development.
	EnableEnroll bool   `yaml:"enable_enroll"`
	AdminToken   string `yaml:"admin_token"`
}

// Response is the envelope for health, status and enrollment replies. The
// login endpoint speaks its own wire format.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Deps are the collaborators the server hands requests to.
type Deps struct {
	Flow       *login.Flow
	Identities identity.Store
	Audit      *audit.Emitter
	Metrics    *metrics.Exporter              // optional
	Status     map[string]metrics.StatsSource // shown on /status
}

// Server provides the HTTP interface.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	server     *http.Server
	flow       *login.Flow
	identities identity.Store
	auditor    *audit.Emitter
	metrics    *metrics.Exporter
	status     map[string]metrics.StatsSource
	limiter    *ipRateLimiter
	started    time.Time

	requestsTotal   atomic.Uint64
	panicsRecovered atomic.Uint64
	rateLimited     atomic.Uint64
}

// NewServer creates the API server.
func NewServer(config Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("api server disabled")
	}
	if deps.Flow == nil || deps.Identities == nil || deps.Audit == nil {
		return nil, fmt.Errorf("api server requires flow, identity store and audit emitter")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 15 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if config.RateBurst <= 0 {
		config.RateBurst = int(config.RateLimit) * 2
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 * 1024
	}

	s := &Server{
		logger:     logger.Named("api"),
		config:     config,
		flow:       deps.Flow,
		identities: deps.Identities,
		auditor:    deps.Audit,
		metrics:    deps.Metrics,
		status:     deps.Status,
		limiter:    newIPRateLimiter(config.RateLimit, config.RateBurst),
		started:    time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

// Start begins serving. The listener runs on its own goroutine; use
// Shutdown to stop it.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("Starting API server",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.Bool("tls_enabled", s.config.EnableTLS),
	)

	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.recoverMiddleware)
	api.Use(s.logMiddleware)
	api.Use(s.corsMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	if s.config.EnableEnroll {
		api.HandleFunc("/auth/enroll", s.handleEnroll).Methods("POST")
	}
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
}

// GetStats returns server statistics.
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":    s.requestsTotal.Load(),
		"panics_recovered":  s.panicsRecovered.Load(),
		"rate_limited":      s.rateLimited.Load(),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"trust_proxy":       s.config.TrustProxyHeaders,
		"rate_limit_per_ip": s.config.RateLimit,
	}
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendError sends an envelope error response.
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}
