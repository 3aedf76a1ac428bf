// Package api serves the read-only dashboard API over HTTP and websocket.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/status"
)

// Server is the dashboard HTTP server.
type Server struct {
	logger   *zap.Logger
	config   config.APIConfig
	store    *status.Store
	metrics  http.Handler
	history  HistoryReader
	cache    *snapshotCache
	router   *mux.Router
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
}

// NewServer creates the server. metrics may be nil, in which case /metrics
// is not served.
func NewServer(logger *zap.Logger, cfg config.APIConfig, store *status.Store, metrics http.Handler) (*Server, error) {
	cache, err := newSnapshotCache(context.Background())
	if err != nil {
		return nil, err
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 5 * time.Second
	}
	s := &Server{
		logger:  logger,
		config:  cfg,
		store:   store,
		metrics: metrics,
		cache:   cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting dashboard API",
		zap.String("address", ln.Addr().String()),
		zap.Bool("auth", s.config.JWTSecret != ""),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Dashboard API stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	defer s.cache.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware)

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/backups", s.handleBackups).Methods(http.MethodGet)
	api.HandleFunc("/backups/{id}", s.handleBackup).Methods(http.MethodGet)
	api.HandleFunc("/samples", s.handleSamples).Methods(http.MethodGet)

	s.router.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)
}
