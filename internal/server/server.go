package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/demux"
	apperrors "github.com/zsiec/rcvbuf/internal/errors"
	"github.com/zsiec/rcvbuf/internal/health"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"github.com/zsiec/rcvbuf/internal/registry"
	"github.com/zsiec/rcvbuf/internal/transport/udp"
)

// Sources supplies the data behind the API. Nil fields make their endpoints
// answer 503.
type Sources struct {
	Buffer    func() rcvbuf.Stats
	Receiver  func() udp.Stats
	Streams   func() demux.Snapshot
	Receivers func(ctx context.Context) ([]*registry.Record, error)
}

// Server serves the health and stats API over HTTP/1.1, and over HTTP/3 when
// TLS material is configured.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	logger       *logrus.Logger
	log          logger.Logger
	sources      Sources
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler

	mu          sync.Mutex
	httpServer  *http.Server
	http3Server *http3.Server
	addr        net.Addr
}

// New creates a server and registers its routes. Checkers are added to the
// health manager by the caller.
func New(cfg *config.ServerConfig, log *logrus.Logger, healthMgr *health.Manager, sources Sources) *Server {
	l := logger.FromLogrus(log, "server")

	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		log:          l,
		sources:      sources,
		healthMgr:    healthMgr,
		errorHandler: apperrors.NewErrorHandler(l),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound HTTP address once Start has listened.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTPPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	var http3Server *http3.Server
	if s.config.HTTP3Enabled() {
		http3Server, err = s.newHTTP3Server()
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.http3Server = http3Server
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 2)

	s.log.WithField("address", ln.Addr().String()).Info("Starting HTTP server")
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if http3Server != nil {
		s.log.WithField("port", s.config.HTTP3Port).Info("Starting HTTP/3 server")
		go func() {
			if err := http3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) newHTTP3Server() (*http3.Server, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	return &http3.Server{
		Addr:    net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.HTTP3Port)),
		Handler: s.router,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3"},
			Certificates: []tls.Certificate{cert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: s.config.MaxIdleTimeout,
		},
	}, nil
}

// Shutdown stops both listeners. The HTTP server drains in-flight requests
// until ctx expires; the HTTP/3 server closes immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	http3Server := s.http3Server
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}
	if http3Server != nil {
		if err := http3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP/3 server: %w", err))
		}
	}

	s.log.Info("HTTP server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.config.HTTP3Enabled() {
		s.router.Use(s.altSvcMiddleware)
	}

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)

	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	api.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
	api.HandleFunc("/buffer", s.handleBuffer).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/streams", s.handleStreams).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/streams/{ssrc}", s.handleStream).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/receivers", s.handleReceivers).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}
