// Package server exposes the five protocol endpoints over HTTP or HTTPS.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/discovery"
	"github.com/peerdrop/peerdrop/pkg/httputil"
	"github.com/peerdrop/peerdrop/pkg/metrics"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/server/handlers"
	"github.com/peerdrop/peerdrop/pkg/session"
	"github.com/sirupsen/logrus"
)

// shutdownTimeout bounds the drain of in-flight handlers on Stop.
const shutdownTimeout = 5 * time.Second

// Server manages the HTTP/S listener and routes the protocol endpoints.
type Server struct {
	cfg        *config.Config
	registry   *discovery.Registry
	sessions   *session.Manager
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
}

// New wires the handlers to the session manager and peer registry.
// onProgress is the host's transfer-progress observer; it may be nil.
func New(cfg *config.Config, registry *discovery.Registry, sessions *session.Manager, onProgress handlers.ProgressFunc) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		router:   mux.NewRouter(),
	}
	s.configureRoutes(onProgress)
	return s
}

func (s *Server) configureRoutes(onProgress handlers.ProgressFunc) {
	api := s.router.PathPrefix("/api/localsend/v2").Subrouter()

	discoveryHandler := handlers.NewDiscoveryHandler(s.cfg, s.registry)
	api.HandleFunc("/info", discoveryHandler.Info).Methods("GET")
	api.HandleFunc("/register", discoveryHandler.Register).Methods("POST")

	receiveHandler := handlers.NewReceiveHandler(s.cfg, s.sessions, onProgress)
	api.HandleFunc("/prepare-upload", receiveHandler.PrepareUpload).Methods("POST")
	api.HandleFunc("/upload", s.limitBody(receiveHandler.Upload)).Methods("POST")
	api.HandleFunc("/cancel", receiveHandler.Cancel).Methods("POST")

	if s.cfg.EnableMetrics {
		s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	}

	s.router.Use(recoverMiddleware)
}

// limitBody caps the upload request body at the configured maximum.
func (s *Server) limitBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
		next(w, r)
	}
}

// recoverMiddleware turns handler panics into a plain 500.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.Errorf("Handler panic on %s %s: %v", r.Method, r.URL.Path, rec)
				httputil.RespondMessage(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background. It returns once
// the socket is bound, so discovery can immediately advertise the port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  0, // large uploads stream for a long time
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = srv

	if s.cfg.Protocol == model.ProtocolTypeHTTPS {
		cert, err := s.cfg.SecurityContext.TLSCertificate()
		if err != nil {
			listener.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		logrus.Infof("Serving HTTPS on %s as %q", addr, s.cfg.Alias)
		go func() {
			if err := srv.ServeTLS(listener, "", ""); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("HTTPS server failed: %v", err)
			}
		}()
	} else {
		logrus.Infof("Serving HTTP on %s as %q", addr, s.cfg.Alias)
		go func() {
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("HTTP server failed: %v", err)
			}
		}()
	}
	return nil
}

// Stop drains in-flight handlers and closes the listener.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logrus.Info("Server stopped.")
	s.httpServer = nil
	return nil
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
