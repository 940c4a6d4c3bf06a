package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/corsfix/proxy/internal/config"
	"github.com/corsfix/proxy/internal/logging"
	"github.com/corsfix/proxy/internal/middleware"
)

// Server wraps the gateway with the public and admin HTTP servers.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	config      *config.Config
	startTime   time.Time
	addr        string
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:   gw,
		config:    cfg,
		startTime: time.Now(),
		httpServer: &http.Server{
			Addr:              cfg.Listen.Address,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.Listen.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Listen.WriteTimeout,
			IdleTimeout:       cfg.Listen.IdleTimeout,
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start binds both listeners, so address errors are returned here, and
// serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		if adminLn, err = net.Listen("tcp", s.adminServer.Addr); err != nil {
			ln.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
	}

	s.addr = ln.Addr().String()
	s.serve("proxy", s.httpServer, ln)
	if adminLn != nil {
		s.serve("admin", s.adminServer, adminLn)
	}
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	logging.Info("Starting "+name+" server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(name+" server stopped", zap.Error(err))
		}
	}()
}

// Addr returns the bound proxy address once started.
func (s *Server) Addr() string {
	return s.addr
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	return s.Shutdown(s.config.Listen.ShutdownTimeout)
}

// Shutdown drains in-flight requests, then flushes usage and closes the
// gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Proxy server shutdown error", zap.Error(err))
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.gateway.Metrics().Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return middleware.NewChain(middleware.Recovery()).Then(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.gateway.Ready(ctx); err != nil {
		status["status"] = "degraded"
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
