package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/config"
)

// Server is the HTTP front of the OCR service. It is created stopped; Start
// blocks until the context is cancelled, then shuts down gracefully within
// the configured timeout.
type Server struct {
	server       *http.Server
	cfg          config.ServerConfig
	shutdownOnce sync.Once
}

// NewServer wires the router onto an http.Server.
//
// No WriteTimeout is set: /v1/new_pages keeps the response open for as long
// as its OCR jobs run, and per-route timeouts cover the query endpoints.
func NewServer(cfg config.ServerConfig, handler *Handler) *Server {
	router := NewRouter(handler, cfg.StaticDir, cfg.RequestTimeout)

	return &Server{
		server: &http.Server{
			Addr:    cfg.Addr(),
			Handler: router,
		},
		cfg: cfg,
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", s.cfg.Addr())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
}

// Stop drains in-flight requests. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			logger.Error("server shutdown error", "error", err)
		} else {
			logger.Info("server stopped gracefully")
		}
	})
	return shutdownErr
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr()
}
