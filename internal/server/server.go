// Package server exposes the node's admin API over HTTP and owns the
// listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/resilcache/internal/config"
)

const shutdownGrace = 5 * time.Second

// Server binds the admin handler to the configured address and drains it on
// shutdown.
type Server struct {
	logger  *slog.Logger
	addr    string
	handler http.Handler

	bound chan struct{}
	mu    sync.Mutex
	ln    net.Listener
}

func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger.With(slog.String("agent", "lifecycle")),
		addr:    net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		handler: handler,
		bound:   make(chan struct{}),
	}, nil
}

// Addr blocks until Run has bound its listener and returns the actual
// address, which differs from the configured one when port 0 was requested.
// It returns "" if ctx ends first.
func (s *Server) Addr(ctx context.Context) string {
	select {
	case <-s.bound:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ln.Addr().String()
	case <-ctx.Done():
		return ""
	}
}

// Run serves until ctx ends and returns ctx.Err() after a clean shutdown.
// Handlers see ctx through their request context, so long-lived streams end
// with it.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.bound)

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", slog.String("address", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("http listener shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
