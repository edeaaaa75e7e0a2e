package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/policyreviewer/pipeline/internal/common"
)

// Server runs the HTTP callback listener. The analysis engine posts a
// completion notification here for every job it finishes, so the
// listener has to stay up for the whole life of the daemon.
//
// Serve blocks until ctx is cancelled, then stops accepting new
// connections and drains in-flight requests.
type Server struct {
	addr            string
	handler         http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}

	// netAddr is the resolved listen address, set before ready closes.
	netAddr net.Addr
}

// New creates a listener on cfg.ListenAddr serving handler. Call Serve
// to start accepting connections.
func New(cfg common.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		addr:            addr,
		handler:         handler,
		logger:          logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that closes once the server accepts
// connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Valid only after Ready()
// has closed. With a ":0" listen address it carries the assigned port.
func (s *Server) Addr() net.Addr {
	return s.netAddr
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully, waiting up to the configured shutdown timeout for active
// requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.netAddr = listener.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler: s.handler,

		// Completion notifications are small; the timeouts only have
		// to fence off stalled clients.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("server.listening", "addr", s.netAddr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server.shutting_down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server.shutdown_failed", "error", err)
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server.stopped")
	return nil
}
