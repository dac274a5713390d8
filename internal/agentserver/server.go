// SPDX-License-Identifier: MPL-2.0

// Package agentserver exposes the script service over HTTP. Every protocol
// generation gets its own route prefix, so an older client keeps working
// against a newer agent.
package agentserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/metrics"
	"github.com/invowk/remexec/internal/scriptservice"
)

// writeTimeoutSlack is added to the longest start call an agent may hold open.
const writeTimeoutSlack = 30 * time.Second

// ErrNoService is returned by New when Options.Service is nil.
var ErrNoService = errors.New("agent server requires a script service")

type (
	// Options configures a Server.
	Options struct {
		// Addr is the listen address. Defaults to "127.0.0.1:0".
		Addr string
		// Token is the bearer token clients must present. Empty disables auth.
		Token   string
		Service *scriptservice.Service
		Metrics *metrics.Collector
		Logger  *log.Logger
		// MaxWaitForFinish is the longest a start call is held open.
		MaxWaitForFinish time.Duration
	}

	// Server serves the script service over HTTP.
	Server struct {
		opts       Options
		lc         *lifecycle
		logger     *log.Logger
		listener   net.Listener
		httpServer *http.Server
		handler    http.Handler
	}
)

// New creates a server. Call Start to begin listening.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, ErrNoService
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	s := &Server{
		opts:   opts,
		lc:     newLifecycle(),
		logger: opts.Logger.WithPrefix("agent"),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.handler }

// State returns the lifecycle state.
func (s *Server) State() State { return s.lc.current() }

// Err returns the error that failed the server, if any.
func (s *Server) Err() error { return s.lc.err() }

// Errors delivers the error that stops a running server unexpectedly.
func (s *Server) Errors() <-chan error { return s.lc.errCh }

// Addr returns the bound address once the server is running.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the base URL clients should use.
func (s *Server) URL() string { return "http://" + s.Addr() }

// Start binds the listener and serves in the background. It returns once the
// server accepts connections.
func (s *Server) Start(ctx context.Context) error {
	if err := s.lc.toStarting(ctx); err != nil {
		return err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
		s.lc.toFailed(err)
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      s.opts.MaxWaitForFinish + writeTimeoutSlack,
		IdleTimeout:       2 * time.Minute,
	}

	s.lc.wg.Go(func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("agent server failed", "error", err)
			s.lc.toFailed(err)
		}
	})

	s.lc.toRunning()
	s.logger.Info("agent listening", "address", s.Addr(), "auth", s.opts.Token != "")
	return nil
}

// Stop shuts the HTTP server down, then cancels running scripts and waits
// for them until ctx expires. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	if !s.lc.toStopping() {
		return nil
	}

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shut down http server: %w", err)
			_ = s.httpServer.Close()
		}
	}
	s.opts.Service.Shutdown(ctx)
	s.lc.wg.Wait()
	s.lc.toStopped()
	s.logger.Info("agent stopped")
	return shutdownErr
}

// GenerateToken returns a random hex bearer token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
