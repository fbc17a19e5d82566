// Package server serves the Storyboard web page, the story JSON endpoints
// and the database export and upload endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyboard/storyboard/pkg/config"
	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

// ExportFilename is the download name of an exported database.
const ExportFilename = "storyboard.db"

// UploadField is the multipart field carrying an uploaded database.
const UploadField = "database"

// Server hosts the Storyboard HTTP surface on top of a lifecycle manager.
type Server struct {
	cfg     config.ServerConfig
	manager *lifecycle.Manager
	store   *stores.StoryStore
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	httpServer *http.Server
}

// New creates a server. tel may be nil.
func New(cfg config.ServerConfig, manager *lifecycle.Manager, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.Noop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.Default().Server.MaxUploadBytes
	}

	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   stores.NewStoryStore(),
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("http").Zerolog(),
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	h = s.instrument(h)
	h = s.withRequestID(h)
	h = s.recoverPanics(h)
	return h
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.tel.WithContext(context.Background()) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
