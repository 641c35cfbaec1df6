package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Start runs the HTTP server until an interrupt arrives, then shuts the
// components down in dependency order: stop accepting work, stop background
// loops, close the bus, close the database.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.E.Start(addr); err != nil && err != http.ErrServerClosed {
			s.E.Logger.Fatalf("shutting down the server: %v", err)
		}
	}()

	waitForShutdown()
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.E.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}

	s.cancelWatch()
	s.Typing.Shutdown()
	if err := s.Bus.Close(); err != nil {
		slog.Error("failed to close message bus", "error", err)
	}
	s.DB.Close(ctx)
}
