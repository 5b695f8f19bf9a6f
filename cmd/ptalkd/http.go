package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Serves the state websocket and Prometheus metrics on one listener.
// ============================================================================

func newHTTPMux(states *StateServer) *http.ServeMux {
	mux := http.NewServeMux()
	if states != nil {
		states.Register(mux, "/ws/state")
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// runHTTPServer serves mux on addr and shuts down gracefully when ctx is
// canceled.
func runHTTPServer(ctx context.Context, addr string, mux http.Handler, logger *slog.Logger) error {
	logger = logger.With("component", "http")

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
