// Package server wires the platform webhook handlers into one HTTP server
// with graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Zbun/wechat-gpt-relay/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the webhook endpoints.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New builds the server. The write timeout is generous because a webhook
// response may wait on a language-model completion.
func New(addr string, wechatHandler, feishuHandler http.Handler, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/wechat", wechatHandler)
	mux.Handle("/feishu", feishuHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           logger.Middleware(log)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		log:        log.With("component", "server"),
	}
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return <-errCh
}
