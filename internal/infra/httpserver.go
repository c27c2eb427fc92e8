package infra

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server to provide graceful startup and shutdown helpers.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer creates a configured HTTP server instance. Request contexts
// derive from base, so cancelling it reaches handlers still running.
func NewHTTPServer(cfg *Config, handler http.Handler, base context.Context) *HTTPServer {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}
	if base != nil {
		srv.BaseContext = func(net.Listener) context.Context { return base }
	}

	return &HTTPServer{server: srv}
}

// Addr reports the listen address.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Start runs the HTTP server in the current goroutine. It returns nil once
// Shutdown has been called.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
