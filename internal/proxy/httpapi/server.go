// Package httpapi implements the management HTTP/WebSocket server: one
// net/http listener hosting the project REST surface, the /ws operator
// channel upgrade, and the /health endpoint. Routes are registered
// before Start; shutdown is graceful with a bounded drain.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/common/requestid"
)

// Server hosts the operator websocket endpoint and the project REST
// surface behind one net/http.ServeMux.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// New constructs a Server. Routes are registered by the caller via
// Handle/HandleFunc before calling Start.
func New(cfg Config, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	return &Server{
		cfg:    cfg,
		mux:    mux,
		logger: logger,
		http:   &http.Server{Handler: withRequestID(mux, logger)},
	}
}

// withRequestID stamps every management request with an X-Request-ID
// (sanitizing any client-supplied one) and logs it under that id, so a
// call can be correlated across log lines.
func withRequestID(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestid.GenerateRequestID(r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		logger.Debug("management request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// Handle registers a route on the underlying mux. Takes the same
// pattern syntax as net/http.ServeMux ("GET /api/projects/{name}").
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// HandleFunc registers a route handler func on the underlying mux.
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Start begins accepting connections on cfg.Listen. Blocks until the
// listener closes (normally via Shutdown).
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("httpapi: failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener

	s.logger.Info("management server started", zap.String("address", s.cfg.Listen))

	err = s.http.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to the context
// deadline for in-flight requests (including the long-lived websocket
// connection) to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down management server")
	return s.http.Shutdown(ctx)
}

// Addr returns the address the server is listening on, once Start has
// been called.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Listen
}
