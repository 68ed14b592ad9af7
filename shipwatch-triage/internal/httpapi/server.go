package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP listener for the read API and event stream
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	// cancels request contexts so open event streams end on Stop
	cancel context.CancelFunc
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return &Server{httpServer: s, logger: logger, cancel: cancel}
}

// Start blocks until the server fails or Stop is called; Stop is not an error
func (s *Server) Start() error {
	s.logger.Info("Starting shipwatch-triage HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping shipwatch-triage HTTP server")
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}
