package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	addr    string
	handler http.Handler
	log     *zap.Logger
}

func NewServer(addr string, hub *Hub, status StatusSource) *Server {
	mux := http.NewServeMux()
	mux.Handle(EventsPath, NewWebSocketHandler(hub))
	mux.Handle(StatusPath, StatusHandler(status))

	return &Server{
		addr:    addr,
		handler: mux,
		log:     hub.log,
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked relay sessions end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	s.log.Info("Relay listening", zap.String("addr", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return fmt.Errorf("serve relay on %s: %w", server.Addr, err)
	}
}
