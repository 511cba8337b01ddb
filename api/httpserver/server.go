package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	srv      *http.Server
	shutdown time.Duration
	log      *zap.Logger
}

func NewServer(addr string, handler http.Handler, shutdown time.Duration, log *zap.Logger) *Server {
	if shutdown <= 0 {
		shutdown = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdown: shutdown,
		log:      log.Named("http"),
	}
}

// Run serves on lis until ctx is done, then drains within the shutdown
// timeout. Hijacked WebSocket connections are closed by their sessions.
func (s *Server) Run(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", lis.Addr().String()))
		errc <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdown)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
