package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xmidt-org/talaria/devicerelay/internal/logger"
)

// Config configures the relay HTTP server.
type Config struct {
	ListenAddr   string        // address to bind (e.g. 127.0.0.1:8002)
	Handler      http.Handler  // required
	Logger       *logrus.Entry // optional
	ReadTimeout  time.Duration // optional
	IdleTimeout  time.Duration // optional
	// OnShutdown runs after the listener stops accepting, e.g. to close
	// hijacked websocket connections the server no longer tracks.
	OnShutdown func()
}

var ErrNilHandler = errors.New("server: handler is nil")

// Start starts an HTTP server serving cfg.Handler.
// It returns the *http.Server, a channel that will receive a terminal error (if any), and an error for immediate startup issues.
// The server stops when the supplied context is canceled.
func Start(ctx context.Context, cfg Config) (*http.Server, <-chan error, error) {
	if cfg.Handler == nil {
		return nil, nil, ErrNilHandler
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8002"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Component("server")
	}

	// no WriteTimeout: websocket connections are long lived
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     cfg.Handler,
		ReadTimeout: durationOr(cfg.ReadTimeout, 10*time.Second),
		IdleTimeout: durationOr(cfg.IdleTimeout, 60*time.Second),
	}
	if cfg.OnShutdown != nil {
		srv.RegisterOnShutdown(cfg.OnShutdown)
	}

	errCh := make(chan error, 1)

	go func() {
		cfg.Logger.Infof("relay listening on %s (GET /api/devices, GET /ws)", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
