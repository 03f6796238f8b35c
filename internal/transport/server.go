// Package transport serves the client-facing WebSocket endpoint and the
// operational HTTP routes on one listener.
//
// Clients connect to GET /v1/session, send a session.start frame and speak
// the JSON message protocol from [github.com/voxmux/voxmux/pkg/protocol].
// Each connection is bound to one [app.Runtime]; the connection and the
// session share a lifetime. The same listener answers /healthz, /readyz and
// /metrics for operators.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxmux/voxmux/internal/app"
	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/health"
	"github.com/voxmux/voxmux/internal/observe"
)

// Server owns the HTTP listener: the /v1/session WebSocket endpoint plus
// the ops routes.
type Server struct {
	app  *app.App
	http *http.Server
	tls  *config.TLSConfig
	log  *slog.Logger
}

// New wires the routes for a. The server starts listening on
// cfg.ListenAddr when Run is called.
func New(a *app.App, cfg config.ServerConfig) *Server {
	s := &Server{
		app: a,
		tls: cfg.TLS,
		log: slog.Default().With("component", "transport"),
	}

	mux := http.NewServeMux()
	// The session route skips the request middleware: its handler lives
	// for the whole session, not for one request.
	mux.HandleFunc("GET /v1/session", s.handleSession)

	ops := http.NewServeMux()
	health.New(a.HealthCheckers()...).Register(ops)
	ops.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", observe.Middleware(a.Metrics())(ops))

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler. Tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled or the listener fails. A cancelled
// context returns nil; the caller follows up with Shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tls != nil {
			err = s.http.ListenAndServeTLS(s.tls.CertFile, s.tls.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		errCh <- err
	}()

	s.log.Info("listening", "addr", s.http.Addr, "tls", s.tls != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections and waits for ordinary requests to
// finish. Live WebSocket sessions are hijacked connections: they close when
// [app.App.Shutdown] ends their runtimes, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
