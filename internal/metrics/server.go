package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the body of GET /status.
type Status struct {
	State string `json:"state"`
	Port  int    `json:"port,omitempty"`
}

// StatusFunc reports the current session status.
type StatusFunc func() Status

// NewRouter returns the status router: /metrics, /healthz and /status.
func NewRouter(gatherer prometheus.Gatherer, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		var s Status
		if status != nil {
			s = status()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	})

	return r
}

// StatusServer serves the status router on a TCP address.
type StatusServer struct {
	srv *http.Server
	ln  net.Listener
}

// NewStatusServer listens on addr. Serving starts with Serve.
func NewStatusServer(addr string, gatherer prometheus.Gatherer, status StatusFunc) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	return &StatusServer{
		srv: &http.Server{
			Handler:           NewRouter(gatherer, status),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr returns the bound address.
func (s *StatusServer) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown is called.
func (s *StatusServer) Serve() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
