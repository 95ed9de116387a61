package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"
)

// Server exposes /metrics and the probe routes of one pipeline process.
type Server struct {
	process string
	http    *http.Server
	routes  []string
}

// NewServer builds the server for process on port. extra maps paths to
// handlers, normally the health probes.
func NewServer(process string, port int, extra map[string]http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	routes := []string{"/metrics"}
	for path, h := range extra {
		mux.Handle(path, h)
		routes = append(routes, path)
	}
	sort.Strings(routes)

	s := &Server{process: process, routes: routes}
	mux.HandleFunc("/", s.index)
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// index lists the routes so an operator hitting the bare port sees what
// the process serves.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n", s.process)
	for _, route := range s.routes {
		fmt.Fprintf(w, "  %s\n", route)
	}
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start binds the port and serves in the background. A bind error is
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics server for %s: %w", s.process, err)
	}
	go func() {
		slog.Info("metrics server listening", "process", s.process, "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "process", s.process, "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
