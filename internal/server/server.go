// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/archgw/internal/config"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config

	// chain is the head of the filter chain: prompt-gateway (C7) wrapping
	// the LLM-egress filter (C6). It owns /v1/chat/completions and
	// /healthz; everything else is routed here directly.
	chain    http.Handler
	registry *prometheus.Registry
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler. chain is the fully assembled
// prompt-gateway -> egress pipeline; registry backs the /metrics
// endpoint.
func New(cfg *config.Config, chain http.Handler, registry *prometheus.Registry) *Server {
	s := &Server{cfg: cfg, chain: chain, registry: registry}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// The chain handles its own /healthz short-circuit (egress) and
	// falls through for anything it doesn't act on.
	r.Handle("/*", s.chain)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
