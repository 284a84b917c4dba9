// Package admin serves operational endpoints for running queues:
// Prometheus metrics, JSON statistics and a health check.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/observability/prometheus"
)

// StatsFunc returns a JSON-encodable snapshot, such as WorkQueue.Stats.
type StatsFunc func() any

// Server is the admin HTTP server.
type Server struct {
	addr     string
	gatherer promclient.Gatherer
	metrics  *prometheus.QueueMetrics
	logger   core.Logger

	mu     sync.RWMutex
	stats  map[string]StatsFunc
	server *fasthttp.Server
	ln     net.Listener
}

// New creates a server for addr exposing gatherer on /metrics
// (prometheus.DefaultRegistry when nil).
func New(addr string, gatherer promclient.Gatherer, logger core.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultRegistry
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	s := &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger,
		stats:    make(map[string]StatsFunc),
	}
	s.server = &fasthttp.Server{
		Handler:               s.Handler(),
		Name:                  "buildqueue-admin",
		NoDefaultServerHeader: true,
	}
	return s
}

// CountRequests records every admin request in m.
func (s *Server) CountRequests(m *prometheus.QueueMetrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Register exposes fn under name on /stats. Registering a name again
// replaces it.
func (s *Server) Register(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = fn
}

// Handler returns the request router.
func (s *Server) Handler() fasthttp.RequestHandler {
	metrics := prometheus.Handler(s.gatherer)

	route := func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsGet() && !ctx.IsHead() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx)
		case "/stats":
			s.handleStats(ctx)
		case "/health":
			writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}

	return func(ctx *fasthttp.RequestCtx) {
		s.mu.RLock()
		m := s.metrics
		s.mu.RUnlock()
		if m != nil {
			prometheus.FastHTTPMetricsMiddleware(m, route)(ctx)
			return
		}
		route(ctx)
	}
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	s.mu.RLock()
	fns := make(map[string]StatsFunc, len(s.stats))
	for name, fn := range s.stats {
		fns[name] = fn
	}
	s.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil {
			s.logger.Errorf("admin: serve %s: %v", ln.Addr(), err)
		}
	}()
	s.logger.Infof("admin: listening on %s", ln.Addr())
	return nil
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return s.server.Serve(ln)
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting connections and waits for open ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}
