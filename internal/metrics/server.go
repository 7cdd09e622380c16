package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mikey/secure-mail-gateway/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry creates a registry carrying the process and Go runtime
// collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterPipeline exposes the pipeline backlog and overflow counters
func RegisterPipeline(reg prometheus.Registerer, p *events.Pipeline) error {
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "mail_gateway_events_dropped_total",
		Help: "Events discarded because the pipeline was full",
	}, func() float64 { return float64(p.Dropped()) })
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mail_gateway_events_pending",
		Help: "Events waiting to be drained",
	}, func() float64 { return float64(p.Len()) })

	for _, c := range []prometheus.Collector{dropped, pending} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Server exposes a registry on /metrics
type Server struct {
	addr   string
	srv    *http.Server
	logger *zap.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a new metrics server for addr
func NewServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Server{
		addr: addr,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for metrics: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("Metrics server starting", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the HTTP server down
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
