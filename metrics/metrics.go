// Package metrics exposes agent counters in the Prometheus format.
//
// Collector satisfies the observer interfaces of the router, master and
// snmp packages so it can be handed to each of them directly. Server
// publishes the collector's registry over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/agentx"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/master"
	"github.com/geekxflood/agentxd/router"
	"github.com/geekxflood/agentxd/snmp"
	"github.com/gosnmp/gosnmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "agentxd"

var (
	_ router.Observer = (*Collector)(nil)
	_ master.Observer = (*Collector)(nil)
	_ snmp.Observer   = (*Collector)(nil)
)

// Collector holds the agent metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	upstreamRequests   *prometheus.CounterVec
	upstreamReplies    *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	downstreamRequests *prometheus.CounterVec
	downstreamTimeouts prometheus.Counter
	violations         prometheus.Counter

	sessions       prometheus.Gauge
	sessionsClosed *prometheus.CounterVec
	pdusReceived   *prometheus.CounterVec
	parseErrors    prometheus.Counter

	snmpPackets *prometheus.CounterVec
}

// NewCollector registers the agent metrics together with the Go runtime
// and process collectors.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_requests_total",
			Help:      "SNMP requests received by the router.",
		}, []string{"pdu"}),
		upstreamReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_replies_total",
			Help:      "SNMP replies produced by the router, by error status.",
		}, []string{"pdu", "status"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time from request to reply.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"pdu"}),
		downstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downstream_requests_total",
			Help:      "Lookups sent to backends.",
		}, []string{"pdu"}),
		downstreamTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downstream_timeouts_total",
			Help:      "Backend lookups that timed out.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_violations_total",
			Help:      "Malformed backend answers.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "agentx_sessions",
			Help:      "Open AgentX sessions.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "agentx_sessions_closed_total",
			Help:      "Closed AgentX sessions, by close reason.",
		}, []string{"reason"}),
		pdusReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "agentx_pdus_received_total",
			Help:      "AgentX PDUs received from subagents.",
		}, []string{"type"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "agentx_parse_errors_total",
			Help:      "AgentX PDUs that could not be parsed.",
		}),
		snmpPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snmp_packets_total",
			Help:      "SNMP datagrams received, by outcome.",
		}, []string{"outcome"}),
	}

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.upstreamRequests,
		c.upstreamReplies,
		c.upstreamDuration,
		c.downstreamRequests,
		c.downstreamTimeouts,
		c.violations,
		c.sessions,
		c.sessionsClosed,
		c.pdusReceived,
		c.parseErrors,
		c.snmpPackets,
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// UpstreamRequest implements router.Observer.
func (c *Collector) UpstreamRequest(t gosnmp.PDUType) {
	c.upstreamRequests.WithLabelValues(router.PDUName(t)).Inc()
}

// UpstreamReply implements router.Observer.
func (c *Collector) UpstreamReply(t gosnmp.PDUType, status gosnmp.SNMPError, elapsed time.Duration) {
	pdu := router.PDUName(t)
	c.upstreamReplies.WithLabelValues(pdu, strconv.Itoa(int(status))).Inc()
	c.upstreamDuration.WithLabelValues(pdu).Observe(elapsed.Seconds())
}

// DownstreamRequest implements router.Observer. Backend names are not used
// as labels since session names change on every reconnect.
func (c *Collector) DownstreamRequest(_ string, t gosnmp.PDUType) {
	c.downstreamRequests.WithLabelValues(router.PDUName(t)).Inc()
}

// DownstreamTimeout implements router.Observer.
func (c *Collector) DownstreamTimeout(string) { c.downstreamTimeouts.Inc() }

// Violation implements router.Observer.
func (c *Collector) Violation(string) { c.violations.Inc() }

// SessionOpened implements master.Observer.
func (c *Collector) SessionOpened() { c.sessions.Inc() }

// SessionClosed implements master.Observer.
func (c *Collector) SessionClosed(reason agentx.CloseReason) {
	c.sessions.Dec()
	c.sessionsClosed.WithLabelValues(reason.String()).Inc()
}

// PDUReceived implements master.Observer.
func (c *Collector) PDUReceived(t agentx.Type) {
	c.pdusReceived.WithLabelValues(t.String()).Inc()
}

// ParseError implements master.Observer.
func (c *Collector) ParseError() { c.parseErrors.Inc() }

// Packet implements snmp.Observer.
func (c *Collector) Packet(outcome string) {
	c.snmpPackets.WithLabelValues(outcome).Inc()
}

// ServerConfig holds HTTP endpoint settings.
type ServerConfig struct {
	Listen string
	Path   string
	Logger logging.Logger
}

// Server publishes a registry over HTTP.
type Server struct {
	cfg    ServerConfig
	log    *logging.ComponentLogger
	server *http.Server

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer returns a stopped server exposing g at cfg.Path, with a plain
// liveness probe at /health.
func NewServer(g prometheus.Gatherer, cfg ServerConfig) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":9705"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		cfg: cfg,
		log: logging.ForComponent(cfg.Logger, "metrics", "http"),
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "error", err)
		}
	}()
	s.log.Info("metrics server started", "listen", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
