// Package metrics exposes pool instrumentation through a small Recorder
// interface with a no-op default and a Prometheus implementation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Close reasons used as label values.
const (
	ReasonIdle     = "idle"
	ReasonEvicted  = "evicted"
	ReasonOwner    = "owner"
	ReasonDead     = "dead"
	ReasonCapacity = "capacity"
	ReasonShutdown = "shutdown"
	ReasonFailed   = "create_failed"
)

// Recorder receives pool events.
type Recorder interface {
	SessionCreated(backend string)
	SessionCreateFailed(backend string)
	SessionClosed(reason string, err error)
	ProbeCompleted(alive bool, d time.Duration)
	ExecutionCompleted(success bool, d time.Duration)
	SetActiveSessions(n int)
}

// NoOp discards all events.
type NoOp struct{}

func (NoOp) SessionCreated(string)                  {}
func (NoOp) SessionCreateFailed(string)             {}
func (NoOp) SessionClosed(string, error)            {}
func (NoOp) ProbeCompleted(bool, time.Duration)     {}
func (NoOp) ExecutionCompleted(bool, time.Duration) {}
func (NoOp) SetActiveSessions(int)                  {}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	ActiveSessions  prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	CreateFailures  *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	CloseFailures   *prometheus.CounterVec
	Probes          *prometheus.CounterVec
	ProbeLatency    prometheus.Histogram
	Executions      *prometheus.CounterVec
	ExecLatency     prometheus.Histogram
}

// NewPrometheus registers the pool collectors on reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Prometheus{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "execpool_sessions_active",
			Help: "The current number of live pooled sessions.",
		}),
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_sessions_created_total",
			Help: "The total number of remote sessions created.",
		}, []string{"backend"}),
		CreateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_session_create_failures_total",
			Help: "The total number of failed session creations.",
		}, []string{"backend"}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_sessions_closed_total",
			Help: "The total number of sessions removed from the pool.",
		}, []string{"reason"}),
		CloseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_session_close_failures_total",
			Help: "The total number of sessions whose remote close failed.",
		}, []string{"reason"}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_probes_total",
			Help: "The total number of liveness probes by outcome.",
		}, []string{"status"}),
		ProbeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "execpool_probe_duration_seconds",
			Help:    "Liveness probe latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execpool_executions_total",
			Help: "The total number of executions by outcome.",
		}, []string{"status"}),
		ExecLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "execpool_execution_duration_seconds",
			Help:    "Execution latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

func (p *Prometheus) SessionCreated(backend string) {
	p.SessionsCreated.WithLabelValues(backend).Inc()
}

func (p *Prometheus) SessionCreateFailed(backend string) {
	p.CreateFailures.WithLabelValues(backend).Inc()
}

func (p *Prometheus) SessionClosed(reason string, err error) {
	p.SessionsClosed.WithLabelValues(reason).Inc()
	if err != nil {
		p.CloseFailures.WithLabelValues(reason).Inc()
	}
}

func (p *Prometheus) ProbeCompleted(alive bool, d time.Duration) {
	p.Probes.WithLabelValues(outcome(alive, "alive", "dead")).Inc()
	p.ProbeLatency.Observe(d.Seconds())
}

func (p *Prometheus) ExecutionCompleted(success bool, d time.Duration) {
	p.Executions.WithLabelValues(outcome(success, "success", "error")).Inc()
	p.ExecLatency.Observe(d.Seconds())
}

func (p *Prometheus) SetActiveSessions(n int) { p.ActiveSessions.Set(float64(n)) }

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// Server serves a metrics endpoint.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics HTTP server for gatherer at addr and path.
// A nil gatherer uses the default gatherer.
func NewServer(addr, path string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start serves in the background. Listen errors are sent to errCh if non-nil.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errCh != nil {
			errCh <- err
		}
	}()
}

// Handler exposes the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
