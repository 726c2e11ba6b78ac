// Package metrics exports session core counters to Prometheus. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "heartline"

// channelStates lists every label value of the channel state gauge.
var channelStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "DEGRADED", "DISABLED"}

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	channelState    *prometheus.GaugeVec
	reconnects      prometheus.Counter
	handlerPanics   *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	refetches       prometheus.Counter
	snapshots       *prometheus.CounterVec
	callPhases      *prometheus.CounterVec
	callEnds        *prometheus.CounterVec
	signalingErrors *prometheus.CounterVec
}

// New registers all collectors plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "state",
			Help: "1 for the realtime channel's current state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "reconnect_attempts_total",
			Help: "Dial attempts made after a failure.",
		}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "handler_panics_total",
			Help: "Recovered panics in realtime event handlers.",
		}, []string{"event"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "live_messages_total",
			Help: "Live messages by reconcile outcome.",
		}, []string{"outcome"}),
		refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "refetches_total",
			Help: "Snapshot refetches triggered by unknown conversations.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "snapshots_total",
			Help: "Snapshot fetches by result.",
		}, []string{"result"}),
		callPhases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "phase_transitions_total",
			Help: "Call phase transitions by target phase.",
		}, []string{"phase"}),
		callEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "ended_total",
			Help: "Ended calls by reason.",
		}, []string{"reason"}),
		signalingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "signaling_errors_total",
			Help: "Failed signaling operations.",
		}, []string{"op", "kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.channelState, m.reconnects, m.handlerPanics,
		m.reconciled, m.refetches, m.snapshots,
		m.callPhases, m.callEnds, m.signalingErrors,
	)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ChannelState(state string) {
	if m == nil {
		return
	}
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.channelState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) HandlerPanic(event string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(event).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refetch() {
	if m == nil {
		return
	}
	m.refetches.Inc()
}

func (m *Metrics) Snapshot(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) CallPhase(phase string) {
	if m == nil {
		return
	}
	m.callPhases.WithLabelValues(phase).Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.callEnds.WithLabelValues(reason).Inc()
}

func (m *Metrics) SignalingFailure(op, kind string) {
	if m == nil {
		return
	}
	m.signalingErrors.WithLabelValues(op, kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on a TCP address.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds a metrics server for addr.
func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
