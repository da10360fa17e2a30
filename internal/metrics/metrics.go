// Package metrics exposes lifecycle and channel counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macvm/internal/vm"
)

const namespace = "macvm"

// Metrics holds the collectors registered by New.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	TransitionTime  *prometheus.HistogramVec
	State           prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	AcceptDecisions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vm", Name: "transitions_total",
			Help: "Lifecycle state changes."}, []string{"from", "to"}),
		TransitionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "vm", Name: "state_duration_seconds",
			Help:    "Time spent in a state before leaving it.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10)}, []string{"state"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "vm", Name: "state",
			Help: "Current lifecycle state as its numeric value."}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "connect_attempts_total",
			Help: "Outbound socket connection attempts."}, []string{"port", "result"}),
		AcceptDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "accepted_total",
			Help: "Inbound socket connections by accept decision."}, []string{"port", "decision"}),
	}

	reg.MustRegister(m.Transitions, m.TransitionTime, m.State, m.ConnectAttempts, m.AcceptDecisions)
	return m
}

// Observe records a lifecycle state change. It satisfies vm.Observer.
func (m *Metrics) Observe(from, to vm.State, elapsed time.Duration) {
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	m.TransitionTime.WithLabelValues(from.String()).Observe(elapsed.Seconds())
	m.State.Set(float64(to))
}

// ConnectAttempt records one outbound connect.
func (m *Metrics) ConnectAttempt(port uint32, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ConnectAttempts.WithLabelValues(portLabel(port), result).Inc()
}

// Accepted records an accept decision on an inbound connection.
func (m *Metrics) Accepted(port uint32, accepted bool) {
	decision := "accepted"
	if !accepted {
		decision = "rejected"
	}
	m.AcceptDecisions.WithLabelValues(portLabel(port), decision).Inc()
}

func portLabel(port uint32) string {
	return strconv.FormatUint(uint64(port), 10)
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          reg,
	})
}

// Serve serves /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
