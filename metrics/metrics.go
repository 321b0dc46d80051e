// Package metrics exposes provisioning counters and timings to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records sequencer outcomes. It implements provisioner.Observer.
type Collector struct {
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	lastSuccess  prometheus.Gauge
}

// NewCollector registers the provisioning metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Provisioning runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of provisioning runs.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Pipeline steps by name and result.",
		}, []string{"step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of external tool steps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"step"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful provisioning run.",
		}),
	}

	reg.MustRegister(c.runs, c.runDuration, c.steps, c.stepDuration, c.lastSuccess)
	return c
}

func (c *Collector) ObserveStep(step string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.steps.WithLabelValues(step, result).Inc()
	if d > 0 {
		c.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

func (c *Collector) ObserveRun(outcome string, d time.Duration) {
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(d.Seconds())
	if outcome == "success" {
		c.lastSuccess.SetToCurrentTime()
	}
}

// MetricsServer serves /metrics for a registry.
type MetricsServer struct {
	srv *http.Server
}

// New creates a registry with the Go and process collectors, a provisioning
// Collector in namespace, and a server for them on listenAddr.
func New(namespace, listenAddr string) (*MetricsServer, *Collector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := NewCollector(namespace, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, collector, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
