package acme

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "acmefleet"

// Metrics collects per-run outcomes. Batch runs export them through the
// node_exporter textfile collector.
type Metrics struct {
	registry  *prometheus.Registry
	results   *prometheus.CounterVec
	notAfter  *prometheus.GaugeVec
	lastRun   prometheus.Gauge
	duration  prometheus.Gauge
	lastError prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "certificates_total",
			Help:      "Certificate requests processed, by result.",
		}, []string{"result"}),
		notAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "certificate_not_after_timestamp_seconds",
			Help:      "Expiry of the certificate issued for an identity key.",
		}, []string{"identity_key"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "End of the last run.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the last run.",
		}),
		lastError: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_failed",
			Help:      "1 when the last run had at least one failure.",
		}),
	}
	m.registry.MustRegister(m.results, m.notAfter, m.lastRun, m.duration, m.lastError)
	for _, r := range []string{"issued", "skipped", "failed"} {
		m.results.WithLabelValues(r)
	}
	return m
}

// Registry exposes the collectors, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe records a finished run.
func (m *Metrics) Observe(r *Report, took time.Duration, end time.Time) {
	m.results.WithLabelValues("issued").Add(float64(len(r.Issued)))
	m.results.WithLabelValues("skipped").Add(float64(len(r.Skipped)))
	m.results.WithLabelValues("failed").Add(float64(len(r.Failed)))
	for _, o := range r.Issued {
		m.notAfter.WithLabelValues(o.Key).Set(float64(o.NotAfter.Unix()))
	}
	for _, o := range r.Skipped {
		if !o.NotAfter.IsZero() {
			m.notAfter.WithLabelValues(o.Key).Set(float64(o.NotAfter.Unix()))
		}
	}
	m.lastRun.Set(float64(end.Unix()))
	m.duration.Set(took.Seconds())
	if len(r.Failed) > 0 {
		m.lastError.Set(1)
	} else {
		m.lastError.Set(0)
	}
}

// WriteTextfile writes the metrics atomically to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
