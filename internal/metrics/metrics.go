// Package metrics exposes Prometheus counters and gauges for the app
// lifecycle (spec §2/§8): run outcomes, currently-running backends, and
// health-probe latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStartedTotal counts every Run that entered Starting.
	RunsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penny",
		Name:      "runs_started_total",
		Help:      "Total number of backend start attempts, by host.",
	}, []string{"host"})

	// RunsFinishedTotal counts every Run that was finalized, by outcome.
	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penny",
		Name:      "runs_finished_total",
		Help:      "Total number of finalized runs, by host and outcome.",
	}, []string{"host", "outcome"})

	// ActiveBackendsGauge tracks how many app backends are currently Running.
	ActiveBackendsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "penny",
		Name:      "active_backends",
		Help:      "Current number of backends in the Running state.",
	})

	// ProbeLatencySeconds observes the time from start attempt to a
	// successful health probe.
	ProbeLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "penny",
		Name:      "probe_latency_seconds",
		Help:      "Time from process start to a successful readiness probe.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host"})

	// RequestsProxiedTotal counts forwarded requests, by host and the
	// disposition the controller returned (ready, waited, cold_start_page, error).
	RequestsProxiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "penny",
		Name:      "requests_proxied_total",
		Help:      "Total requests handled by the proxy front-end, by host and disposition.",
	}, []string{"host", "disposition"})
)

// ObserveProbeLatency records the duration between a start attempt and a
// successful probe for host.
func ObserveProbeLatency(host string, d time.Duration) {
	ProbeLatencySeconds.WithLabelValues(host).Observe(d.Seconds())
}
