// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camera_scanner"

// Metrics holds the collector's instruments on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs               *prometheus.CounterVec
	connectAttempts    prometheus.Counter
	discoveryResponses prometheus.Counter
	identifications    *prometheus.CounterVec
	pathProbes         *prometheus.CounterVec
	streamProbes       *prometheus.CounterVec
	cameras            prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connect_attempts_total",
			Help:      "TCP reachability attempts made by the port scanner.",
		}),
		discoveryResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_responses_total",
			Help:      "Datagrams received in answer to WS-Discovery probes.",
		}),
		identifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onvif_identifications_total",
			Help:      "ONVIF identification outcomes per device.",
		}, []string{"result"}),
		pathProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtsp_path_scans_total",
			Help:      "RTSP path scan outcomes per device.",
		}, []string{"result"}),
		streamProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_probes_total",
			Help:      "Stream verification outcomes per device.",
		}, []string{"result"}),
		cameras: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_cameras",
			Help:      "Devices currently held in the registry.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.connectAttempts,
		m.discoveryResponses,
		m.identifications,
		m.pathProbes,
		m.streamProbes,
		m.cameras,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunFinished counts a finished pipeline run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// ConnectAttempts adds n port scanner attempts.
func (m *Metrics) ConnectAttempts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.connectAttempts.Add(float64(n))
}

// DiscoveryResponse counts one discovery datagram.
func (m *Metrics) DiscoveryResponse() {
	if m == nil {
		return
	}
	m.discoveryResponses.Inc()
}

// Identified adds identification outcomes.
func (m *Metrics) Identified(identified, unauthorized int) {
	if m == nil {
		return
	}
	m.identifications.WithLabelValues("identified").Add(float64(identified))
	m.identifications.WithLabelValues("unauthorized").Add(float64(unauthorized))
}

// PathScanned adds path scan outcomes.
func (m *Metrics) PathScanned(matched, unmatched int) {
	if m == nil {
		return
	}
	m.pathProbes.WithLabelValues("matched").Add(float64(matched))
	m.pathProbes.WithLabelValues("unmatched").Add(float64(unmatched))
}

// StreamsProbed adds stream verification outcomes.
func (m *Metrics) StreamsProbed(ok, failed int) {
	if m == nil {
		return
	}
	m.streamProbes.WithLabelValues("ok").Add(float64(ok))
	m.streamProbes.WithLabelValues("failed").Add(float64(failed))
}

// SetCameras sets the registry size gauge.
func (m *Metrics) SetCameras(n int) {
	if m == nil {
		return
	}
	m.cameras.Set(float64(n))
}
