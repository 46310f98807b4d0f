package monitoring

import (
	"coderoom/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	roomsActive           prometheus.Gauge
	participantsConnected prometheus.Gauge

	// Counters
	broadcastsTotal      *prometheus.CounterVec
	suppressedBroadcasts prometheus.Counter
	codeChangesTotal     prometheus.Counter
	permissionDenials    *prometheus.CounterVec
	snapshotErrors       prometheus.Counter

	// Histograms
	requestDuration *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "coderoom_rooms_active_total",
			Help: "Total number of active rooms",
		}),

		participantsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "coderoom_participants_connected_total",
			Help: "Total number of connected participants across all rooms",
		}),

		broadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_broadcasts_total",
			Help: "Total number of broadcast emissions by event type",
		}, []string{"event"}),

		suppressedBroadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coderoom_broadcasts_suppressed_total",
			Help: "Total number of broadcasts coalesced by throttle windows",
		}),

		codeChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coderoom_code_changes_total",
			Help: "Total number of accepted code changes",
		}),

		permissionDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coderoom_permission_denials_total",
			Help: "Total number of denied requests by action",
		}, []string{"action"}),

		snapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "coderoom_snapshot_errors_total",
			Help: "Total number of failed snapshot writes",
		}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coderoom_request_duration_seconds",
			Help:    "Duration of coordinator request handling",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"request"}),
	}
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) SetRoomsActive(n int) {
	p.roomsActive.Set(float64(n))
}

func (p *PrometheusCollector) SetParticipantsConnected(n int) {
	p.participantsConnected.Set(float64(n))
}

func (p *PrometheusCollector) RecordBroadcast(event string) {
	p.broadcastsTotal.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) RecordSuppressedBroadcast() {
	p.suppressedBroadcasts.Inc()
}

func (p *PrometheusCollector) RecordCodeChange() {
	p.codeChangesTotal.Inc()
}

func (p *PrometheusCollector) RecordPermissionDenied(action string) {
	p.permissionDenials.WithLabelValues(action).Inc()
}

func (p *PrometheusCollector) RecordSnapshotError() {
	p.snapshotErrors.Inc()
}

func (p *PrometheusCollector) RecordRequestDuration(request string, seconds float64) {
	p.requestDuration.WithLabelValues(request).Observe(seconds)
}
