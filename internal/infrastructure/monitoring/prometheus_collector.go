package monitoring

import (
	"time"

	"callgrid/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive   prometheus.Gauge
	wsClientsActive  prometheus.Gauge
	videoTracksLive  prometheus.Gauge
	snapshotsApplied prometheus.Counter

	layoutsComputed  *prometheus.CounterVec
	pinsTotal        *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	keyframeRequests *prometheus.CounterVec
	backupsTotal     *prometheus.CounterVec

	layoutDuration prometheus.Histogram
	layoutSlots    prometheus.Histogram

	sessionVersion *prometheus.GaugeVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callgrid_sessions_active",
			Help: "Number of open call sessions",
		}),

		wsClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callgrid_websocket_clients_active",
			Help: "Number of connected WebSocket clients",
		}),

		videoTracksLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callgrid_video_tracks_live",
			Help: "Number of remote video tracks currently delivering frames",
		}),

		snapshotsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "callgrid_snapshots_applied_total",
			Help: "Total number of selection snapshots published",
		}),

		layoutsComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgrid_layouts_computed_total",
			Help: "Total number of layouts computed",
		}, []string{"mode"}),

		pinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgrid_pin_requests_total",
			Help: "Pin requests by result",
		}, []string{"result"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgrid_events_total",
			Help: "Cluster events by direction and type",
		}, []string{"direction", "type"}),

		keyframeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgrid_keyframe_requests_total",
			Help: "Picture loss indications sent to publishers",
		}, []string{"reason"}),

		backupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callgrid_backups_total",
			Help: "Session backup runs by result",
		}, []string{"result"}),

		layoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callgrid_layout_compute_duration_seconds",
			Help:    "Time spent computing a layout",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		layoutSlots: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callgrid_layout_slots",
			Help:    "Number of slots in computed layouts",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),

		sessionVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callgrid_session_snapshot_version",
			Help: "Latest published snapshot version per session",
		}, []string{"session_id"}),
	}
}

func (p *PrometheusCollector) RecordLayout(mode domain.LayoutMode, slots int, duration time.Duration) {
	p.layoutsComputed.WithLabelValues(string(mode)).Inc()
	p.layoutDuration.Observe(duration.Seconds())
	p.layoutSlots.Observe(float64(slots))
}

func (p *PrometheusCollector) RecordPin(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	p.pinsTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordSnapshotApplied(sessionID domain.SessionID, version uint64) {
	p.snapshotsApplied.Inc()
	p.sessionVersion.WithLabelValues(string(sessionID)).Set(float64(version))
}

func (p *PrometheusCollector) SetActiveSessions(count int) {
	p.sessionsActive.Set(float64(count))
}

func (p *PrometheusCollector) ForgetSession(sessionID domain.SessionID) {
	p.sessionVersion.DeleteLabelValues(string(sessionID))
}

func (p *PrometheusCollector) RecordEvent(direction, eventType string) {
	p.eventsTotal.WithLabelValues(direction, eventType).Inc()
}

func (p *PrometheusCollector) RecordKeyframeRequest(reason string) {
	p.keyframeRequests.WithLabelValues(reason).Inc()
}

// AddLiveVideoTracks moves the live track gauge by delta. Each ingest feed
// reports its own transitions.
func (p *PrometheusCollector) AddLiveVideoTracks(delta int) {
	p.videoTracksLive.Add(float64(delta))
}

func (p *PrometheusCollector) RecordClientConnected() {
	p.wsClientsActive.Inc()
}

func (p *PrometheusCollector) RecordClientDisconnected() {
	p.wsClientsActive.Dec()
}

func (p *PrometheusCollector) RecordBackup(success bool) {
	result := "failed"
	if success {
		result = "ok"
	}
	p.backupsTotal.WithLabelValues(result).Inc()
}
