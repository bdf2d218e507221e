package monitoring

import (
	"testing"
	"time"

	"callgrid/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_LayoutMetrics(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordLayout(domain.LayoutModeAuto, 4, time.Millisecond)
	c.RecordLayout(domain.LayoutModeAuto, 2, time.Millisecond)
	c.RecordLayout(domain.LayoutModeManual, 3, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.layoutsComputed.WithLabelValues("auto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.layoutsComputed.WithLabelValues("manual")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.layoutsComputed))
}

func TestPrometheusCollector_PinsAndSessions(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordPin(true)
	c.RecordPin(false)
	c.RecordPin(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pinsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.pinsTotal.WithLabelValues("rejected")))

	c.SetActiveSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sessionsActive))

	c.RecordSnapshotApplied("call-1", 7)
	c.RecordSnapshotApplied("call-2", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.snapshotsApplied))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.sessionVersion.WithLabelValues("call-1")))

	c.ForgetSession("call-1")
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionVersion))

	c.RecordBackup(true)
	c.RecordBackup(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backupsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backupsTotal.WithLabelValues("failed")))
}

func TestPrometheusCollector_ClientGauge(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordClientConnected()
	c.RecordClientConnected()
	c.RecordClientDisconnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wsClientsActive))

	c.RecordEvent("in", "streams.updated")
	c.RecordKeyframeRequest("featured")
	c.AddLiveVideoTracks(5)
	c.AddLiveVideoTracks(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("in", "streams.updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.keyframeRequests.WithLabelValues("featured")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.videoTracksLive))
}
