package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"go.uber.org/zap"
)

// Keyframe request reasons, used as metric labels.
const (
	KeyframeReasonNewTrack = "new_track"
	KeyframeReasonStalled  = "stalled"
	KeyframeReasonFeatured = "featured"
)

// RTCPWriter is implemented by *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

type KeyframeMetrics interface {
	RecordKeyframeRequest(reason string)
}

// KeyframeRequester sends picture loss indications to publishers, at most
// one per media SSRC per interval.
type KeyframeRequester struct {
	interval time.Duration
	metrics  KeyframeMetrics

	mu   sync.Mutex
	last map[uint32]time.Time
	now  func() time.Time

	logger *zap.SugaredLogger
}

func NewKeyframeRequester(interval time.Duration, metrics KeyframeMetrics, logger *zap.SugaredLogger) *KeyframeRequester {
	return &KeyframeRequester{
		interval: interval,
		metrics:  metrics,
		last:     make(map[uint32]time.Time),
		now:      time.Now,
		logger:   logger,
	}
}

// Request sends a PLI for ssrc through writer and reports whether one was
// sent.
func (k *KeyframeRequester) Request(writer RTCPWriter, ssrc uint32, reason string) bool {
	k.mu.Lock()
	now := k.now()
	if last, ok := k.last[ssrc]; ok && now.Sub(last) < k.interval {
		k.mu.Unlock()
		return false
	}
	k.last[ssrc] = now
	k.mu.Unlock()

	if err := writer.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		k.logger.Debugw("failed to send PLI", "ssrc", ssrc, "reason", reason, "error", err)
		return false
	}
	if k.metrics != nil {
		k.metrics.RecordKeyframeRequest(reason)
	}
	k.logger.Debugw("requested keyframe", "ssrc", ssrc, "reason", reason)
	return true
}

func (k *KeyframeRequester) Forget(ssrc uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.last, ssrc)
}
