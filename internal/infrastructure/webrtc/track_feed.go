package webrtc

import (
	"context"
	"sync"
	"time"

	"callgrid/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// StreamSink receives the stream list of a call.
type StreamSink interface {
	UpdateStreams(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error
}

type MediaMetrics interface {
	KeyframeMetrics
	AddLiveVideoTracks(delta int)
}

// PacketSource yields the RTP packets of one remote track until it ends.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// TrackInfo describes one remote track.
type TrackInfo struct {
	TrackID     string
	PublisherID string
	Kind        webrtc.RTPCodecType
	MimeType    string
	SSRC        uint32
}

type FeedConfig struct {
	VideoTimeout     time.Duration
	KeyframeInterval time.Duration
	// PublishTimeout bounds each stream list push to the sink.
	PublishTimeout time.Duration
}

type feedTrack struct {
	info   TrackInfo
	writer RTCPWriter
}

type feedStream struct {
	desc   domain.Stream
	tracks map[string]*feedTrack
}

// TrackFeed turns the remote tracks of one call into the stream list of its
// session. A stream appears with its first track, reports video while one of
// its video tracks is live and disappears with its last track.
type TrackFeed struct {
	sessionID domain.SessionID
	sink      StreamSink
	activity  *VideoActivity
	keyframes *KeyframeRequester
	metrics   MediaMetrics
	cfg       FeedConfig

	mu        sync.Mutex
	streams   map[domain.StreamID]*feedStream
	order     []domain.StreamID
	trackIdx  map[string]domain.StreamID
	callState domain.CallState
	closed    bool

	// pubMu keeps pushes to the sink in order.
	pubMu sync.Mutex

	done   chan struct{}
	logger *zap.SugaredLogger
}

func NewTrackFeed(sessionID domain.SessionID, sink StreamSink, cfg FeedConfig, metrics MediaMetrics, logger *zap.SugaredLogger) *TrackFeed {
	if cfg.VideoTimeout <= 0 {
		cfg.VideoTimeout = 3 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	var km KeyframeMetrics
	if metrics != nil {
		km = metrics
	}
	return &TrackFeed{
		sessionID: sessionID,
		sink:      sink,
		activity:  NewVideoActivity(cfg.VideoTimeout),
		keyframes: NewKeyframeRequester(cfg.KeyframeInterval, km, logger),
		metrics:   metrics,
		cfg:       cfg,
		streams:   make(map[domain.StreamID]*feedStream),
		trackIdx:  make(map[string]domain.StreamID),
		callState: domain.CallStateConnecting,
		done:      make(chan struct{}),
		logger:    logger.With("session_id", sessionID),
	}
}

// AddTrack registers a remote track of the stream described by desc and
// reads its packets until source ends.
func (f *TrackFeed) AddTrack(info TrackInfo, desc domain.Stream, source PacketSource, writer RTCPWriter) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	fs, ok := f.streams[desc.ID]
	if !ok {
		if desc.CreatedAt.IsZero() {
			desc.CreatedAt = time.Now()
		}
		fs = &feedStream{desc: desc, tracks: make(map[string]*feedTrack)}
		f.streams[desc.ID] = fs
		f.order = append(f.order, desc.ID)
	}
	fs.tracks[info.TrackID] = &feedTrack{info: info, writer: writer}
	f.trackIdx[info.TrackID] = desc.ID
	if f.callState == domain.CallStateConnecting {
		f.callState = domain.CallStateConnected
	}
	f.mu.Unlock()

	f.logger.Infow("track added",
		"stream_id", desc.ID,
		"track_id", info.TrackID,
		"kind", info.Kind.String(),
		"codec", info.MimeType,
	)

	if info.Kind == webrtc.RTPCodecTypeVideo {
		f.activity.Register(info.TrackID, info.MimeType)
		if writer != nil {
			f.keyframes.Request(writer, info.SSRC, KeyframeReasonNewTrack)
		}
	}
	f.publish()

	go f.readLoop(info, source, writer)
}

func (f *TrackFeed) readLoop(info TrackInfo, source PacketSource, writer RTCPWriter) {
	defer f.RemoveTrack(info.TrackID)

	isVideo := info.Kind == webrtc.RTPCodecTypeVideo
	for {
		packet, err := source.ReadRTP()
		if err != nil {
			f.logger.Debugw("track ended", "track_id", info.TrackID, "error", err)
			return
		}
		if !isVideo {
			continue
		}

		if f.activity.ProcessPacket(info.TrackID, packet) {
			f.liveChanged(f.activity.IsLive(info.TrackID))
			f.publish()
		}
		if writer != nil && f.activity.AwaitingKeyframe(info.TrackID) {
			f.keyframes.Request(writer, info.SSRC, KeyframeReasonStalled)
		}
	}
}

// RemoveTrack drops a track. Its stream goes with its last track.
func (f *TrackFeed) RemoveTrack(trackID string) {
	f.mu.Lock()
	streamID, ok := f.trackIdx[trackID]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.trackIdx, trackID)
	fs := f.streams[streamID]
	track := fs.tracks[trackID]
	delete(fs.tracks, trackID)
	if len(fs.tracks) == 0 {
		delete(f.streams, streamID)
		f.order = removeID(f.order, streamID)
	}
	f.mu.Unlock()

	if track.info.Kind == webrtc.RTPCodecTypeVideo {
		if f.activity.Unregister(trackID) {
			f.liveChanged(false)
		}
		f.keyframes.Forget(track.info.SSRC)
	}
	f.logger.Infow("track removed", "stream_id", streamID, "track_id", trackID)
	f.publish()
}

// RemovePublisher drops every track sent by one publisher connection.
func (f *TrackFeed) RemovePublisher(publisherID string) {
	f.mu.Lock()
	var ids []string
	for _, fs := range f.streams {
		for id, t := range fs.tracks {
			if t.info.PublisherID == publisherID {
				ids = append(ids, id)
			}
		}
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.RemoveTrack(id)
	}
}

func (f *TrackFeed) SetCallState(state domain.CallState) {
	f.mu.Lock()
	if f.closed || f.callState == state {
		f.mu.Unlock()
		return
	}
	f.callState = state
	f.mu.Unlock()
	f.publish()
}

// RequestKeyframes asks the publishers of the given streams for a keyframe.
func (f *TrackFeed) RequestKeyframes(ids []domain.StreamID, reason string) int {
	type target struct {
		writer RTCPWriter
		ssrc   uint32
	}
	var targets []target

	f.mu.Lock()
	for _, id := range ids {
		fs, ok := f.streams[id]
		if !ok {
			continue
		}
		for _, t := range fs.tracks {
			if t.info.Kind == webrtc.RTPCodecTypeVideo && t.writer != nil {
				targets = append(targets, target{writer: t.writer, ssrc: t.info.SSRC})
			}
		}
	}
	f.mu.Unlock()

	sent := 0
	for _, t := range targets {
		if f.keyframes.Request(t.writer, t.ssrc, reason) {
			sent++
		}
	}
	return sent
}

// WatchSelection requests keyframes for streams that become pinned or
// fullscreen until snapshots is closed.
func (f *TrackFeed) WatchSelection(snapshots <-chan *domain.Snapshot) {
	featured := map[domain.StreamID]bool{}
	for snapshot := range snapshots {
		next := make(map[domain.StreamID]bool, len(snapshot.PinnedIDs)+1)
		for _, id := range snapshot.PinnedIDs {
			next[id] = true
		}
		if snapshot.FullscreenID != "" {
			next[snapshot.FullscreenID] = true
		}

		var added []domain.StreamID
		for id := range next {
			if !featured[id] {
				added = append(added, id)
			}
		}
		featured = next
		if len(added) > 0 {
			f.RequestKeyframes(added, KeyframeReasonFeatured)
		}
	}
}

// Run sweeps stalled video tracks until ctx is done or the feed is closed.
func (f *TrackFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.VideoTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

func (f *TrackFeed) sweep() {
	stalled := f.activity.Sweep()
	if len(stalled) == 0 {
		return
	}
	for range stalled {
		f.liveChanged(false)
	}
	f.logger.Debugw("video tracks stalled", "track_ids", stalled)
	f.publish()
}

// Close reports the call as ended and stops the sweeper.
func (f *TrackFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.callState = domain.CallStateEnded
	f.mu.Unlock()

	f.publish()

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	close(f.done)
}

// Streams returns the current stream list in arrival order.
func (f *TrackFeed) Streams() []domain.Stream {
	update := f.update()
	return update.Streams
}

func (f *TrackFeed) update() domain.StreamUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	streams := make([]domain.Stream, 0, len(f.order))
	publishers := make(map[string]bool)
	for _, id := range f.order {
		fs := f.streams[id]
		s := fs.desc
		s.HasVideo = false
		for trackID, t := range fs.tracks {
			if t.info.Kind == webrtc.RTPCodecTypeVideo && f.activity.IsLive(trackID) {
				s.HasVideo = true
			}
			publishers[t.info.PublisherID] = true
		}
		streams = append(streams, s)
	}

	return domain.StreamUpdate{
		Streams: streams,
		// every publisher plus the viewer
		ParticipantCount: len(publishers) + 1,
		CallState:        f.callState,
	}
}

func (f *TrackFeed) publish() {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.PublishTimeout)
	defer cancel()

	update := f.update()
	if err := f.sink.UpdateStreams(ctx, f.sessionID, update); err != nil {
		f.logger.Warnw("failed to push stream list", "streams", len(update.Streams), "error", err)
	}
}

func (f *TrackFeed) liveChanged(live bool) {
	if f.metrics == nil {
		return
	}
	if live {
		f.metrics.AddLiveVideoTracks(1)
	} else {
		f.metrics.AddLiveVideoTracks(-1)
	}
}

func removeID(ids []domain.StreamID, id domain.StreamID) []domain.StreamID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
