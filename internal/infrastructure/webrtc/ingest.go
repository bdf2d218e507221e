package webrtc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// IngestConfig configures the publisher-facing peer connections.
type IngestConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Feed FeedConfig
}

// Publisher describes the participant behind one ingest connection.
type Publisher struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Avatar      string        `json:"avatar,omitempty"`
	// ScreenShareStreams lists the media stream ids carrying screen content.
	ScreenShareStreams []string `json:"screen_share_streams,omitempty"`
}

type ingestPeer struct {
	id        string
	sessionID domain.SessionID
	pc        *webrtc.PeerConnection
	createdAt time.Time
}

type sessionFeed struct {
	feed   *TrackFeed
	cancel context.CancelFunc
}

// Ingest accepts WebRTC publishers and feeds their tracks into call
// sessions as streams.
type Ingest struct {
	config   IngestConfig
	sessions ports.SessionService
	metrics  MediaMetrics

	peers map[string]*ingestPeer
	feeds map[domain.SessionID]*sessionFeed
	mu    sync.Mutex

	logger *zap.SugaredLogger
}

func NewIngest(config IngestConfig, sessions ports.SessionService, metrics MediaMetrics, logger *zap.SugaredLogger) *Ingest {
	return &Ingest{
		config:   config,
		sessions: sessions,
		metrics:  metrics,
		peers:    make(map[string]*ingestPeer),
		feeds:    make(map[domain.SessionID]*sessionFeed),
		logger:   logger,
	}
}

// Accept answers a publisher's offer. The returned answer carries all ICE
// candidates, so no trickle is needed.
func (i *Ingest) Accept(ctx context.Context, sessionID domain.SessionID, publisher Publisher, offer webrtc.SessionDescription) (string, *webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return "", nil, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	if _, err := i.sessions.Get(ctx, sessionID); err != nil {
		return "", nil, err
	}

	feed, err := i.feedFor(sessionID)
	if err != nil {
		return "", nil, err
	}

	pc, err := i.createPeerConnection()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &ingestPeer{
		id:        utils.GenerateID("pub"),
		sessionID: sessionID,
		pc:        pc,
		createdAt: time.Now(),
	}

	pc.OnTrack(i.handlePublisherTrack(peer, publisher, feed))
	pc.OnConnectionStateChange(i.handleConnectionState(peer, feed))

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("failed to set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("failed to set answer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return "", nil, ctx.Err()
	}

	i.mu.Lock()
	i.peers[peer.id] = peer
	i.mu.Unlock()

	i.logger.Infow("publisher accepted",
		"session_id", sessionID,
		"publisher_id", peer.id,
		"user_id", publisher.UserID,
	)
	return peer.id, pc.LocalDescription(), nil
}

// feedFor returns the session's feed, starting it and its selection watch
// on first use. The feed closes with the session.
func (i *Ingest) feedFor(sessionID domain.SessionID) (*TrackFeed, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if sf, ok := i.feeds[sessionID]; ok {
		return sf.feed, nil
	}

	snapshots, unsubscribe, err := i.sessions.Subscribe(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	feed := NewTrackFeed(sessionID, i.sessions, i.config.Feed, i.metrics, i.logger)
	i.feeds[sessionID] = &sessionFeed{feed: feed, cancel: func() {
		cancel()
		unsubscribe()
	}}

	go feed.Run(ctx)
	go func() {
		feed.WatchSelection(snapshots)
		i.CloseSession(sessionID)
	}()
	return feed, nil
}

// createPeerConnection creates a new WebRTC connection
func (i *Ingest) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   i.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	settingEngine := webrtc.SettingEngine{}
	if i.config.PortRange.Min > 0 && i.config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(i.config.PortRange.Min, i.config.PortRange.Max)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// handlePublisherTrack feeds incoming tracks from a publisher
func (i *Ingest) handlePublisherTrack(peer *ingestPeer, publisher Publisher, feed *TrackFeed) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		info := TrackInfo{
			TrackID:     peer.id + "/" + track.ID(),
			PublisherID: peer.id,
			Kind:        track.Kind(),
			MimeType:    track.Codec().MimeType,
			SSRC:        uint32(track.SSRC()),
		}
		feed.AddTrack(info, publisherStream(publisher, track.StreamID()), remoteTrack{track}, peer.pc)

		go i.drainRTCP(peer, receiver)
	}
}

func publisherStream(publisher Publisher, msid string) domain.Stream {
	screen := false
	for _, id := range publisher.ScreenShareStreams {
		if id == msid {
			screen = true
			break
		}
	}
	return domain.Stream{
		ID:            domain.StreamID(msid),
		UserID:        publisher.UserID,
		DisplayName:   utils.TruncateString(utils.SanitizeString(publisher.DisplayName), 100),
		Avatar:        strings.TrimSpace(publisher.Avatar),
		IsScreenShare: screen,
	}
}

// remoteTrack adapts a pion remote track to PacketSource.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := r.track.ReadRTP()
	return packet, err
}

// drainRTCP reads sender reports so the receiver's interceptors keep running.
func (i *Ingest) drainRTCP(peer *ingestPeer, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				i.logger.Debugw("received sender report",
					"publisher_id", peer.id,
					"ssrc", sr.SSRC,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// handleConnectionState handles connection state changes
func (i *Ingest) handleConnectionState(peer *ingestPeer, feed *TrackFeed) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		i.logger.Infow("publisher connection state changed",
			"publisher_id", peer.id,
			"session_id", peer.sessionID,
			"connection_state", state,
		)

		switch state {
		case webrtc.PeerConnectionStateDisconnected:
			feed.SetCallState(domain.CallStateReconnecting)
		case webrtc.PeerConnectionStateConnected:
			feed.SetCallState(domain.CallStateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			i.Disconnect(peer.id)
		}
	}
}

// Disconnect closes one publisher connection and drops its tracks.
func (i *Ingest) Disconnect(publisherID string) {
	i.mu.Lock()
	peer, ok := i.peers[publisherID]
	if ok {
		delete(i.peers, publisherID)
	}
	var feed *TrackFeed
	if ok {
		if sf, exists := i.feeds[peer.sessionID]; exists {
			feed = sf.feed
		}
	}
	i.mu.Unlock()

	if !ok {
		return
	}
	if err := peer.pc.Close(); err != nil {
		i.logger.Debugw("error closing publisher connection", "publisher_id", publisherID, "error", err)
	}
	if feed != nil {
		feed.RemovePublisher(publisherID)
	}
}

// CloseSession disconnects all publishers of a session and ends its feed.
func (i *Ingest) CloseSession(sessionID domain.SessionID) {
	i.mu.Lock()
	sf, ok := i.feeds[sessionID]
	delete(i.feeds, sessionID)
	var peerIDs []string
	for id, peer := range i.peers {
		if peer.sessionID == sessionID {
			peerIDs = append(peerIDs, id)
		}
	}
	i.mu.Unlock()

	for _, id := range peerIDs {
		i.Disconnect(id)
	}
	if ok {
		sf.feed.Close()
		sf.cancel()
	}
}

// Publishers returns the publisher ids connected to a session.
func (i *Ingest) Publishers(sessionID domain.SessionID) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids := make([]string, 0)
	for id, peer := range i.peers {
		if peer.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (i *Ingest) Shutdown() {
	i.mu.Lock()
	ids := make([]domain.SessionID, 0, len(i.feeds))
	for id := range i.feeds {
		ids = append(ids, id)
	}
	i.mu.Unlock()

	for _, id := range ids {
		i.CloseSession(id)
	}
}
