package webrtc

import (
	"context"
	"testing"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestIngest(t *testing.T) (*Ingest, *services.SessionService) {
	logger := zaptest.NewLogger(t).Sugar()

	selection := services.DefaultSelectionConfig()
	selection.DefaultDelay = 5 * time.Millisecond
	selection.SingleStreamDelay = 5 * time.Millisecond

	layout := services.NewLayoutService(services.NewGridSolver(domain.DefaultAspectBand), services.NewSlotAllocator(), services.LayoutConfig{}, nil, logger)
	sessions := services.NewSessionService(layout, memory.NewMemorySnapshotRepository(), nil, nil, nil, services.SessionConfig{
		Selection: selection,
	}, logger)

	ingest := NewIngest(IngestConfig{
		Feed: FeedConfig{VideoTimeout: time.Minute},
	}, sessions, newFakeMediaMetrics(), logger)

	t.Cleanup(func() {
		ingest.Shutdown()
		sessions.Shutdown(context.Background())
	})
	return ingest, sessions
}

func publisherOffer(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam", "alice-cam")
	require.NoError(t, err)
	_, err = client.AddTrack(track)
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	<-gathered

	return client, *client.LocalDescription()
}

func TestIngest_AcceptAnswersOffer(t *testing.T) {
	ingest, sessions := newTestIngest(t)
	ctx := context.Background()
	_, err := sessions.Create(ctx, domain.SessionOptions{ID: "call-1"})
	require.NoError(t, err)

	client, offer := publisherOffer(t)
	publisherID, answer, err := ingest.Accept(ctx, "call-1", Publisher{UserID: "alice", DisplayName: "Alice"}, offer)
	require.NoError(t, err)
	require.NotNil(t, answer)

	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.NotEmpty(t, publisherID)
	assert.Equal(t, []string{publisherID}, ingest.Publishers("call-1"))
	require.NoError(t, client.SetRemoteDescription(*answer))

	ingest.Disconnect(publisherID)
	assert.Empty(t, ingest.Publishers("call-1"))
}

func TestIngest_AcceptRejects(t *testing.T) {
	ingest, sessions := newTestIngest(t)
	ctx := context.Background()
	_, err := sessions.Create(ctx, domain.SessionOptions{ID: "call-1"})
	require.NoError(t, err)

	_, offer := publisherOffer(t)

	_, _, err = ingest.Accept(ctx, "missing", Publisher{UserID: "alice"}, offer)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	notOffer := offer
	notOffer.Type = webrtc.SDPTypeAnswer
	_, _, err = ingest.Accept(ctx, "call-1", Publisher{UserID: "alice"}, notOffer)
	assert.Error(t, err)

	assert.Empty(t, ingest.Publishers("call-1"))
}

func TestIngest_SessionCloseDisconnectsPublishers(t *testing.T) {
	ingest, sessions := newTestIngest(t)
	ctx := context.Background()
	_, err := sessions.Create(ctx, domain.SessionOptions{ID: "call-1"})
	require.NoError(t, err)

	_, offer := publisherOffer(t)
	_, _, err = ingest.Accept(ctx, "call-1", Publisher{UserID: "alice"}, offer)
	require.NoError(t, err)
	require.Len(t, ingest.Publishers("call-1"), 1)

	require.NoError(t, sessions.Close(ctx, "call-1"))
	assert.Eventually(t, func() bool {
		return len(ingest.Publishers("call-1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestIngest_FeedDrivesSessionStreams(t *testing.T) {
	ingest, sessions := newTestIngest(t)
	ctx := context.Background()
	_, err := sessions.Create(ctx, domain.SessionOptions{ID: "call-1"})
	require.NoError(t, err)

	feed, err := ingest.feedFor("call-1")
	require.NoError(t, err)
	again, err := ingest.feedFor("call-1")
	require.NoError(t, err)
	assert.Same(t, feed, again)

	source := newChanSource()
	t.Cleanup(source.end)
	desc := publisherStream(Publisher{
		UserID:             "alice",
		DisplayName:        "  Alice  ",
		ScreenShareStreams: []string{"alice-screen"},
	}, "alice-screen")
	feed.AddTrack(videoTrack("pub-1/screen", "pub-1", 9), desc, source, nil)
	source.send(vp8Key)

	assert.Eventually(t, func() bool {
		snapshot, err := sessions.Snapshot(ctx, "call-1")
		if err != nil || len(snapshot.Streams) != 1 {
			return false
		}
		s := snapshot.Streams[0]
		return s.ID == "alice-screen" && s.IsScreenShare && s.HasVideo
	}, time.Second, 5*time.Millisecond)
}

func TestPublisherStream(t *testing.T) {
	p := Publisher{UserID: "bob", DisplayName: "Bob", Avatar: " https://example.com/b.png ", ScreenShareStreams: []string{"bob-screen"}}

	cam := publisherStream(p, "bob-cam")
	assert.Equal(t, domain.StreamID("bob-cam"), cam.ID)
	assert.Equal(t, domain.UserID("bob"), cam.UserID)
	assert.Equal(t, "https://example.com/b.png", cam.Avatar)
	assert.False(t, cam.IsScreenShare)

	assert.True(t, publisherStream(p, "bob-screen").IsScreenShare)
}
