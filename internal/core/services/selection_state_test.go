package services

import (
	"testing"
	"time"

	"callgrid/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testDefaultDelay = 10 * time.Millisecond
	testSingleDelay  = 300 * time.Millisecond
)

func newTestSelection(t *testing.T, maxPinned int) *SelectionState {
	t.Helper()
	s := NewSelectionState("session-1", SelectionConfig{
		MaxPinned:               maxPinned,
		DefaultDelay:            testDefaultDelay,
		SingleStreamDelay:       testSingleDelay,
		AutoPinLocalScreenShare: true,
	}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(s.Close)
	return s
}

// feed applies streams through the default delay and waits for the result.
func feed(t *testing.T, s *SelectionState, callState domain.CallState, streams ...domain.Stream) {
	t.Helper()
	before := s.Snapshot().Version
	s.OnStreamListUpdated(streams, len(streams)+1, callState)
	require.Eventually(t, func() bool {
		return s.Snapshot().Version > before
	}, time.Second, 5*time.Millisecond)
}

func TestSelectionState_InitialSnapshot(t *testing.T) {
	s := newTestSelection(t, 2)

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, domain.SessionID("session-1"), snap.SessionID)
	assert.Empty(t, snap.Streams)
	assert.Empty(t, snap.PinnedIDs)
	assert.False(t, snap.HasFullscreen())
	assert.Equal(t, domain.CallStateConnecting, snap.CallState)
}

func TestSelectionState_PinCapacity(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), remoteStream("c"))

	assert.True(t, s.Pin("a"))
	assert.True(t, s.Pin("b"))
	assert.True(t, s.IsPinLimitReached())
	assert.False(t, s.Pin("c"))
	assert.Equal(t, []domain.StreamID{"a", "b"}, s.Snapshot().PinnedIDs)
}

func TestSelectionState_PinRejections(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"))

	version := s.Snapshot().Version
	assert.False(t, s.Pin("unknown"))
	assert.True(t, s.Pin("a"))
	assert.False(t, s.Pin("a"))
	assert.Equal(t, version+1, s.Snapshot().Version)
	assert.Equal(t, []domain.StreamID{"a"}, s.Snapshot().PinnedIDs)
}

func TestSelectionState_PinWithOptions(t *testing.T) {
	tests := []struct {
		name string
		opts domain.PinOptions
		want []domain.StreamID
		ok   bool
	}{
		{name: "append rejected at capacity", opts: domain.PinOptions{}, want: []domain.StreamID{"a", "b"}, ok: false},
		{name: "prepend rejected at capacity", opts: domain.PinOptions{Prepend: true}, want: []domain.StreamID{"a", "b"}, ok: false},
		{name: "forced append evicts head", opts: domain.PinOptions{Force: true}, want: []domain.StreamID{"b", "c"}, ok: true},
		{name: "forced prepend evicts tail", opts: domain.PinOptions{Prepend: true, Force: true}, want: []domain.StreamID{"c", "a"}, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelection(t, 2)
			feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), remoteStream("c"))
			require.True(t, s.Pin("a"))
			require.True(t, s.Pin("b"))

			assert.Equal(t, tt.ok, s.PinWithOptions("c", tt.opts))
			assert.Equal(t, tt.want, s.Snapshot().PinnedIDs)
		})
	}
}

func TestSelectionState_PrependBelowCapacity(t *testing.T) {
	s := newTestSelection(t, 3)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"))

	require.True(t, s.Pin("a"))
	require.True(t, s.PinWithOptions("b", domain.PinOptions{Prepend: true}))
	assert.Equal(t, []domain.StreamID{"b", "a"}, s.Snapshot().PinnedIDs)
}

func TestSelectionState_UnpinAndUnpinAll(t *testing.T) {
	s := newTestSelection(t, 3)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), remoteStream("c"))

	require.True(t, s.Pin("a"))
	require.True(t, s.Pin("b"))
	require.True(t, s.Pin("c"))

	s.Unpin("b")
	assert.Equal(t, []domain.StreamID{"a", "c"}, s.Snapshot().PinnedIDs)

	version := s.Snapshot().Version
	s.Unpin("missing")
	assert.Equal(t, version, s.Snapshot().Version)

	s.UnpinAll()
	assert.Empty(t, s.Snapshot().PinnedIDs)
}

func TestSelectionState_SetMaxPinnedTrims(t *testing.T) {
	s := newTestSelection(t, 3)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), remoteStream("c"))

	require.True(t, s.Pin("a"))
	require.True(t, s.Pin("b"))
	require.True(t, s.Pin("c"))

	s.SetMaxPinned(1)
	assert.Equal(t, 1, s.MaxPinned())
	assert.Equal(t, []domain.StreamID{"a"}, s.Snapshot().PinnedIDs)

	s.SetMaxPinned(0)
	assert.Equal(t, 1, s.MaxPinned())
}

func TestSelectionState_FullscreenUnconditional(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"))

	s.SetFullscreen("b")
	assert.Equal(t, domain.StreamID("b"), s.Snapshot().FullscreenID)
	assert.Empty(t, s.Snapshot().PinnedIDs)

	s.ClearFullscreen()
	assert.False(t, s.Snapshot().HasFullscreen())
}

func TestSelectionState_PruneOnStreamRemoval(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"))

	require.True(t, s.Pin("a"))
	s.SetFullscreen("a")

	feed(t, s, domain.CallStateConnected, remoteStream("b"), remoteStream("c"))

	snap := s.Snapshot()
	assert.NotContains(t, snap.PinnedIDs, domain.StreamID("a"))
	assert.False(t, snap.HasFullscreen())
	assert.Equal(t, []domain.StreamID{"b", "c"}, domain.StreamIDs(snap.Streams))
}

func TestSelectionState_FullscreenResetOnReconnect(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("x"), remoteStream("y"))

	s.SetFullscreen("x")
	require.Equal(t, domain.StreamID("x"), s.Snapshot().FullscreenID)

	feed(t, s, domain.CallStateReconnecting, remoteStream("x"), remoteStream("y"))
	assert.False(t, s.Snapshot().HasFullscreen())
	assert.Equal(t, domain.CallStateReconnecting, s.Snapshot().CallState)
}

func TestSelectionState_EndedClearsEverything(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"))
	require.True(t, s.Pin("a"))
	s.SetFullscreen("b")

	feed(t, s, domain.CallStateEnded, remoteStream("a"), remoteStream("b"))

	snap := s.Snapshot()
	assert.Empty(t, snap.Streams)
	assert.Empty(t, snap.PinnedIDs)
	assert.False(t, snap.HasFullscreen())
	assert.Equal(t, domain.CallStateEnded, snap.CallState)
}

func TestSelectionState_IgnoresUpdatesAfterEnded(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"))
	feed(t, s, domain.CallStateEnded)
	ended := s.Snapshot().Version

	s.OnStreamListUpdated([]domain.Stream{remoteStream("a"), remoteStream("b")}, 3, domain.CallStateConnected)
	time.Sleep(30 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, ended, snap.Version)
	assert.Empty(t, snap.Streams)
	assert.Equal(t, domain.CallStateEnded, snap.CallState)
}

func TestSelectionState_DebounceCoalescing(t *testing.T) {
	s := newTestSelection(t, 2)
	start := s.Snapshot().Version

	s.OnStreamListUpdated([]domain.Stream{localStream("audio")}, 1, domain.CallStateConnected)
	time.Sleep(10 * time.Millisecond)
	s.OnStreamListUpdated([]domain.Stream{localStream("video")}, 1, domain.CallStateConnected)

	assert.Never(t, func() bool {
		return s.Snapshot().Version != start
	}, testSingleDelay/2, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Snapshot().Version != start
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, start+1, snap.Version)
	assert.Equal(t, []domain.StreamID{"video"}, domain.StreamIDs(snap.Streams))

	assert.Never(t, func() bool {
		return s.Snapshot().Version != start+1
	}, testSingleDelay, 20*time.Millisecond)
}

func TestSelectionState_DebounceDelaySelection(t *testing.T) {
	s := newTestSelection(t, 2)

	tests := []struct {
		name   string
		update domain.StreamUpdate
		want   time.Duration
	}{
		{
			name:   "alone with one stream",
			update: domain.StreamUpdate{Streams: []domain.Stream{localStream("a")}, ParticipantCount: 1, CallState: domain.CallStateConnected},
			want:   testSingleDelay,
		},
		{
			name:   "multi party",
			update: domain.StreamUpdate{Streams: []domain.Stream{localStream("a")}, ParticipantCount: 2, CallState: domain.CallStateConnected},
			want:   testDefaultDelay,
		},
		{
			name:   "two streams",
			update: domain.StreamUpdate{Streams: []domain.Stream{localStream("a"), remoteStream("b")}, ParticipantCount: 1, CallState: domain.CallStateConnected},
			want:   testDefaultDelay,
		},
		{
			name:   "reconnecting",
			update: domain.StreamUpdate{Streams: []domain.Stream{localStream("a")}, ParticipantCount: 1, CallState: domain.CallStateReconnecting},
			want:   testDefaultDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.debounceDelay(tt.update))
		})
	}
}

func TestSelectionState_AutoPinLocalScreenShare(t *testing.T) {
	s := newTestSelection(t, 2)
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), localStream("cam"))
	require.True(t, s.Pin("a"))
	require.True(t, s.Pin("b"))

	share := localStream("screen")
	share.IsScreenShare = true
	feed(t, s, domain.CallStateConnected, remoteStream("a"), remoteStream("b"), localStream("cam"), share)

	assert.Equal(t, []domain.StreamID{"screen", "b"}, s.Snapshot().PinnedIDs)
}

func TestSelectionState_Subscribe(t *testing.T) {
	s := newTestSelection(t, 2)
	updates, cancel := s.Subscribe()
	defer cancel()

	feed(t, s, domain.CallStateConnected, remoteStream("a"))

	select {
	case snap := <-updates:
		assert.Equal(t, []domain.StreamID{"a"}, domain.StreamIDs(snap.Streams))
	case <-time.After(time.Second):
		t.Fatal("expected snapshot notification")
	}

	require.True(t, s.Pin("a"))
	s.SetFullscreen("a")

	select {
	case snap := <-updates:
		assert.Equal(t, domain.StreamID("a"), snap.FullscreenID)
	case <-time.After(time.Second):
		t.Fatal("expected latest snapshot")
	}
}

func TestSelectionState_CloseCancelsPending(t *testing.T) {
	s := newTestSelection(t, 2)
	updates, _ := s.Subscribe()

	s.OnStreamListUpdated([]domain.Stream{remoteStream("a"), remoteStream("b")}, 3, domain.CallStateConnected)
	s.Close()
	s.Close()

	_, open := <-updates
	assert.False(t, open)

	assert.Never(t, func() bool {
		return len(s.Snapshot().Streams) > 0
	}, 5*testDefaultDelay, 5*time.Millisecond)

	assert.False(t, s.Pin("a"))
}

func TestSelectionState_ConcurrentReaders(t *testing.T) {
	s := newTestSelection(t, 2)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			snap := s.Snapshot()
			assert.LessOrEqual(t, len(snap.PinnedIDs), 2)
		}
	}()

	for i := 0; i < 20; i++ {
		s.OnStreamListUpdated([]domain.Stream{remoteStream("a"), remoteStream("b"), remoteStream("c")}, 3, domain.CallStateConnected)
	}
	s.Pin("a")
	<-done
}

func TestSelectionState_Restore(t *testing.T) {
	s := newTestSelection(t, 2)
	s.OnStreamListUpdated([]domain.Stream{remoteStream("x")}, 2, domain.CallStateConnected)

	s.Restore(&domain.Snapshot{
		SessionID:        "other",
		Version:          41,
		Streams:          []domain.Stream{remoteStream("a"), remoteStream("b"), remoteStream("a"), remoteStream("c")},
		PinnedIDs:        []domain.StreamID{"gone", "c", "a", "b"},
		FullscreenID:     "gone",
		CallState:        domain.CallStateConnected,
		ParticipantCount: 4,
	})

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionID("session-1"), snap.SessionID)
	assert.Equal(t, uint64(42), snap.Version)
	assert.Len(t, snap.Streams, 3)
	assert.Equal(t, []domain.StreamID{"c", "a"}, snap.PinnedIDs)
	assert.False(t, snap.HasFullscreen())
	assert.Equal(t, 4, snap.ParticipantCount)

	// the pending update was dropped
	time.Sleep(3 * testDefaultDelay)
	assert.Equal(t, uint64(42), s.Snapshot().Version)
}
