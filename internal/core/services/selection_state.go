package services

import (
	"sync"
	"sync/atomic"
	"time"

	"callgrid/internal/core/domain"

	"go.uber.org/zap"
)

const (
	DefaultMaxPinned          = 2
	DefaultDebounceDelay      = 100 * time.Millisecond
	SingleStreamDebounceDelay = 5 * time.Second
)

type SelectionConfig struct {
	MaxPinned               int
	DefaultDelay            time.Duration
	SingleStreamDelay       time.Duration
	AutoPinLocalScreenShare bool
}

func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		MaxPinned:               DefaultMaxPinned,
		DefaultDelay:            DefaultDebounceDelay,
		SingleStreamDelay:       SingleStreamDebounceDelay,
		AutoPinLocalScreenShare: true,
	}
}

// SelectionState owns the pin and fullscreen selection of one call session
// and the debounced pipeline applying stream feed updates.
//
// Writers are serialised by mu, which is never held across a wait. Readers
// load the current snapshot atomically and never block.
type SelectionState struct {
	sessionID domain.SessionID
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	cfg         SelectionConfig
	timer       *time.Timer
	generation  uint64
	closed      bool
	subscribers map[uint64]chan *domain.Snapshot
	nextSubID   uint64

	snapshot atomic.Pointer[domain.Snapshot]
	now      func() time.Time
}

func NewSelectionState(sessionID domain.SessionID, cfg SelectionConfig, logger *zap.SugaredLogger) *SelectionState {
	if cfg.MaxPinned < 1 {
		cfg.MaxPinned = DefaultMaxPinned
	}
	if cfg.DefaultDelay < 0 {
		cfg.DefaultDelay = 0
	}
	if cfg.SingleStreamDelay < 0 {
		cfg.SingleStreamDelay = 0
	}

	s := &SelectionState{
		sessionID:   sessionID,
		logger:      logger.With("session_id", sessionID),
		cfg:         cfg,
		subscribers: make(map[uint64]chan *domain.Snapshot),
		now:         time.Now,
	}
	s.snapshot.Store(&domain.Snapshot{
		SessionID: sessionID,
		Streams:   []domain.Stream{},
		PinnedIDs: []domain.StreamID{},
		CallState: domain.CallStateConnecting,
		UpdatedAt: s.now(),
	})
	return s
}

// Snapshot returns the current selection. The value must not be modified.
func (s *SelectionState) Snapshot() *domain.Snapshot {
	return s.snapshot.Load()
}

func (s *SelectionState) MaxPinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxPinned
}

func (s *SelectionState) IsPinLimitReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshot.Load().PinnedIDs) >= s.cfg.MaxPinned
}

// Pin appends id to the pinned list. It returns false without changing state
// when the stream is unknown, already pinned or the list is full.
func (s *SelectionState) Pin(id domain.StreamID) bool {
	return s.PinWithOptions(id, domain.PinOptions{})
}

func (s *SelectionState) PinWithOptions(id domain.StreamID, opts domain.PinOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	cur := s.snapshot.Load()
	if !cur.HasStream(id) || cur.IsPinned(id) {
		return false
	}
	if len(cur.PinnedIDs) >= s.cfg.MaxPinned && !opts.Force {
		s.logger.Debugw("Pin rejected, limit reached", "stream_id", id, "max_pinned", s.cfg.MaxPinned)
		return false
	}

	next := cur.Clone()
	if opts.Prepend {
		next.PinnedIDs = append([]domain.StreamID{id}, next.PinnedIDs...)
		if len(next.PinnedIDs) > s.cfg.MaxPinned {
			next.PinnedIDs = next.PinnedIDs[:s.cfg.MaxPinned]
		}
	} else {
		next.PinnedIDs = append(next.PinnedIDs, id)
		if over := len(next.PinnedIDs) - s.cfg.MaxPinned; over > 0 {
			next.PinnedIDs = next.PinnedIDs[over:]
		}
	}

	s.publishLocked(next)
	return true
}

// Unpin removes id from the pinned list if present.
func (s *SelectionState) Unpin(id domain.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	if s.closed || !cur.IsPinned(id) {
		return
	}

	next := cur.Clone()
	next.PinnedIDs = removeID(next.PinnedIDs, id)
	s.publishLocked(next)
}

func (s *SelectionState) UnpinAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	if s.closed || len(cur.PinnedIDs) == 0 {
		return
	}

	next := cur.Clone()
	next.PinnedIDs = []domain.StreamID{}
	s.publishLocked(next)
}

// SetFullscreen replaces the fullscreen target. An empty id clears it.
func (s *SelectionState) SetFullscreen(id domain.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	if s.closed || cur.FullscreenID == id {
		return
	}

	next := cur.Clone()
	next.FullscreenID = id
	s.publishLocked(next)
}

func (s *SelectionState) ClearFullscreen() {
	s.SetFullscreen("")
}

// SetMaxPinned changes the pin capacity, keeping the oldest pins when the
// list no longer fits.
func (s *SelectionState) SetMaxPinned(n int) {
	if n < 1 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.MaxPinned = n
	cur := s.snapshot.Load()
	if s.closed || len(cur.PinnedIDs) <= n {
		return
	}

	next := cur.Clone()
	next.PinnedIDs = next.PinnedIDs[:n]
	s.publishLocked(next)
}

// OnStreamListUpdated schedules the update to be applied after the debounce
// delay. A later call replaces an update that has not been applied yet.
// Once an ended call has been applied, updates are ignored.
func (s *SelectionState) OnStreamListUpdated(streams []domain.Stream, participantCount int, callState domain.CallState) {
	update := domain.StreamUpdate{
		Streams:          append([]domain.Stream(nil), streams...),
		ParticipantCount: participantCount,
		CallState:        callState,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.snapshot.Load().CallState == domain.CallStateEnded {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation

	delay := s.debounceDelay(update)
	s.timer = time.AfterFunc(delay, func() {
		s.applyUpdate(gen, update)
	})
}

func (s *SelectionState) debounceDelay(update domain.StreamUpdate) time.Duration {
	if update.ParticipantCount > 1 || len(update.Streams) != 1 || update.CallState != domain.CallStateConnected {
		return s.cfg.DefaultDelay
	}
	return s.cfg.SingleStreamDelay
}

func (s *SelectionState) applyUpdate(gen uint64, update domain.StreamUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.generation {
		return
	}
	s.timer = nil

	cur := s.snapshot.Load()
	next := cur.Clone()
	next.CallState = update.CallState
	next.ParticipantCount = update.ParticipantCount

	if update.CallState == domain.CallStateEnded {
		next.Streams = []domain.Stream{}
		next.PinnedIDs = []domain.StreamID{}
		next.FullscreenID = ""
		s.publishLocked(next)
		s.logger.Infow("Call ended, selection reset", "version", next.Version)
		return
	}

	next.Streams = uniqueStreams(update.Streams)

	known := make(map[domain.StreamID]struct{}, len(next.Streams))
	for _, stream := range next.Streams {
		known[stream.ID] = struct{}{}
	}

	pinned := make([]domain.StreamID, 0, len(cur.PinnedIDs)+1)
	for _, id := range cur.PinnedIDs {
		if _, ok := known[id]; ok {
			pinned = append(pinned, id)
		}
	}
	if dropped := len(cur.PinnedIDs) - len(pinned); dropped > 0 {
		s.logger.Debugw("Dropped pins of removed streams", "count", dropped)
	}

	if s.cfg.AutoPinLocalScreenShare {
		for _, stream := range next.Streams {
			if !stream.IsLocalScreenShare() || containsID(pinned, stream.ID) {
				continue
			}
			pinned = append([]domain.StreamID{stream.ID}, pinned...)
			if len(pinned) > s.cfg.MaxPinned {
				pinned = append(pinned[:1], pinned[2:]...)
			}
			break
		}
	}
	if len(pinned) > s.cfg.MaxPinned {
		pinned = pinned[:s.cfg.MaxPinned]
	}
	next.PinnedIDs = pinned

	if update.CallState == domain.CallStateReconnecting {
		next.FullscreenID = ""
	} else if _, ok := known[next.FullscreenID]; !ok {
		next.FullscreenID = ""
	}

	s.publishLocked(next)
}

// Restore replaces the selection with a saved snapshot, dropping any pending
// update. Pins and fullscreen of streams missing from it are pruned and the
// version continues from the larger of both.
func (s *SelectionState) Restore(saved *domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || saved == nil {
		return
	}
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	cur := s.snapshot.Load()
	next := saved.Clone()
	next.SessionID = s.sessionID
	if cur.Version > next.Version {
		next.Version = cur.Version
	}
	next.Streams = uniqueStreams(next.Streams)

	pinned := make([]domain.StreamID, 0, len(next.PinnedIDs))
	for _, id := range next.PinnedIDs {
		if next.HasStream(id) && !containsID(pinned, id) {
			pinned = append(pinned, id)
		}
	}
	if len(pinned) > s.cfg.MaxPinned {
		pinned = pinned[:s.cfg.MaxPinned]
	}
	next.PinnedIDs = pinned
	if !next.HasStream(next.FullscreenID) {
		next.FullscreenID = ""
	}

	s.publishLocked(next)
	s.logger.Infow("Selection restored", "version", next.Version, "streams", len(next.Streams), "pinned", len(pinned))
}

// Subscribe returns a channel receiving every new snapshot. Slow readers only
// see the latest one. The channel is closed by cancel or Close.
func (s *SelectionState) Subscribe() (<-chan *domain.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *domain.Snapshot, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close cancels pending work and closes all subscriptions. Further calls are
// no-ops.
func (s *SelectionState) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *SelectionState) publishLocked(next *domain.Snapshot) {
	next.Version++
	next.UpdatedAt = s.now()
	s.snapshot.Store(next)

	for _, ch := range s.subscribers {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

func containsID(ids []domain.StreamID, id domain.StreamID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []domain.StreamID, id domain.StreamID) []domain.StreamID {
	out := make([]domain.StreamID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
