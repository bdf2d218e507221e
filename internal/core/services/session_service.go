package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/cache"
	"callgrid/pkg/tracing"
	"callgrid/pkg/utils"

	"go.uber.org/zap"
)

type SessionConfig struct {
	Selection   SelectionConfig
	Constraints domain.LayoutConstraints
	DefaultMode domain.LayoutMode
	// PersistTimeout bounds each snapshot save and publish.
	PersistTimeout time.Duration
	// LayoutCacheTTL keeps computed layouts for repeated requests with the
	// same inputs. Zero disables the cache.
	LayoutCacheTTL time.Duration
}

// layoutKey holds every input of a layout pass.
type layoutKey struct {
	session          domain.SessionID
	version          uint64
	mode             domain.LayoutMode
	constraints      domain.LayoutConstraints
	viewport         domain.Size
	previousFeatured domain.StreamID
	previousShares   int
}

// callSession is the explicit per-call context: one selection state plus the
// layout settings and memory of the previous layout pass.
type callSession struct {
	id        domain.SessionID
	owner     domain.UserID
	createdAt time.Time
	selection *SelectionState
	done      chan struct{}

	mu               sync.RWMutex
	mode             domain.LayoutMode
	constraints      domain.LayoutConstraints
	lastFeaturedID   domain.StreamID
	lastRemoteShares int
}

func (cs *callSession) info() *domain.SessionInfo {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return &domain.SessionInfo{
		ID:          cs.id,
		Owner:       cs.owner,
		Mode:        cs.mode,
		MaxPinned:   cs.selection.MaxPinned(),
		Constraints: cs.constraints,
		Snapshot:    cs.selection.Snapshot(),
		CreatedAt:   cs.createdAt,
	}
}

type SessionService struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*callSession
	// ids being claimed in the registry
	claiming map[domain.SessionID]struct{}

	layout    *LayoutService
	repo      ports.SnapshotRepository
	publisher ports.EventPublisher
	registry  ports.SessionRegistry
	metrics   ports.LayoutMetrics
	cfg       SessionConfig
	layouts   *cache.Cache[layoutKey, *domain.Layout]
	logger    *zap.SugaredLogger
}

func NewSessionService(
	layout *LayoutService,
	repo ports.SnapshotRepository,
	publisher ports.EventPublisher,
	registry ports.SessionRegistry,
	metrics ports.LayoutMetrics,
	cfg SessionConfig,
	logger *zap.SugaredLogger,
) *SessionService {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.LayoutModeAuto
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	var layouts *cache.Cache[layoutKey, *domain.Layout]
	if cfg.LayoutCacheTTL > 0 {
		layouts = cache.New[layoutKey, *domain.Layout](cfg.LayoutCacheTTL, cfg.LayoutCacheTTL)
	}
	return &SessionService{
		sessions:  make(map[domain.SessionID]*callSession),
		claiming:  make(map[domain.SessionID]struct{}),
		layouts:   layouts,
		layout:    layout,
		repo:      repo,
		publisher: publisher,
		registry:  registry,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *SessionService) Create(ctx context.Context, opts domain.SessionOptions) (*domain.SessionInfo, error) {
	id := opts.ID
	if id == "" {
		id = domain.SessionID(utils.GenerateSessionID())
	}

	ctx, span := tracing.TraceSessionOperation(ctx, "create", string(id))
	defer span.End()

	mode := opts.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	constraints := s.cfg.Constraints
	if opts.Constraints.MaxMosaicStreams > 0 {
		constraints.MaxMosaicStreams = opts.Constraints.MaxMosaicStreams
	}
	if opts.Constraints.MaxThumbnailStreams > 0 {
		constraints.MaxThumbnailStreams = opts.Constraints.MaxThumbnailStreams
	}
	if opts.Constraints.ThumbnailSize > 0 {
		constraints.ThumbnailSize = opts.Constraints.ThumbnailSize
	}
	selCfg := s.cfg.Selection
	if opts.MaxPinned > 0 {
		selCfg.MaxPinned = opts.MaxPinned
	}

	s.mu.Lock()
	_, exists := s.sessions[id]
	_, pending := s.claiming[id]
	if exists || pending {
		s.mu.Unlock()
		return nil, domain.ErrSessionExists
	}
	s.claiming[id] = struct{}{}
	s.mu.Unlock()

	var claimErr error
	if s.registry != nil {
		claimErr = s.registry.Claim(ctx, id)
	}

	s.mu.Lock()
	delete(s.claiming, id)
	if claimErr != nil {
		s.mu.Unlock()
		tracing.RecordError(ctx, claimErr)
		return nil, claimErr
	}

	cs := &callSession{
		id:          id,
		owner:       opts.Owner,
		createdAt:   time.Now(),
		selection:   NewSelectionState(id, selCfg, s.logger),
		done:        make(chan struct{}),
		mode:        mode,
		constraints: constraints,
	}
	s.sessions[id] = cs
	count := len(s.sessions)
	s.mu.Unlock()

	updates, _ := cs.selection.Subscribe()
	go s.watch(cs, updates)

	if s.metrics != nil {
		s.metrics.SetActiveSessions(count)
	}
	s.logger.Infow("Session created", "session_id", id, "mode", mode, "max_pinned", selCfg.MaxPinned)

	return cs.info(), nil
}

// watch persists and publishes every applied snapshot until the session's
// selection state is closed.
func (s *SessionService) watch(cs *callSession, updates <-chan *domain.Snapshot) {
	defer close(cs.done)

	s.persist(cs.selection.Snapshot())
	for snapshot := range updates {
		s.persist(snapshot)
		if s.metrics != nil {
			s.metrics.RecordSnapshotApplied(snapshot.SessionID, snapshot.Version)
		}
	}
}

func (s *SessionService) persist(snapshot *domain.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()

	if s.repo != nil {
		if err := s.repo.Save(ctx, snapshot); err != nil {
			s.logger.Warnw("Failed to persist snapshot", "session_id", snapshot.SessionID, "version", snapshot.Version, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishSnapshot(ctx, snapshot); err != nil {
			s.logger.Warnw("Failed to publish snapshot", "session_id", snapshot.SessionID, "version", snapshot.Version, "error", err)
		}
	}
}

// Restore recreates a session from saved info, including its selection.
func (s *SessionService) Restore(ctx context.Context, saved *domain.SessionInfo) (*domain.SessionInfo, error) {
	if saved == nil || saved.ID == "" {
		return nil, fmt.Errorf("session info without id")
	}
	if _, err := s.Create(ctx, domain.SessionOptions{
		ID:          saved.ID,
		Owner:       saved.Owner,
		Mode:        saved.Mode,
		MaxPinned:   saved.MaxPinned,
		Constraints: saved.Constraints,
	}); err != nil {
		return nil, err
	}
	cs, err := s.session(saved.ID)
	if err != nil {
		return nil, err
	}
	if saved.Snapshot != nil {
		cs.selection.Restore(saved.Snapshot)
	}
	return cs.info(), nil
}

func (s *SessionService) Get(ctx context.Context, id domain.SessionID) (*domain.SessionInfo, error) {
	cs, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return cs.info(), nil
}

func (s *SessionService) Close(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceSessionOperation(ctx, "close", string(id))
	defer span.End()

	s.mu.Lock()
	cs, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()

	cs.selection.Close()
	<-cs.done
	if s.layouts != nil {
		s.layouts.DeleteFunc(func(k layoutKey) bool { return k.session == id })
	}

	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Warnw("Failed to delete snapshot", "session_id", id, "error", err)
		}
	}
	if s.registry != nil {
		if err := s.registry.Release(ctx, id); err != nil {
			s.logger.Warnw("Failed to release session", "session_id", id, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.SetActiveSessions(count)
		s.metrics.ForgetSession(id)
	}
	s.logger.Infow("Session closed", "session_id", id)
	return nil
}

// Shutdown closes every session.
func (s *SessionService) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]domain.SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_ = s.Close(ctx, id)
	}
}

func (s *SessionService) List(ctx context.Context) ([]*domain.SessionInfo, error) {
	s.mu.RLock()
	infos := make([]*domain.SessionInfo, 0, len(s.sessions))
	for _, cs := range s.sessions {
		infos = append(infos, cs.info())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *SessionService) UpdateStreams(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}
	cs.selection.OnStreamListUpdated(update.Streams, update.ParticipantCount, update.CallState)
	return nil
}

// Pin pins a stream and switches the session to manual mode. A rejected pin
// returns domain.ErrPinRejected.
func (s *SessionService) Pin(ctx context.Context, id domain.SessionID, streamID domain.StreamID, opts domain.PinOptions) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}

	accepted := cs.selection.PinWithOptions(streamID, opts)
	if s.metrics != nil {
		s.metrics.RecordPin(accepted)
	}
	if !accepted {
		return domain.ErrPinRejected
	}

	cs.mu.Lock()
	cs.mode = domain.LayoutModeManual
	cs.mu.Unlock()
	return nil
}

func (s *SessionService) Unpin(ctx context.Context, id domain.SessionID, streamID domain.StreamID) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}
	cs.selection.Unpin(streamID)
	return nil
}

func (s *SessionService) UnpinAll(ctx context.Context, id domain.SessionID) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}
	cs.selection.UnpinAll()
	return nil
}

// SetFullscreen sets or, with an empty stream id, clears the fullscreen target.
func (s *SessionService) SetFullscreen(ctx context.Context, id domain.SessionID, streamID domain.StreamID) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}
	cs.selection.SetFullscreen(streamID)
	return nil
}

// SetMode switches the layout mode. Changing mode clears the pins.
func (s *SessionService) SetMode(ctx context.Context, id domain.SessionID, mode domain.LayoutMode) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	changed := cs.mode != mode
	cs.mode = mode
	cs.mu.Unlock()

	if changed {
		cs.selection.UnpinAll()
		s.logger.Debugw("Layout mode changed", "session_id", id, "mode", mode)
	}
	return nil
}

func (s *SessionService) SetMaxPinned(ctx context.Context, id domain.SessionID, n int) error {
	cs, err := s.session(id)
	if err != nil {
		return err
	}
	cs.selection.SetMaxPinned(n)
	return nil
}

func (s *SessionService) Snapshot(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error) {
	cs, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return cs.selection.Snapshot(), nil
}

func (s *SessionService) Layout(ctx context.Context, id domain.SessionID, viewport domain.Size) (*domain.Layout, error) {
	cs, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if viewport.Width < 0 || viewport.Height < 0 {
		return nil, domain.ErrInvalidViewport
	}

	cs.mu.RLock()
	req := domain.LayoutRequest{
		Snapshot:                   cs.selection.Snapshot(),
		Mode:                       cs.mode,
		Constraints:                cs.constraints,
		Viewport:                   viewport,
		PreviousFeaturedID:         cs.lastFeaturedID,
		PreviousRemoteScreenShares: cs.lastRemoteShares,
	}
	cs.mu.RUnlock()

	key := layoutKey{
		session:          id,
		version:          req.Snapshot.Version,
		mode:             req.Mode,
		constraints:      req.Constraints,
		viewport:         viewport,
		previousFeatured: req.PreviousFeaturedID,
		previousShares:   req.PreviousRemoteScreenShares,
	}
	if s.layouts != nil {
		if layout, ok := s.layouts.Get(key); ok {
			return layout, nil
		}
	}

	layout := s.layout.Compute(ctx, req)
	if s.layouts != nil {
		s.layouts.Set(key, layout)
	}

	cs.mu.Lock()
	cs.lastFeaturedID = layout.FeaturedID()
	cs.lastRemoteShares = layout.RemoteScreenShareCount()
	cs.mu.Unlock()

	return layout, nil
}

func (s *SessionService) Subscribe(ctx context.Context, id domain.SessionID) (<-chan *domain.Snapshot, func(), error) {
	cs, err := s.session(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := cs.selection.Subscribe()
	return ch, cancel, nil
}

func (s *SessionService) session(id domain.SessionID) (*callSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return cs, nil
}
