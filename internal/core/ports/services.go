package ports

import (
	"context"
	"time"

	"callgrid/internal/core/domain"
)

type LayoutService interface {
	Compute(ctx context.Context, req domain.LayoutRequest) *domain.Layout
}

type SessionService interface {
	Create(ctx context.Context, opts domain.SessionOptions) (*domain.SessionInfo, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.SessionInfo, error)
	Close(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]*domain.SessionInfo, error)

	UpdateStreams(ctx context.Context, id domain.SessionID, update domain.StreamUpdate) error
	Pin(ctx context.Context, id domain.SessionID, streamID domain.StreamID, opts domain.PinOptions) error
	Unpin(ctx context.Context, id domain.SessionID, streamID domain.StreamID) error
	UnpinAll(ctx context.Context, id domain.SessionID) error
	SetFullscreen(ctx context.Context, id domain.SessionID, streamID domain.StreamID) error
	SetMode(ctx context.Context, id domain.SessionID, mode domain.LayoutMode) error
	SetMaxPinned(ctx context.Context, id domain.SessionID, n int) error

	Snapshot(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error)
	Layout(ctx context.Context, id domain.SessionID, viewport domain.Size) (*domain.Layout, error)
	Subscribe(ctx context.Context, id domain.SessionID) (<-chan *domain.Snapshot, func(), error)
}

// EventPublisher fans applied snapshots out to other instances.
type EventPublisher interface {
	PublishSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
}

type LayoutMetrics interface {
	RecordLayout(mode domain.LayoutMode, slots int, duration time.Duration)
	RecordPin(accepted bool)
	RecordSnapshotApplied(sessionID domain.SessionID, version uint64)
	SetActiveSessions(count int)
	ForgetSession(sessionID domain.SessionID)
}

// SessionRegistry records which instance hosts each session.
type SessionRegistry interface {
	// Claim fails with domain.ErrSessionExists when another instance already
	// hosts the session.
	Claim(ctx context.Context, id domain.SessionID) error
	Release(ctx context.Context, id domain.SessionID) error
	Owner(ctx context.Context, id domain.SessionID) (string, error)
}
