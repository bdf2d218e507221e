package ports

import (
	"context"

	"callgrid/internal/core/domain"
)

// SnapshotRepository stores the latest selection snapshot of every session.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *domain.Snapshot) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error)
	Delete(ctx context.Context, id domain.SessionID) error
	List(ctx context.Context) ([]*domain.Snapshot, error)
}
