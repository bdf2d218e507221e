package memory

import (
	"context"
	"sort"
	"sync"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
)

type MemorySnapshotRepository struct {
	snapshots map[domain.SessionID]*domain.Snapshot
	mu        sync.RWMutex
}

func NewMemorySnapshotRepository() ports.SnapshotRepository {
	return &MemorySnapshotRepository{
		snapshots: make(map[domain.SessionID]*domain.Snapshot),
	}
}

// Save stores a copy of the snapshot. A snapshot older than the stored one
// is ignored so late writers cannot roll a session back.
func (r *MemorySnapshotRepository) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return domain.ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.snapshots[snapshot.SessionID]; exists && current.Version > snapshot.Version {
		return nil
	}
	r.snapshots[snapshot.SessionID] = snapshot.Clone()
	return nil
}

func (r *MemorySnapshotRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, exists := r.snapshots[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return snapshot.Clone(), nil
}

func (r *MemorySnapshotRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snapshots[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.snapshots, id)
	return nil
}

func (r *MemorySnapshotRepository) List(ctx context.Context) ([]*domain.Snapshot, error) {
	r.mu.RLock()
	snapshots := make([]*domain.Snapshot, 0, len(r.snapshots))
	for _, snapshot := range r.snapshots {
		snapshots = append(snapshots, snapshot.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SessionID < snapshots[j].SessionID
	})
	return snapshots, nil
}
