package repositories

import (
	"context"
	"errors"
	"sort"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/batch"

	"go.uber.org/zap"
)

// WriteBehindSnapshotRepository queues snapshot saves and writes them to the
// backing repository in batches, only the newest version of each session per
// batch. Reads see queued snapshots.
type WriteBehindSnapshotRepository struct {
	repo    ports.SnapshotRepository
	batcher *batch.Batcher[*domain.Snapshot]
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewWriteBehindSnapshotRepository(repo ports.SnapshotRepository, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *WriteBehindSnapshotRepository {
	r := &WriteBehindSnapshotRepository{
		repo:    repo,
		timeout: 5 * time.Second,
		logger:  logger,
	}
	r.batcher = batch.NewBatcher(batchSize, interval, r.write)
	return r
}

func (r *WriteBehindSnapshotRepository) write(ctx context.Context, snapshots []*domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	latest := newestPerSession(snapshots)
	var errs []error
	for _, snapshot := range latest {
		if err := r.repo.Save(ctx, snapshot); err != nil {
			r.logger.Warnw("failed to write snapshot",
				"session_id", snapshot.SessionID,
				"version", snapshot.Version,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(latest) < len(snapshots) {
		r.logger.Debugw("coalesced snapshot writes", "queued", len(snapshots), "written", len(latest))
	}
	return errors.Join(errs...)
}

// newestPerSession keeps the highest version of every session, ordered by
// session id.
func newestPerSession(snapshots []*domain.Snapshot) []*domain.Snapshot {
	byID := make(map[domain.SessionID]*domain.Snapshot, len(snapshots))
	for _, s := range snapshots {
		if cur, ok := byID[s.SessionID]; !ok || s.Version >= cur.Version {
			byID[s.SessionID] = s
		}
	}
	out := make([]*domain.Snapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *WriteBehindSnapshotRepository) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return domain.ErrSessionNotFound
	}
	if err := r.batcher.Add(snapshot.Clone()); err != nil {
		// stopped: write through
		return r.repo.Save(ctx, snapshot)
	}
	return nil
}

func (r *WriteBehindSnapshotRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error) {
	if queued, ok := r.batcher.Last(func(s *domain.Snapshot) bool { return s.SessionID == id }); ok {
		return queued.Clone(), nil
	}
	return r.repo.GetByID(ctx, id)
}

// Delete drops queued saves of the session and waits out a batch already
// being written before deleting it, so neither can bring it back.
func (r *WriteBehindSnapshotRepository) Delete(ctx context.Context, id domain.SessionID) error {
	dropped := r.batcher.Remove(func(s *domain.Snapshot) bool { return s.SessionID == id })
	r.batcher.Wait()
	err := r.repo.Delete(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) && dropped > 0 {
		return nil
	}
	return err
}

func (r *WriteBehindSnapshotRepository) List(ctx context.Context) ([]*domain.Snapshot, error) {
	stored, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[domain.SessionID]*domain.Snapshot, len(stored))
	for _, s := range stored {
		merged[s.SessionID] = s
	}
	for _, queued := range r.batcher.Pending() {
		if cur, ok := merged[queued.SessionID]; !ok || queued.Version > cur.Version {
			merged[queued.SessionID] = queued.Clone()
		}
	}

	out := make([]*domain.Snapshot, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Flush writes everything queued.
func (r *WriteBehindSnapshotRepository) Flush(ctx context.Context) error {
	return r.batcher.Flush(ctx)
}

// Close writes what is queued and switches to write-through.
func (r *WriteBehindSnapshotRepository) Close(ctx context.Context) error {
	return r.batcher.Stop(ctx)
}
