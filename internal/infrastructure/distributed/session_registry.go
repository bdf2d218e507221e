package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSessionLease = 30 * time.Second

// SharedSessionRegistry holds one renewed Redis lease per hosted session so
// a call id is served by a single instance at a time.
type SharedSessionRegistry struct {
	client      *redis.Client
	lockManager *distributed.LockManager
	instanceID  string
	lease       time.Duration
	logger      *zap.SugaredLogger

	mu    sync.Mutex
	locks map[domain.SessionID]*distributed.DistributedLock
}

func NewSharedSessionRegistry(
	client *redis.Client,
	instanceID string,
	lease time.Duration,
	logger *zap.SugaredLogger,
) ports.SessionRegistry {
	if lease <= 0 {
		lease = defaultSessionLease
	}
	return &SharedSessionRegistry{
		client:      client,
		lockManager: distributed.NewLockManager(client, "callgrid:session:", instanceID),
		instanceID:  instanceID,
		lease:       lease,
		logger:      logger,
		locks:       make(map[domain.SessionID]*distributed.DistributedLock),
	}
}

func (r *SharedSessionRegistry) Claim(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locks[id]; held {
		return domain.ErrSessionExists
	}

	lock := r.lockManager.AcquireLock(ownerKey(id), r.lease)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if !acquired {
		return domain.ErrSessionExists
	}

	r.locks[id] = lock
	if err := r.client.SAdd(ctx, r.instanceKey(), string(id)).Err(); err != nil {
		r.logger.Warnw("failed to index claimed session", "session_id", id, "error", err)
	}
	return nil
}

func (r *SharedSessionRegistry) Release(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	lock, held := r.locks[id]
	delete(r.locks, id)
	r.mu.Unlock()

	if !held {
		return nil
	}

	r.client.SRem(ctx, r.instanceKey(), string(id))
	if err := lock.Unlock(ctx); err != nil && err != distributed.ErrLockNotHeld {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// Owner returns the instance hosting id, or "" when no instance does.
func (r *SharedSessionRegistry) Owner(ctx context.Context, id domain.SessionID) (string, error) {
	return r.lockManager.Holder(ctx, ownerKey(id))
}

// ReleaseAll drops every lease held by this instance. Called on shutdown.
func (r *SharedSessionRegistry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]domain.SessionID, 0, len(r.locks))
	for id := range r.locks {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Release(ctx, id); err != nil {
			r.logger.Warnw("failed to release session during cleanup", "session_id", id, "error", err)
		}
	}
	r.client.Del(ctx, r.instanceKey())
}

func ownerKey(id domain.SessionID) string {
	return string(id) + ":owner"
}

func (r *SharedSessionRegistry) instanceKey() string {
	return fmt.Sprintf("callgrid:instance:%s:sessions", r.instanceID)
}
