package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const snapshotPrefix = "callgrid:snapshot:"

// getter is satisfied by both the client and a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type RedisSnapshotRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotRepository stores snapshots as JSON values. A zero ttl keeps
// them until the session is closed.
func NewRedisSnapshotRepository(client *redis.Client, ttl time.Duration) ports.SnapshotRepository {
	return &RedisSnapshotRepository{
		client: client,
		prefix: snapshotPrefix,
		ttl:    ttl,
	}
}

func (r *RedisSnapshotRepository) snapshotKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSnapshotRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisSnapshotRepository) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return domain.ErrSessionNotFound
	}

	ctx, span := tracing.TraceRepositoryOperation(ctx, "snapshot.save", "redis")
	defer span.End()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := r.snapshotKey(snapshot.SessionID)

	// Optimistic transaction: a concurrent writer of the same key aborts the
	// exec and the version check runs again.
	txf := func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, key)
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		if current != nil && current.Version > snapshot.Version {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.SAdd(ctx, r.indexKey(), string(snapshot.SessionID))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save snapshot in Redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "snapshot.get", "redis")
	defer span.End()

	return r.load(ctx, r.client, r.snapshotKey(id))
}

func (r *RedisSnapshotRepository) Delete(ctx context.Context, id domain.SessionID) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "snapshot.delete", "redis")
	defer span.End()

	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.indexKey(), string(id))
		del = pipe.Del(ctx, r.snapshotKey(id))
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to delete snapshot from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// List returns every indexed snapshot. Index entries whose value expired are
// dropped from the index on the way.
func (r *RedisSnapshotRepository) List(ctx context.Context) ([]*domain.Snapshot, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "snapshot.list", "redis")
	defer span.End()

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot index: %w", err)
	}

	snapshots := make([]*domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := r.load(ctx, r.client, r.snapshotKey(domain.SessionID(id)))
		if errors.Is(err, domain.ErrSessionNotFound) {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SessionID < snapshots[j].SessionID
	})
	return snapshots, nil
}

func (r *RedisSnapshotRepository) load(ctx context.Context, c getter, key string) (*domain.Snapshot, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snapshot domain.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}
