package repositories

import (
	"context"
	"fmt"
	"time"

	"callgrid/internal/core/ports"
	"callgrid/internal/infrastructure/reliability"
	"callgrid/internal/infrastructure/repositories/memory"
	redisrepo "callgrid/internal/infrastructure/repositories/redis"
	"callgrid/pkg/circuitbreaker"
	"callgrid/pkg/config"
	"callgrid/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	reliable    *reliability.SnapshotRepository
	writeBehind *WriteBehindSnapshotRepository
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory
// repositories when the connection fails.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateSnapshotRepository returns the Redis repository behind retries and a
// circuit breaker, batched when redis.write_interval is set. Without Redis
// it returns a memory repository.
func (f *RepositoryFactory) CreateSnapshotRepository() ports.SnapshotRepository {
	if !f.useRedis || f.redisClient == nil {
		return memory.NewMemorySnapshotRepository()
	}

	f.reliable = reliability.NewSnapshotRepository(
		redisrepo.NewRedisSnapshotRepository(f.redisClient, f.cfg.Redis.SnapshotTTL),
		retry.DefaultConfig(),
		circuitbreaker.DefaultConfig(),
		f.logger,
	)
	var repo ports.SnapshotRepository = f.reliable
	if f.cfg.Redis.WriteInterval > 0 {
		f.writeBehind = NewWriteBehindSnapshotRepository(repo, f.cfg.Redis.WriteBatchSize, f.cfg.Redis.WriteInterval, f.logger)
		repo = f.writeBehind
	}
	return repo
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close flushes batched writes and closes the Redis client.
func (f *RepositoryFactory) Close() error {
	if f.writeBehind != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.writeBehind.Close(ctx); err != nil {
			f.logger.Warnw("failed to flush snapshot writes", "error", err)
		}
	}
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health and fails while the snapshot
// circuit breaker is open.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if !f.useRedis || f.redisClient == nil {
		return nil
	}
	if f.reliable != nil {
		if stats := f.reliable.BreakerStats(); stats.State == circuitbreaker.StateOpen {
			return fmt.Errorf("snapshot store circuit open since %s after %d failures",
				stats.StateChangeTime.Format(time.RFC3339), stats.FailureCount)
		}
	}
	return f.redisClient.Ping(ctx).Err()
}
