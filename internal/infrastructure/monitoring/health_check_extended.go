package monitoring

import (
	"context"
	"time"

	"callgrid/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck lists stored snapshots as a liveness probe of the
// snapshot store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SnapshotRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck reports unhealthy when the session service cannot list
// its sessions.
func (h *HealthChecker) AddSessionCheck(sessions ports.SessionService, interval, timeout time.Duration) {
	h.AddCheck("sessions", func(ctx context.Context) (bool, error) {
		if _, err := sessions.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
