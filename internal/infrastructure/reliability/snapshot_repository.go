package reliability

import (
	"context"
	"errors"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/pkg/circuitbreaker"
	"callgrid/pkg/retry"

	"go.uber.org/zap"
)

// SnapshotRepository wraps a remote snapshot store with retries and a
// circuit breaker. Writes are retried; reads fail fast.
type SnapshotRepository struct {
	repo    ports.SnapshotRepository
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.SnapshotRepository = (*SnapshotRepository)(nil)

// missing snapshots are an answer, not a store failure
func isStoreFailure(err error) bool {
	return !errors.Is(err, domain.ErrSessionNotFound)
}

func NewSnapshotRepository(
	repo ports.SnapshotRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *SnapshotRepository {
	cbConfig.IsFailure = isStoreFailure
	retryConfig.Retryable = func(err error) bool {
		return isStoreFailure(err) && !errors.Is(err, circuitbreaker.ErrOpen)
	}

	r := &SnapshotRepository{
		repo:    repo,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("snapshot store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return r
}

func (r *SnapshotRepository) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	return retry.Do(ctx, r.retry, func() error {
		return r.breaker.Execute(ctx, func() error {
			return r.repo.Save(ctx, snapshot)
		})
	})
}

func (r *SnapshotRepository) Delete(ctx context.Context, id domain.SessionID) error {
	return retry.Do(ctx, r.retry, func() error {
		return r.breaker.Execute(ctx, func() error {
			return r.repo.Delete(ctx, id)
		})
	})
}

func (r *SnapshotRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.Snapshot, error) {
	return circuitbreaker.Do(ctx, r.breaker, func() (*domain.Snapshot, error) {
		return r.repo.GetByID(ctx, id)
	})
}

func (r *SnapshotRepository) List(ctx context.Context) ([]*domain.Snapshot, error) {
	return circuitbreaker.Do(ctx, r.breaker, func() ([]*domain.Snapshot, error) {
		return r.repo.List(ctx)
	})
}

func (r *SnapshotRepository) BreakerStats() circuitbreaker.Stats {
	return r.breaker.Stats()
}
