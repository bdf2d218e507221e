package repositories

import (
	"context"
	"testing"

	"callgrid/internal/core/domain"
	"callgrid/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1" // nothing listens here

	factory, err := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.HealthCheck(context.Background()))

	repo := factory.CreateSnapshotRepository()
	require.NoError(t, repo.Save(context.Background(), &domain.Snapshot{SessionID: "call-1", Version: 1}))
	got, err := repo.GetByID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}
