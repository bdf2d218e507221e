package memory

import (
	"context"
	"testing"

	"callgrid/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(id domain.SessionID, version uint64, streams ...domain.StreamID) *domain.Snapshot {
	snap := &domain.Snapshot{
		SessionID: id,
		Version:   version,
		CallState: domain.CallStateConnected,
	}
	for _, s := range streams {
		snap.Streams = append(snap.Streams, domain.Stream{ID: s, HasVideo: true})
	}
	return snap
}

func TestMemorySnapshotRepository_SaveAndGet(t *testing.T) {
	repo := NewMemorySnapshotRepository()
	ctx := context.Background()

	snap := testSnapshot("call-1", 1, "a", "b")
	snap.PinnedIDs = []domain.StreamID{"a"}
	require.NoError(t, repo.Save(ctx, snap))

	// mutating the caller's value must not leak into the store
	snap.PinnedIDs[0] = "b"

	got, err := repo.GetByID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.StreamID{"a"}, got.PinnedIDs)
	assert.Len(t, got.Streams, 2)
}

func TestMemorySnapshotRepository_IgnoresOlderVersion(t *testing.T) {
	repo := NewMemorySnapshotRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testSnapshot("call-1", 5, "a")))
	require.NoError(t, repo.Save(ctx, testSnapshot("call-1", 3, "a", "b")))

	got, err := repo.GetByID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Version)
	assert.Len(t, got.Streams, 1)
}

func TestMemorySnapshotRepository_NotFound(t *testing.T) {
	repo := NewMemorySnapshotRepository()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "missing"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Save(ctx, &domain.Snapshot{}), domain.ErrSessionNotFound)
}

func TestMemorySnapshotRepository_DeleteAndList(t *testing.T) {
	repo := NewMemorySnapshotRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testSnapshot("b", 1)))
	require.NoError(t, repo.Save(ctx, testSnapshot("a", 1)))
	require.NoError(t, repo.Save(ctx, testSnapshot("c", 1)))
	require.NoError(t, repo.Delete(ctx, "c"))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.SessionID("a"), list[0].SessionID)
	assert.Equal(t, domain.SessionID("b"), list[1].SessionID)
}
