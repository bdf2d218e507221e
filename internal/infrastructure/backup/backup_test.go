package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/repositories/memory"
	"callgrid/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type countingMetrics struct {
	ok, failed int
}

func (m *countingMetrics) RecordBackup(success bool) {
	if success {
		m.ok++
	} else {
		m.failed++
	}
}

func newSessions(t *testing.T, logger *zap.SugaredLogger) *services.SessionService {
	t.Helper()
	selection := services.DefaultSelectionConfig()
	selection.DefaultDelay = time.Millisecond
	selection.SingleStreamDelay = time.Millisecond

	layout := services.NewLayoutService(services.NewGridSolver(domain.DefaultAspectBand), services.NewSlotAllocator(), services.LayoutConfig{}, nil, logger)
	svc := services.NewSessionService(layout, memory.NewMemorySnapshotRepository(), nil, nil, nil, services.SessionConfig{
		Selection: selection,
	}, logger)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func newBackupService(t *testing.T) *backup.BackupService {
	t.Helper()
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return backup.NewBackupService(storage, "test")
}

func stream(id string) domain.Stream {
	return domain.Stream{ID: domain.StreamID(id), DisplayName: id, HasVideo: true}
}

func seedSession(t *testing.T, svc *services.SessionService, id domain.SessionID, callState domain.CallState, streams ...domain.Stream) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Create(ctx, domain.SessionOptions{ID: id, Owner: "alice", MaxPinned: 3})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateStreams(ctx, id, domain.StreamUpdate{
		Streams:          streams,
		ParticipantCount: len(streams) + 1,
		CallState:        callState,
	}))
	require.Eventually(t, func() bool {
		snap, err := svc.Snapshot(ctx, id)
		return err == nil && snap.CallState == callState
	}, time.Second, time.Millisecond)
}

func TestBackupAndRestoreSessions(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()
	backups := newBackupService(t)

	source := newSessions(t, logger)
	seedSession(t, source, "call-1", domain.CallStateConnected, stream("a"), stream("b"), stream("c"))
	require.NoError(t, source.Pin(ctx, "call-1", "c", domain.PinOptions{}))
	require.NoError(t, source.SetFullscreen(ctx, "call-1", "b"))
	seedSession(t, source, "call-2", domain.CallStateEnded)

	metrics := &countingMetrics{}
	scheduler := NewScheduler(backups, source, metrics, Config{Interval: time.Hour}, logger)
	name, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)

	archived, err := backups.RestoreBackup(ctx, name)
	require.NoError(t, err)
	assert.Len(t, archived.Sessions, 2)
	assert.EqualValues(t, 2, archived.Metadata["session_count"])

	target := newSessions(t, logger)
	restore := NewRestoreService(backups, target, logger)
	result, err := restore.RestoreLatest(ctx, RestoreOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, &RestoreResult{Backup: name, Restored: 1, Skipped: 1}, result)

	info, err := target.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), info.Owner)
	assert.Equal(t, domain.LayoutModeManual, info.Mode)
	assert.Equal(t, 3, info.MaxPinned)
	assert.Equal(t, []domain.StreamID{"c"}, info.Snapshot.PinnedIDs)
	assert.Equal(t, domain.StreamID("b"), info.Snapshot.FullscreenID)
	assert.Len(t, info.Snapshot.Streams, 3)

	_, err = target.Get(ctx, "call-2")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// a second pass finds the session already open
	result, err = restore.RestoreFromBackup(ctx, name, RestoreOptions{IncludeEnded: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	assert.Equal(t, 1, result.Skipped)
}

func TestRestoreService_NoBackup(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	restore := NewRestoreService(newBackupService(t), newSessions(t, logger), logger)

	result, err := restore.RestoreLatest(context.Background(), RestoreOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Restored)
}

func TestRestoreService_SkipsStaleBackup(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()
	backups := newBackupService(t)

	source := newSessions(t, logger)
	seedSession(t, source, "call-1", domain.CallStateConnected, stream("a"))
	name, err := NewScheduler(backups, source, nil, Config{Interval: time.Hour}, logger).RunOnce(ctx)
	require.NoError(t, err)

	target := newSessions(t, logger)
	restore := NewRestoreService(backups, target, logger)
	restore.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	result, err := restore.RestoreFromBackup(ctx, name, RestoreOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Restored)
	assert.Equal(t, 1, result.Skipped)

	list, err := target.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

type failingRestorer struct{}

func (failingRestorer) Restore(ctx context.Context, saved *domain.SessionInfo) (*domain.SessionInfo, error) {
	return nil, errors.New("registry unavailable")
}

func TestRestoreService_CountsFailures(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()
	backups := newBackupService(t)

	source := newSessions(t, logger)
	seedSession(t, source, "call-1", domain.CallStateConnected, stream("a"))
	_, err := NewScheduler(backups, source, nil, Config{Interval: time.Hour}, logger).RunOnce(ctx)
	require.NoError(t, err)

	result, err := NewRestoreService(backups, failingRestorer{}, logger).RestoreLatest(ctx, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

type failingLister struct{}

func (failingLister) List(ctx context.Context) ([]*domain.SessionInfo, error) {
	return nil, errors.New("boom")
}

func TestScheduler_RecordsFailures(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	metrics := &countingMetrics{}
	scheduler := NewScheduler(newBackupService(t), failingLister{}, metrics, Config{Interval: time.Hour}, logger)

	scheduler.runBackup(context.Background())
	assert.Equal(t, 1, metrics.failed)
	assert.Equal(t, 0, metrics.ok)

	// Stop is idempotent and ends Start
	done := make(chan struct{})
	go func() {
		scheduler.Start(context.Background())
		close(done)
	}()
	scheduler.Stop()
	scheduler.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
