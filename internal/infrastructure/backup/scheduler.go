package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/pkg/backup"

	"go.uber.org/zap"
)

// SessionLister is the read side of the session service used for backups.
type SessionLister interface {
	List(ctx context.Context) ([]*domain.SessionInfo, error)
}

type BackupMetrics interface {
	RecordBackup(success bool)
}

// Config contains scheduler configuration
type Config struct {
	Interval time.Duration
	// Retention deletes backups older than this after every run. Zero keeps
	// all of them.
	Retention time.Duration
}

// Scheduler periodically archives the open call sessions.
type Scheduler struct {
	backupService *backup.BackupService
	sessions      SessionLister
	metrics       BackupMetrics
	cfg           Config
	logger        *zap.SugaredLogger

	stopOnce sync.Once
	stopChan chan struct{}
}

func NewScheduler(
	backupService *backup.BackupService,
	sessions SessionLister,
	metrics BackupMetrics,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		backupService: backupService,
		sessions:      sessions,
		metrics:       metrics,
		cfg:           cfg,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start runs a backup every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if s.metrics != nil {
		s.metrics.RecordBackup(err == nil)
	}
	if err != nil {
		s.logger.Errorw("scheduled backup failed", "error", err)
		return
	}
	s.logger.Infow("backup created", "backup_name", name)

	if s.cfg.Retention > 0 {
		deleted, err := s.backupService.Prune(ctx, time.Now().Add(-s.cfg.Retention))
		if err != nil {
			s.logger.Warnw("failed to prune old backups", "error", err)
		} else if deleted > 0 {
			s.logger.Infow("pruned old backups", "count", deleted)
		}
	}
}

// RunOnce archives every open session and returns the backup name.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	data, err := s.collectData(ctx)
	if err != nil {
		return "", err
	}
	return s.backupService.CreateBackup(ctx, data)
}

func (s *Scheduler) collectData(ctx context.Context) (*backup.BackupData, error) {
	infos, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	data := &backup.BackupData{
		Sessions: make(map[string]json.RawMessage, len(infos)),
		Metadata: make(map[string]interface{}),
	}
	streams := 0
	for _, info := range infos {
		raw, err := json.Marshal(info)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session %s: %w", info.ID, err)
		}
		data.Sessions[string(info.ID)] = raw
		if info.Snapshot != nil {
			streams += len(info.Snapshot.Streams)
		}
	}

	data.Metadata["session_count"] = len(infos)
	data.Metadata["stream_count"] = streams
	data.Metadata["backup_type"] = "scheduled"
	return data, nil
}
