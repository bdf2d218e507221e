package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/pkg/backup"

	"go.uber.org/zap"
)

// SessionRestorer recreates a session from archived info.
type SessionRestorer interface {
	Restore(ctx context.Context, saved *domain.SessionInfo) (*domain.SessionInfo, error)
}

// RestoreOptions contains restore options
type RestoreOptions struct {
	// MaxAge skips a backup taken longer ago than this. Zero restores any
	// age.
	MaxAge time.Duration
	// IncludeEnded also restores sessions whose call had ended.
	IncludeEnded bool
}

type RestoreResult struct {
	Backup   string `json:"backup"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// RestoreService loads archived sessions back into the session service.
type RestoreService struct {
	backupService *backup.BackupService
	sessions      SessionRestorer
	logger        *zap.SugaredLogger
	now           func() time.Time
}

func NewRestoreService(backupService *backup.BackupService, sessions SessionRestorer, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
	}
}

// RestoreLatest restores the newest backup. Having no backup at all is not
// an error.
func (rs *RestoreService) RestoreLatest(ctx context.Context, options RestoreOptions) (*RestoreResult, error) {
	name, err := rs.backupService.Latest(ctx)
	if errors.Is(err, backup.ErrNoBackups) {
		rs.logger.Info("no backup to restore")
		return &RestoreResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest backup: %w", err)
	}
	return rs.RestoreFromBackup(ctx, name, options)
}

// RestoreFromBackup restores every session of one backup. Sessions that
// already exist are skipped and failures of single sessions are counted,
// not returned.
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, name string, options RestoreOptions) (*RestoreResult, error) {
	data, err := rs.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{Backup: name}
	if options.MaxAge > 0 && rs.now().Sub(data.Timestamp) > options.MaxAge {
		rs.logger.Warnw("backup too old, not restoring",
			"backup_name", name,
			"taken_at", data.Timestamp,
			"max_age", options.MaxAge,
		)
		result.Skipped = len(data.Sessions)
		return result, nil
	}

	ids := make([]string, 0, len(data.Sessions))
	for id := range data.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var info domain.SessionInfo
		if err := json.Unmarshal(data.Sessions[id], &info); err != nil {
			rs.logger.Warnw("failed to decode archived session", "session_id", id, "error", err)
			result.Failed++
			continue
		}
		if info.ID == "" {
			info.ID = domain.SessionID(id)
		}
		if !options.IncludeEnded && info.Snapshot != nil && info.Snapshot.CallState == domain.CallStateEnded {
			result.Skipped++
			continue
		}

		if _, err := rs.sessions.Restore(ctx, &info); err != nil {
			if errors.Is(err, domain.ErrSessionExists) {
				rs.logger.Debugw("skipping existing session", "session_id", id)
				result.Skipped++
				continue
			}
			rs.logger.Warnw("failed to restore session", "session_id", id, "error", err)
			result.Failed++
			continue
		}
		result.Restored++
	}

	rs.logger.Infow("restore completed",
		"backup_name", name,
		"restored", result.Restored,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
