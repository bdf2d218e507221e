package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".json"
	timeLayout = "20060102-150405.000"
)

var ErrNoBackups = errors.New("no backups found")

// BackupData is one archived set of session snapshots keyed by session id.
type BackupData struct {
	Version   string                     `json:"version"`
	Timestamp time.Time                  `json:"timestamp"`
	Sessions  map[string]json.RawMessage `json:"sessions"`
	Metadata  map[string]interface{}     `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService handles backup operations
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup stamps data with the service version and the current time
// and stores it under a name that sorts by creation time.
func (bs *BackupService) CreateBackup(ctx context.Context, data *BackupData) (string, error) {
	data.Version = bs.version
	data.Timestamp = bs.now().UTC()
	if data.Sessions == nil {
		data.Sessions = map[string]json.RawMessage{}
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := backupName(data.Timestamp)
	if err := bs.storage.Save(ctx, name, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup data: %w", err)
	}

	var backupData BackupData
	if err := json.Unmarshal(data, &backupData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup data: %w", err)
	}
	if backupData.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}
	return &backupData, nil
}

// ListBackups returns backup names, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if _, ok := parseBackupTime(name); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the name of the newest backup.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	return names[len(names)-1], nil
}

// DeleteBackup removes one backup by name.
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes backups created before cutoff and returns how many went.
// It stops at the first delete error.
func (bs *BackupService) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}

	deleted := 0
	for _, name := range names {
		created, _ := parseBackupTime(name)
		if !created.Before(cutoff) {
			continue
		}
		if err := bs.DeleteBackup(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		deleted++
	}
	return deleted, nil
}

func backupName(t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + nameSuffix
}

func parseBackupTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
