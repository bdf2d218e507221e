package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "callgrid:schema:version"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Snapshot index set. SMEMBERS on a missing key is already empty,
			// so this only drops a stale index of the wrong type.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				indexKey := snapshotPrefix + "index"
				kind, err := client.Type(ctx, indexKey).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "set" {
					return client.Del(ctx, indexKey).Err()
				}
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, snapshotPrefix+"index").Err()
			},
		},
		{
			// Rebuild the index from stored snapshot keys.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				indexKey := snapshotPrefix + "index"
				iter := client.Scan(ctx, 0, snapshotPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if key == indexKey {
						continue
					}
					id := strings.TrimPrefix(key, snapshotPrefix)
					if err := client.SAdd(ctx, indexKey, id).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
	}
}
