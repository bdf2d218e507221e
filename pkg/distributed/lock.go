package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

// Deletes the key only while it still holds our value.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Extends the TTL only while the key still holds our value.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a Redis lease renewed in the background until Unlock.
type DistributedLock struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration

	stopOnce  sync.Once
	stopRenew chan struct{}
}

// NewDistributedLock creates a lock whose value is holder plus a random
// suffix, so the holder can be read back from Redis.
func NewDistributedLock(client redis.UniversalClient, key, holder string, ttl time.Duration) *DistributedLock {
	value := uuid.NewString()
	if holder != "" {
		value = holder + "/" + value
	}
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     value,
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// LockWithTimeout blocks until the lock is acquired, ctx is done or timeout
// elapses.
// A zero timeout waits up to 30 seconds.
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryLock attempts to acquire the lock without blocking. Renewal outlives
// ctx and stops on Unlock.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}

	if acquired {
		go l.renewLock(context.WithoutCancel(ctx))
	}
	return acquired, nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			if err != nil || renewed == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// Holder returns the holder prefix of whoever currently owns key, or "" when
// the key is free.
func Holder(ctx context.Context, client redis.UniversalClient, key string) (string, error) {
	value, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == '/' {
			return value[:i], nil
		}
	}
	return "", nil
}

// LockManager manages distributed locks
type LockManager struct {
	client redis.UniversalClient
	prefix string
	holder string
}

func NewLockManager(client redis.UniversalClient, prefix, holder string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
		holder: holder,
	}
}

func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.holder, ttl)
}

// Holder returns the holder of key under this manager's prefix.
func (lm *LockManager) Holder(ctx context.Context, key string) (string, error) {
	return Holder(ctx, lm.client, lm.prefix+key)
}
