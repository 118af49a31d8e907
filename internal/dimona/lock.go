package dimona

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker hands out scope leases backed by Redis.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker constructs a locker on top of an existing Redis client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Obtain acquires the lease for key without waiting. ErrLockNotObtained is
// returned when another pass holds it.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("dimona: locker not configured")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockNotObtained
		}
		return nil, err
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
	once sync.Once
	err  error
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return ErrLockLost
		}
		return err
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.err = err
		}
	})
	return l.err
}
