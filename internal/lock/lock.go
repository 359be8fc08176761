package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrBusy = errors.New("lock held by another reviewer")

// DecisionLocker serialises reviewers working on the same key across replicas.
// The returned release func is always non-nil and safe to call once.
type DecisionLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type NoopLocker struct{}

func (NoopLocker) Acquire(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	held, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return func() {}, ErrBusy
	}
	if err != nil {
		return func() {}, err
	}
	return func() {
		_ = held.Release(context.WithoutCancel(ctx))
	}, nil
}
