package rungate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseKey = "smtre:scheduler:lease"
	DefaultLeaseTTL = 3 * time.Minute
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLease grants scheduled work to whichever node holds a TTL'd key.
// The holder renews the lease on every check and, through Hold, throughout a
// tick; a crashed holder loses it once the TTL expires.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
}

// LeaseOption configures a RedisLease.
type LeaseOption func(*RedisLease)

func WithLeaseKey(key string) LeaseOption {
	return func(l *RedisLease) { l.key = key }
}

// WithLeaseTTL sets the lease lifetime. It should exceed the tick interval.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(l *RedisLease) { l.ttl = ttl }
}

// WithOwner overrides the random owner token.
func WithOwner(owner string) LeaseOption {
	return func(l *RedisLease) { l.owner = owner }
}

func NewRedisLease(client redis.UniversalClient, opts ...LeaseOption) *RedisLease {
	l := &RedisLease{
		client: client,
		key:    DefaultLeaseKey,
		owner:  uuid.NewString(),
		ttl:    DefaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allowed acquires or renews the lease. Redis errors close the gate.
func (l *RedisLease) Allowed(ctx context.Context) bool {
	ok, err := l.acquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "RedisLease.Allowed: lease check failed, skipping", "key", l.key, "error", err)
		return false
	}
	return ok
}

func (l *RedisLease) acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if ok {
		slog.InfoContext(ctx, "RedisLease: lease acquired", "key", l.key, "owner", l.owner)
		return true, nil
	}
	return l.renew(ctx)
}

func (l *RedisLease) renew(ctx context.Context) (bool, error) {
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Hold renews the lease every third of its TTL until release is called. lost
// is closed when a renewal fails or finds the lease owned by another node.
func (l *RedisLease) Hold(ctx context.Context) (<-chan struct{}, func()) {
	lost := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := l.ttl / 3
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := l.renew(context.WithoutCancel(ctx))
			if err != nil || !ok {
				slog.WarnContext(ctx, "RedisLease.Hold: lease lost during tick", "key", l.key, "owner", l.owner, "error", err)
				close(lost)
				return
			}
		}
	}()
	var once sync.Once
	return lost, func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// Release deletes the lease if this node still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Owner returns the token identifying this node.
func (l *RedisLease) Owner() string {
	return l.owner
}
