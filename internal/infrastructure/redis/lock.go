package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("referral lock not acquired")
)

// Locker guards the read-modify-write of a single referral across API
// replicas.
type Locker interface {
	WithReferralLock(ctx context.Context, referralID string, fn func(ctx context.Context) error) error
}

type redisReferralLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReferralLocker creates a locker that uses a per referral Redis key
func NewRedisReferralLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisReferralLocker{
		client: client,
		ttl:    ttl,
	}
}

func lockKey(referralID string) string {
	return fmt.Sprintf("lock:referral:%s", referralID)
}

func (l *redisReferralLocker) WithReferralLock(ctx context.Context, referralID string, fn func(ctx context.Context) error) error {
	key := lockKey(referralID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire referral lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisReferralLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release referral lock: %w", err)
	}
	return nil
}

// NoopLocker runs fn directly. It suits a single process where the
// repository's compare-and-swap is the only guard needed.
type NoopLocker struct{}

func (NoopLocker) WithReferralLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
