package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a token-checked
// release. Markets are mutated only while holding "market:{id}".
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	retries  int
	backoff  time.Duration
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager. Acquire retries a held lock up to
// retries times, sleeping backoff between attempts.
func NewLockManager(c *Client, retries int, backoff time.Duration) *LockManager {
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		retries:  retries,
		backoff:  backoff,
	}
}

func lockKey(key string) string { return "lock:" + key }

// Acquire obtains the lock for key. The returned unlock is idempotent. It
// returns domain.ErrLockHeld once the retries are exhausted.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	for attempt := 0; ; attempt++ {
		ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if attempt >= lm.retries {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(domain.ErrLockHeld, ctx.Err())
		case <-time.After(lm.backoff):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}
