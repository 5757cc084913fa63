// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when a lock could not be taken within the
// bounded wait. Callers treat it as transient and fail the operation
// without mutating shared state.
var ErrNotAcquired = errors.New("coord: lock not acquired within wait budget")

// releaseScript deletes the lock key only if it still carries our token,
// so an expired lock re-acquired by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out advisory locks backed by SET NX with expiry.
type Locker struct {
	client *redis.Client
	ttl    time.Duration // lock key expiry, the crash backstop
	wait   time.Duration // bounded acquisition budget
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder can
// stall others; wait bounds how long Acquire polls under contention.
func NewLocker(client *redis.Client, ttl, wait time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl, wait: wait}
}

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock for key, polling with backoff until the wait
// budget or ctx expires.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release gives the lock back. Releasing a lock that expired and was
// re-acquired elsewhere is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err()
}

// Key returns the Redis key the lock guards.
func (lk *Lock) Key() string {
	return lk.key
}
