// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLocker(t *testing.T, wait time.Duration) (*miniredis.Miniredis, *Locker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewLocker(client, 10*time.Second, wait)
}

func TestLockAcquireRelease(t *testing.T) {
	mr, locker := setupLocker(t, time.Second)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "session:abc:lock")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !mr.Exists("session:abc:lock") {
		t.Fatal("expected lock key to exist")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if mr.Exists("session:abc:lock") {
		t.Fatal("expected lock key to be gone after release")
	}
}

func TestLockContention(t *testing.T) {
	_, locker := setupLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "session:abc:lock")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// Second holder must time out within the wait budget.
	if _, err := locker.Acquire(ctx, "session:abc:lock"); err != ErrNotAcquired {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Now it should succeed again.
	second, err := locker.Acquire(ctx, "session:abc:lock")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	_ = second.Release(ctx)
}

func TestLockReleaseIsOwnershipChecked(t *testing.T) {
	mr, locker := setupLocker(t, 100*time.Millisecond)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "session:abc:lock")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Simulate expiry plus re-acquisition by another worker.
	mr.Del("session:abc:lock")
	other, err := locker.Acquire(ctx, "session:abc:lock")
	if err != nil {
		t.Fatalf("other acquire failed: %v", err)
	}

	// The stale holder's release must not free the other worker's lock.
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("stale release errored: %v", err)
	}
	if !mr.Exists("session:abc:lock") {
		t.Fatal("stale release deleted a lock it no longer owned")
	}
	_ = other.Release(ctx)
}

func TestLockMutualExclusion(t *testing.T) {
	_, locker := setupLocker(t, 2*time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var holders int
	var maxHolders int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := locker.Acquire(ctx, "session:shared:lock")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			_ = lock.Release(ctx)
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Fatalf("expected at most one concurrent holder, saw %d", maxHolders)
	}
}
