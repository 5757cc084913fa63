// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/vodbridge/vodbridge/internal/coord"
)

func TestSweepOnceReclaimsStaleIdleSessions(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	seedIdle(t, store, "stale", func(r *Record) {
		r.LastActivity = time.Now().Add(-10 * time.Minute)
	})
	seedIdle(t, store, "fresh", nil)

	sw := &Sweeper{
		Store:  store,
		Conf:   SweeperConfig{Interval: time.Minute, StaleAfter: 2 * time.Minute},
		Logger: zerolog.Nop(),
	}
	sw.SweepOnce(ctx)

	if mr.Exists(Key("stale")) {
		t.Error("stale idle session should have been reclaimed")
	}
	if !mr.Exists(Key("fresh")) {
		t.Error("fresh session must survive the sweep")
	}
}

func TestSweepOnceSparesActiveSessions(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	seedIdle(t, store, "busy", func(r *Record) {
		r.LastActivity = time.Now().Add(-10 * time.Minute)
	})
	if _, err := store.IncrementActive(ctx, "busy"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	// The increment refreshed activity; age it again to prove the active
	// count alone protects the record.
	mr.HSet(Key("busy"), "last_activity", "1")

	sw := &Sweeper{
		Store:  store,
		Conf:   SweeperConfig{Interval: time.Minute, StaleAfter: 2 * time.Minute},
		Logger: zerolog.Nop(),
	}
	sw.SweepOnce(ctx)

	if !mr.Exists(Key("busy")) {
		t.Error("session with active streams must never be swept")
	}
}

func TestSweepOnceSparesJustRefreshedSessions(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	seedIdle(t, store, "s1", func(r *Record) {
		r.LastActivity = time.Now().Add(-10 * time.Minute)
	})

	// A heartbeat lands just before the sweep runs.
	if err := store.Heartbeat(ctx, "s1", 0); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	sw := &Sweeper{
		Store:  store,
		Conf:   SweeperConfig{Interval: time.Minute, StaleAfter: 2 * time.Minute},
		Logger: zerolog.Nop(),
	}
	sw.SweepOnce(ctx)

	if !mr.Exists(Key("s1")) {
		t.Error("refreshed session must survive the sweep")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Set up miniredis inline instead of via setupStore: RunT's t.Cleanup
	// would close it after the deferred leak check, so its server
	// goroutines must be shut down by defers that run first.
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	locker := coord.NewLocker(client, 10*time.Second, 2*time.Second)
	store := NewStore(client, locker, time.Hour, zerolog.Nop())

	sw := &Sweeper{
		Store:  store,
		Conf:   SweeperConfig{Interval: 10 * time.Millisecond, StaleAfter: time.Minute},
		Logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}

func TestSweeperRunDisabledWithoutInterval(t *testing.T) {
	_, _, store := setupStore(t)

	sw := &Sweeper{Store: store, Conf: SweeperConfig{}, Logger: zerolog.Nop()}

	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper with zero interval should return immediately")
	}
}
