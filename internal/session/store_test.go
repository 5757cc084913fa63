// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/coord"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := coord.NewLocker(client, 10*time.Second, 2*time.Second)
	store := NewStore(client, locker, time.Hour, zerolog.Nop())
	return mr, client, store
}

func testRecord(id string) *Record {
	return &Record{
		SessionID:   id,
		StreamURL:   "http://provider.example/movie/u/p/42.mkv",
		ContentKind: KindMovie,
		ContentID:   "42",
		ContentName: "Example Movie",
		ClientIP:    "10.0.0.5",
		UserAgent:   "VLC/3.0.20",
		ProfileID:   "7",
		RequestHeaders: map[string]string{
			"User-Agent": "VLC/3.0.20",
		},
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, testRecord("s1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created {
		t.Fatal("first create should report created")
	}

	second := testRecord("s1")
	second.ContentName = "Should Not Overwrite"
	created, err = store.Create(ctx, second)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Fatal("second create must not recreate")
	}

	rec, err := store.Fetch(ctx, "s1")
	if err != nil || rec == nil {
		t.Fatalf("fetch failed: rec=%v err=%v", rec, err)
	}
	if rec.ContentName != "Example Movie" {
		t.Errorf("existing record was overwritten: %q", rec.ContentName)
	}
	if rec.RequestHeaders["User-Agent"] != "VLC/3.0.20" {
		t.Errorf("request headers did not round-trip: %v", rec.RequestHeaders)
	}
}

func TestCreateSetsTTL(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if ttl := mr.TTL(Key("s1")); ttl <= 0 || ttl > time.Hour {
		t.Errorf("expected a TTL up to 1h on the record, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	rec, err := store.Fetch(ctx, "s1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if rec != nil {
		t.Error("record should have expired")
	}
}

func TestFetchAbsent(t *testing.T) {
	_, _, store := setupStore(t)

	rec, err := store.Fetch(context.Background(), "nope")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if rec != nil {
		t.Error("expected nil record for absent session")
	}
}

func TestIncrementDecrementActive(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	n, err := store.IncrementActive(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("first increment: n=%d err=%v", n, err)
	}
	n, err = store.IncrementActive(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("second increment: n=%d err=%v", n, err)
	}

	n, ok, err := store.DecrementActive(ctx, "s1")
	if err != nil || !ok || n != 1 {
		t.Fatalf("first decrement: n=%d ok=%v err=%v", n, ok, err)
	}
	n, ok, err = store.DecrementActive(ctx, "s1")
	if err != nil || !ok || n != 0 {
		t.Fatalf("second decrement: n=%d ok=%v err=%v", n, ok, err)
	}

	// Floor: already at zero.
	_, ok, err = store.DecrementActive(ctx, "s1")
	if err != nil {
		t.Fatalf("floored decrement errored: %v", err)
	}
	if ok {
		t.Fatal("decrement below zero must be a no-op")
	}

	rec, _ := store.Fetch(ctx, "s1")
	if rec.ActiveStreams != 0 {
		t.Fatalf("active count went negative: %d", rec.ActiveStreams)
	}
}

func TestIncrementActiveOnMissingRecord(t *testing.T) {
	_, _, store := setupStore(t)

	n, err := store.IncrementActive(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("increment errored: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 for vanished record, got %d", n)
	}
}

func TestPersistUpstreamMetaIsWriteOnce(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.IncrementActive(ctx, "s1"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	err := store.PersistUpstreamMeta(ctx, "s1", "http://cdn.example/42.mkv", 5000, "video/x-matroska")
	if err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	// Later writes must not clobber negotiated values with defaults.
	err = store.PersistUpstreamMeta(ctx, "s1", "http://other.example/", 9999, "video/mp4")
	if err != nil {
		t.Fatalf("second persist failed: %v", err)
	}

	rec, _ := store.Fetch(ctx, "s1")
	if rec.FinalURL != "http://cdn.example/42.mkv" {
		t.Errorf("final URL clobbered: %q", rec.FinalURL)
	}
	if rec.ContentLength != 5000 {
		t.Errorf("content length clobbered: %d", rec.ContentLength)
	}
	if rec.ContentType != "video/x-matroska" {
		t.Errorf("content type clobbered: %q", rec.ContentType)
	}
	// The merge must keep the concurrently bumped active count.
	if rec.ActiveStreams != 1 {
		t.Errorf("active count lost in merge: %d", rec.ActiveStreams)
	}
}

func TestCleanupLeavesBusySessions(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.IncrementActive(ctx, "s1"); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	released := 0
	err := store.Cleanup(ctx, "s1", func(ctx context.Context, profileID string) { released++ })
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if released != 0 {
		t.Error("busy session must not release capacity")
	}

	rec, _ := store.Fetch(ctx, "s1")
	if rec == nil {
		t.Fatal("busy session record must survive cleanup")
	}
}

func TestCleanupDeletesIdleSessions(t *testing.T) {
	mr, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var releasedProfile string
	released := 0
	err := store.Cleanup(ctx, "s1", func(ctx context.Context, profileID string) {
		releasedProfile = profileID
		released++
	})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if released != 1 || releasedProfile != "7" {
		t.Errorf("expected exactly one release for profile 7, got %d for %q", released, releasedProfile)
	}
	if mr.Exists(Key("s1")) {
		t.Error("idle session record should be deleted")
	}
}

// TestCleanupRecheckUnderLock simulates the cross-worker race: worker B
// reads an apparently idle record, but worker A's increment lands before
// B's lock-protected re-check. B must not delete the record A is using.
func TestCleanupRecheckUnderLock(t *testing.T) {
	_, client, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Hold the session lock so B's cleanup stalls between its lock-free
	// read and its re-check.
	blocker := coord.NewLocker(client, 10*time.Second, time.Second)
	held, err := blocker.Acquire(ctx, LockKey("s1"))
	if err != nil {
		t.Fatalf("pre-acquire failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- store.Cleanup(ctx, "s1", nil)
	}()

	// Let cleanup pass its first read and block on the lock, then land
	// worker A's increment directly.
	time.Sleep(100 * time.Millisecond)
	if err := client.HSet(ctx, Key("s1"), "active_streams", 1).Err(); err != nil {
		t.Fatalf("simulated increment failed: %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("lock release failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("cleanup errored: %v", err)
	}

	rec, _ := store.Fetch(ctx, "s1")
	if rec == nil {
		t.Fatal("cleanup deleted a record another worker had claimed")
	}
	if rec.ActiveStreams != 1 {
		t.Fatalf("expected active count 1 to survive, got %d", rec.ActiveStreams)
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	rec := testRecord("s1")
	rec.LastActivity = time.Now().Add(-10 * time.Minute)
	if _, err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := store.Heartbeat(ctx, "s1", 123456); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	got, _ := store.Fetch(ctx, "s1")
	if got.BytesSent != 123456 {
		t.Errorf("bytes sent not persisted: %d", got.BytesSent)
	}
	if time.Since(got.LastActivity) > time.Minute {
		t.Errorf("last activity not refreshed: %v", got.LastActivity)
	}
}

func TestHeartbeatDoesNotResurrectDeletedRecord(t *testing.T) {
	_, client, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := client.Del(ctx, Key("s1")).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}

	// The stream kept heartbeating past the delete; the record must stay
	// gone rather than come back as a hash with no identity fields.
	if err := store.Heartbeat(ctx, "s1", 4096); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	exists, err := client.Exists(ctx, Key("s1")).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists != 0 {
		t.Fatal("heartbeat resurrected a deleted session record")
	}
}

func TestRecordSeek(t *testing.T) {
	_, _, store := setupStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.RecordSeek(ctx, "s1", 1000, 5000); err != nil {
		t.Fatalf("record seek failed: %v", err)
	}

	rec, _ := store.Fetch(ctx, "s1")
	if rec.SeekOffset != 1000 || rec.SeekTotal != 5000 {
		t.Errorf("seek fields wrong: offset=%d total=%d", rec.SeekOffset, rec.SeekTotal)
	}
	if rec.SeekPercent != 20 {
		t.Errorf("expected 20%%, got %v", rec.SeekPercent)
	}
	if rec.SeekAt.IsZero() {
		t.Error("seek timestamp missing")
	}
}

func TestScanSkipsLockKeys(t *testing.T) {
	_, client, store := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Create(ctx, testRecord(id)); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	// A live lock key must not confuse the scan.
	if err := client.Set(ctx, LockKey("a"), "token", time.Minute).Err(); err != nil {
		t.Fatalf("set lock key failed: %v", err)
	}

	seen := map[string]bool{}
	err := store.Scan(ctx, func(rec *Record) error {
		seen[rec.SessionID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Errorf("unexpected scan result: %v", seen)
	}
}
