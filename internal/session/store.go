// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/coord"
	"github.com/vodbridge/vodbridge/internal/metrics"
)

// Store provides atomic access to connection state records. Read-modify-
// write sequences run under the per-session advisory lock; plain reads are
// lock-free and only feed advisory decisions.
type Store struct {
	client *redis.Client
	locker *coord.Locker
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore creates a Store. ttl is the session record expiry, refreshed on
// every write.
func NewStore(client *redis.Client, locker *coord.Locker, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{client: client, locker: locker, ttl: ttl, logger: logger}
}

func (s *Store) lock(ctx context.Context, sessionID string) (*coord.Lock, error) {
	lock, err := s.locker.Acquire(ctx, LockKey(sessionID))
	if err != nil {
		if errors.Is(err, coord.ErrNotAcquired) {
			metrics.LockTimeoutsTotal.Inc()
		}
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	return lock, nil
}

func (s *Store) save(ctx context.Context, rec *Record) error {
	fields, err := rec.toMap()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, Key(rec.SessionID), fields)
	pipe.Expire(ctx, Key(rec.SessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Create ensures a record exists for rec.SessionID. If one already exists
// it is left untouched and Create reports success; double creation under
// concurrent first requests is guarded by the session lock.
func (s *Store) Create(ctx context.Context, rec *Record) (created bool, err error) {
	lock, err := s.lock(ctx, rec.SessionID)
	if err != nil {
		return false, err
	}
	defer func() { _ = lock.Release(ctx) }()

	exists, err := s.client.Exists(ctx, Key(rec.SessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", rec.SessionID, err)
	}
	if exists > 0 {
		return false, nil
	}

	if rec.LastActivity.IsZero() {
		rec.LastActivity = time.Now()
	}
	if err := s.save(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch reads the current record without locking. A missing record yields
// (nil, nil); absence is an expected state, not an error.
func (s *Store) Fetch(ctx context.Context, sessionID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, Key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromMap(fields)
}

// IncrementActive bumps the active stream count under lock and refreshes
// activity. A return of 0 means the record vanished and the caller must
// treat the claim as failed.
func (s *Store) IncrementActive(ctx context.Context, sessionID string) (int, error) {
	lock, err := s.lock(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = lock.Release(ctx) }()

	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}

	rec.ActiveStreams++
	rec.LastActivity = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return 0, err
	}
	return rec.ActiveStreams, nil
}

// DecrementActive lowers the active stream count under lock with a floor
// of zero. It reports the new count and whether a decrement happened.
func (s *Store) DecrementActive(ctx context.Context, sessionID string) (int, bool, error) {
	lock, err := s.lock(ctx, sessionID)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = lock.Release(ctx) }()

	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return 0, false, err
	}
	if rec == nil || rec.ActiveStreams == 0 {
		return 0, false, nil
	}

	rec.ActiveStreams--
	rec.LastActivity = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return 0, false, err
	}
	return rec.ActiveStreams, true, nil
}

// HasActiveStreams is a lock-free advisory read.
func (s *Store) HasActiveStreams(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.ActiveStreams > 0, nil
}

// TransferOwnership moves the record to the given worker, counts the
// request and refreshes activity. Returns the updated record.
func (s *Store) TransferOwnership(ctx context.Context, sessionID, workerID string) (*Record, error) {
	lock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release(ctx) }()

	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	rec.Owner = workerID
	rec.RequestCount++
	rec.LastActivity = time.Now()
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PersistUpstreamMeta stores the negotiated final URL, content length and
// content type after the first successful upstream response. Fields are
// write-once: a populated value is never clobbered. The record is re-read
// under lock so a concurrently changed active count survives the merge.
func (s *Store) PersistUpstreamMeta(ctx context.Context, sessionID, finalURL string, contentLength int64, contentType string) error {
	lock, err := s.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	changed := false
	if rec.FinalURL == "" && finalURL != "" {
		rec.FinalURL = finalURL
		changed = true
	}
	if rec.ContentLength == 0 && contentLength > 0 {
		rec.ContentLength = contentLength
		changed = true
	}
	if rec.ContentType == "" && contentType != "" {
		rec.ContentType = contentType
		changed = true
	}
	if !changed {
		return nil
	}
	return s.save(ctx, rec)
}

// heartbeatScript refreshes liveness fields only while the record still
// exists. An unguarded HSET after a delete or TTL expiry would resurrect
// a two-field ghost hash with no identity.
var heartbeatScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "last_activity", ARGV[1], "bytes_sent", ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
return 1
`)

// Heartbeat refreshes liveness fields so other workers can observe that a
// stream is still being served. The write is atomic on its own, so no
// lock is taken; a vanished record is left vanished.
func (s *Store) Heartbeat(ctx context.Context, sessionID string, bytesSent int64) error {
	err := heartbeatScript.Run(ctx, s.client, []string{Key(sessionID)},
		time.Now().Unix(), bytesSent, int(s.ttl.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("heartbeat session %s: %w", sessionID, err)
	}
	return nil
}

// RecordSeek persists the last seek position for external progress
// reporting.
func (s *Store) RecordSeek(ctx context.Context, sessionID string, offset, total int64) error {
	percent := 0.0
	if total > 0 {
		percent = float64(offset) / float64(total) * 100
	}
	err := s.client.HSet(ctx, Key(sessionID),
		"seek_offset", offset,
		"seek_percent", strconv.FormatFloat(percent, 'f', -1, 64),
		"seek_total", total,
		"seek_at", time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("record seek for session %s: %w", sessionID, err)
	}
	return nil
}

// ReleaseFunc is invoked after a record is deleted so the linked provider
// profile counter can be returned exactly once.
type ReleaseFunc func(ctx context.Context, profileID string)

// Cleanup tears a session down if and only if it is idle. The idle check is
// first done lock-free; a positive result is then re-verified under the
// session lock, closing the race where a new stream claimed the session
// between the read and the delete. release, when non-nil, runs once after
// deletion with the record's profile id.
func (s *Store) Cleanup(ctx context.Context, sessionID string, release ReleaseFunc) error {
	busy, err := s.HasActiveStreams(ctx, sessionID)
	if err != nil {
		return err
	}
	if busy {
		// Another stream is using the record; only local resources may be
		// reclaimed, regardless of which worker owns it.
		return nil
	}

	lock, err := s.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release(ctx) }()

	rec, err := s.Fetch(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil || rec.ActiveStreams > 0 {
		return nil
	}

	if err := s.client.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if release != nil && rec.ProfileID != "" {
		release(ctx, rec.ProfileID)
	}
	s.logger.Debug().Str("session_id", sessionID).Msg("session record deleted")
	return nil
}

// Scan walks every session record. The keyspace holds only live sessions,
// so the walk is bounded by concurrent viewership, not catalog size.
func (s *Store) Scan(ctx context.Context, fn func(*Record) error) error {
	iter := s.client.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":lock") {
			continue
		}
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("scan read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromMap(fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable session record")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Err()
}
