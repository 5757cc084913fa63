// SPDX-License-Identifier: MIT

// Package orchestrator drives the full life of one client playback
// request: session matching or creation, capacity reservation, the
// upstream fetch, chunked delivery and race-safe teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/capacity"
	"github.com/vodbridge/vodbridge/internal/catalog"
	"github.com/vodbridge/vodbridge/internal/metrics"
	"github.com/vodbridge/vodbridge/internal/session"
	"github.com/vodbridge/vodbridge/internal/upstream"
)

// Config holds the orchestrator tunables.
type Config struct {
	WorkerID         string
	ChunkSize        int
	StopPollChunks   int
	ActivityChunks   int
	CleanupDelay     time.Duration
	DefaultUserAgent string
}

// Manager coordinates playback requests for one worker process. It is
// constructed once per process and shared by all request handlers; no
// implicit global state.
type Manager struct {
	cfg      Config
	store    *session.Store
	caps     *capacity.Reservations
	matcher  *session.Matcher
	fetcher  *upstream.Fetcher
	redis    *redis.Client
	local    *xsync.MapOf[string, *Stream]
	cleanups *ants.Pool
	logger   zerolog.Logger
}

// New wires a Manager. The cleanup pool bounds how many delayed teardown
// tasks can run at once.
func New(cfg Config, store *session.Store, caps *capacity.Reservations, matcher *session.Matcher, fetcher *upstream.Fetcher, rdb *redis.Client, logger zerolog.Logger) (*Manager, error) {
	pool, err := ants.NewPool(32, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create cleanup pool: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		caps:     caps,
		matcher:  matcher,
		fetcher:  fetcher,
		redis:    rdb,
		local:    xsync.NewMapOf[string, *Stream](),
		cleanups: pool,
		logger:   logger,
	}, nil
}

// Close releases the cleanup pool.
func (m *Manager) Close() {
	m.cleanups.Release()
}

// LocalStreamCount reports how many streams this worker is serving.
func (m *Manager) LocalStreamCount() int {
	return m.local.Size()
}

// PlayRequest describes one inbound playback request.
type PlayRequest struct {
	SessionID   string // optional; generated when empty and nothing matches
	ClientID    string // identity the stop signal is keyed on
	Content     *catalog.Content
	ClientIP    string
	UserAgent   string // the client's own agent
	Timeshift   upstream.Timeshift
	RangeHeader string
}

// Play runs steps one through five of a request: claim or create the
// session, reserve capacity, open the upstream fetch. The returned Stream
// carries the response metadata and the byte loop; the caller must Close
// it on every exit path.
func (m *Manager) Play(ctx context.Context, req PlayRequest) (*Stream, error) {
	if req.Content == nil {
		return nil, errors.New("orchestrator: request without content")
	}
	profile := req.Content.Profile

	sessionID, claimed, reserved, err := m.claimOrCreate(ctx, &req)
	if err != nil {
		return nil, err
	}

	logger := m.logger.With().Str("session_id", sessionID).Logger()

	// Ownership moves to this worker on every request, created or reused.
	rec, err := m.store.TransferOwnership(ctx, sessionID, m.cfg.WorkerID)
	if err != nil {
		m.abort(ctx, sessionID, profile.ID, reserved)
		return nil, err
	}
	if rec == nil {
		m.abort(ctx, sessionID, profile.ID, reserved)
		return nil, ErrSessionVanished
	}
	if claimed {
		metrics.SessionsReusedTotal.Inc()
	}

	// Validate the client range against the known size. First requests do
	// not know the size yet; the raw header is forwarded upstream instead.
	var span *upstream.ByteRange
	rawRange := ""
	if req.RangeHeader != "" {
		if rec.ContentLength > 0 {
			span, err = upstream.ParseRange(req.RangeHeader, rec.ContentLength)
			if err != nil {
				m.abort(ctx, sessionID, profile.ID, reserved)
				return nil, err
			}
		} else {
			rawRange = req.RangeHeader
		}
	}

	fetchURL := rec.FinalURL
	if fetchURL == "" {
		fetchURL = rec.StreamURL
	}
	handle, err := m.fetcher.Open(ctx, upstream.Request{
		URL:      fetchURL,
		Headers:  rec.RequestHeaders,
		Range:    span,
		RawRange: rawRange,
	})
	if err != nil {
		metrics.UpstreamErrorsTotal.Inc()
		m.abort(ctx, sessionID, profile.ID, reserved)
		return nil, err
	}

	// The provider's answer and the client's range must agree before the
	// response headers are built. A raw-forwarded range the provider
	// honoured still owes the client a 206, so the echoed window is
	// adopted; a validated range the provider ignored (200, full body)
	// has the requested window carved out of the body so the 206 headers
	// stay truthful.
	body := handle.Body
	switch {
	case span == nil && handle.Partial && handle.Span != nil:
		span = handle.Span
	case span != nil && !handle.Partial:
		body = upstream.NewWindowReader(handle.Body, span.Start, span.Length())
	}

	// First successful response: persist the negotiated metadata so later
	// requests (on any worker) can validate ranges and skip redirects.
	if rec.ContentLength == 0 || rec.FinalURL == "" || rec.ContentType == "" {
		if err := m.store.PersistUpstreamMeta(ctx, sessionID, handle.FinalURL, handle.TotalSize, handle.ContentType); err != nil {
			logger.Warn().Err(err).Msg("failed to persist upstream metadata")
		}
	}

	total := rec.ContentLength
	if total == 0 {
		total = handle.TotalSize
	}
	if span != nil {
		if err := m.store.RecordSeek(ctx, sessionID, span.Start, total); err != nil {
			logger.Warn().Err(err).Msg("failed to record seek position")
		}
	}

	stream := &Stream{
		m:           m,
		logger:      logger,
		SessionID:   sessionID,
		ClientID:    req.ClientID,
		Kind:        req.Content.Kind,
		ProfileID:   profile.ID,
		Body:        body,
		ContentType: firstNonEmpty(rec.ContentType, handle.ContentType),
		TotalSize:   total,
		Span:        span,
		baseBytes:   rec.BytesSent,
		openedAt:    time.Now(),
	}
	m.local.Store(stream.token(), stream)
	metrics.ActiveStreams.Inc()
	return stream, nil
}

// claimOrCreate performs steps one through four: match-and-claim, or
// create-or-reuse by session id, reserving capacity on new records and
// 0-to-1 transitions. It reports whether a matched session was claimed
// and whether this invocation holds a reservation that later failure
// paths must roll back.
func (m *Manager) claimOrCreate(ctx context.Context, req *PlayRequest) (sessionID string, claimed, reserved bool, err error) {
	profile := req.Content.Profile

	// Step 1: try to reuse an idle session. The claim (increment) happens
	// immediately so a concurrent sweep cannot delete the record between
	// the match and its use.
	if req.SessionID == "" {
		match, err := m.matcher.FindIdle(ctx, session.MatchQuery{
			ContentKind: req.Content.Kind,
			ContentID:   req.Content.ID,
			ClientIP:    req.ClientIP,
			UserAgent:   req.UserAgent,
			UTCStart:    req.Timeshift.UTCStart,
			UTCEnd:      req.Timeshift.UTCEnd,
			Offset:      req.Timeshift.Offset,
		})
		if err != nil {
			return "", false, false, err
		}
		if match != nil {
			if err := m.checkRange(ctx, match.SessionID, req.RangeHeader); err != nil {
				return "", false, false, err
			}
			n, err := m.store.IncrementActive(ctx, match.SessionID)
			if err != nil {
				return "", false, false, err
			}
			if n > 0 {
				if n == 1 {
					ok, err := m.caps.Reserve(ctx, profile.ID, profile.MaxConnections)
					if err != nil {
						m.releaseClaim(ctx, match.SessionID)
						return "", false, false, err
					}
					if !ok {
						m.releaseClaim(ctx, match.SessionID)
						return "", false, false, ErrCapacityExceeded
					}
					reserved = true
				}
				return match.SessionID, true, reserved, nil
			}
			// The record vanished under the claim; fall through and create.
		}
	}

	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	existing, err := m.store.Fetch(ctx, sessionID)
	if err != nil {
		return "", false, false, err
	}

	if existing == nil {
		// Step 3: brand-new session. Reserve before any state is created
		// so capacity exhaustion leaves no side effects at all.
		ok, err := m.caps.Reserve(ctx, profile.ID, profile.MaxConnections)
		if err != nil {
			return "", false, false, err
		}
		if !ok {
			return "", false, false, ErrCapacityExceeded
		}
		reserved = true

		rec, err := m.buildRecord(sessionID, req)
		if err != nil {
			m.releaseSlot(ctx, profile.ID)
			return "", false, false, err
		}
		created, err := m.store.Create(ctx, rec)
		if err != nil {
			m.releaseSlot(ctx, profile.ID)
			return "", false, false, err
		}
		if created {
			metrics.SessionsCreatedTotal.Inc()
		}
	} else if err := m.checkRange(ctx, sessionID, req.RangeHeader); err != nil {
		// Step 4 guard: an unsatisfiable range consumes nothing.
		return "", false, false, err
	}

	n, err := m.store.IncrementActive(ctx, sessionID)
	if err != nil {
		if reserved {
			m.releaseSlot(ctx, profile.ID)
		}
		return "", false, false, err
	}
	if n == 0 {
		if reserved {
			m.releaseSlot(ctx, profile.ID)
		}
		return "", false, false, ErrSessionVanished
	}

	switch {
	case n == 1 && !reserved:
		// Reuse of an existing idle record: this is the 0-to-1 transition,
		// detected from the increment's return value.
		ok, err := m.caps.Reserve(ctx, profile.ID, profile.MaxConnections)
		if err != nil {
			m.releaseClaim(ctx, sessionID)
			return "", false, false, err
		}
		if !ok {
			m.releaseClaim(ctx, sessionID)
			return "", false, false, ErrCapacityExceeded
		}
		reserved = true
	case n > 1 && reserved:
		// Lost a create race: another request already backs this session
		// with its own reservation, ours is surplus.
		m.releaseSlot(ctx, profile.ID)
		reserved = false
	}

	return sessionID, false, reserved, nil
}

// checkRange validates a client range against an existing record's known
// content length before any state is mutated.
func (m *Manager) checkRange(ctx context.Context, sessionID, rangeHeader string) error {
	if rangeHeader == "" {
		return nil
	}
	rec, err := m.store.Fetch(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil || rec.ContentLength == 0 {
		return nil
	}
	_, err = upstream.ParseRange(rangeHeader, rec.ContentLength)
	return err
}

func (m *Manager) buildRecord(sessionID string, req *PlayRequest) (*session.Record, error) {
	streamURL, err := upstream.RewriteURL(req.Content.StreamURL, req.Timeshift)
	if err != nil {
		return nil, err
	}

	// Providers often gate on a specific agent, so the account-level one
	// wins over whatever the client sent.
	ua := firstNonEmpty(req.Content.Profile.UserAgent, req.UserAgent, m.cfg.DefaultUserAgent)

	return &session.Record{
		SessionID:      sessionID,
		StreamURL:      streamURL,
		RequestHeaders: map[string]string{"User-Agent": ua},
		Owner:          m.cfg.WorkerID,
		ContentKind:    req.Content.Kind,
		ContentID:      req.Content.ID,
		ContentName:    req.Content.DisplayName,
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
		UTCStart:       req.Timeshift.UTCStart,
		UTCEnd:         req.Timeshift.UTCEnd,
		Offset:         req.Timeshift.Offset,
		ProfileID:      req.Content.Profile.ID,
	}, nil
}

// releaseClaim undoes an increment whose request is failing before any
// bytes flowed.
func (m *Manager) releaseClaim(ctx context.Context, sessionID string) {
	if _, _, err := m.store.DecrementActive(ctx, sessionID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to roll back stream claim")
	}
}

func (m *Manager) releaseSlot(ctx context.Context, profileID string) {
	if err := m.caps.Release(ctx, profileID); err != nil {
		m.logger.Error().Err(err).Str("profile", profileID).Msg("failed to release capacity slot")
	}
}

// abort is the failure exit for errors discovered after the session was
// claimed but before streaming began: the claim is undone and the slot
// returned at the observed drop to idle, mirroring Stream.Close.
func (m *Manager) abort(ctx context.Context, sessionID, profileID string, reserved bool) {
	n, ok, err := m.store.DecrementActive(ctx, sessionID)
	if err != nil || !ok {
		if err != nil {
			m.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to decrement during abort")
		}
		// The record is gone or unreadable; only a reservation this
		// request made itself can be returned safely.
		if reserved {
			m.releaseSlot(ctx, profileID)
		}
		return
	}
	if n == 0 {
		m.releaseSlot(ctx, profileID)
		if err := m.store.Cleanup(ctx, sessionID, nil); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("abort cleanup failed")
		}
	}
}

// stopRequested consumes the client's stop key if present.
func (m *Manager) stopRequested(ctx context.Context, clientID string) bool {
	if clientID == "" {
		return false
	}
	val, err := m.redis.GetDel(ctx, session.StopKey(clientID)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("client_id", clientID).Msg("stop key check failed")
		return false
	}
	return val != ""
}

// RequestStop sets the stop key that force-terminates a client's stream.
func (m *Manager) RequestStop(ctx context.Context, clientID string) error {
	return m.redis.Set(ctx, session.StopKey(clientID), "1", time.Minute).Err()
}

// scheduleCleanup runs an ownership-checked teardown after the grace
// delay, giving a near-simultaneous reconnect time to reuse the session.
// The bounded pool makes the failure mode explicit: when it is saturated
// the task is skipped and the stale sweeper picks the record up later.
func (m *Manager) scheduleCleanup(sessionID string) {
	time.AfterFunc(m.cfg.CleanupDelay, func() {
		err := m.cleanups.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.store.Cleanup(ctx, sessionID, nil); err != nil {
				m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("delayed cleanup failed")
			}
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("cleanup pool saturated, leaving record to the sweeper")
		}
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
