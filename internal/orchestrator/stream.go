// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/metrics"
	"github.com/vodbridge/vodbridge/internal/upstream"
)

// Stream is one live byte flow from an upstream to a client. Copy moves
// the bytes; Close tears the stream down and is safe to call more than
// once and from any goroutine.
type Stream struct {
	m      *Manager
	logger zerolog.Logger

	SessionID string
	ClientID  string
	Kind      string
	ProfileID string

	Body        io.ReadCloser
	ContentType string
	TotalSize   int64
	Span        *upstream.ByteRange

	baseBytes int64
	sent      int64
	openedAt  time.Time
	closed    atomic.Bool
}

// Status is the HTTP status the response should carry.
func (s *Stream) Status() int {
	if s.Span != nil {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

// ContentLength is the span length for partial responses, the full size
// otherwise, and -1 when the size is unknown.
func (s *Stream) ContentLength() int64 {
	if s.Span != nil {
		return s.Span.Length()
	}
	if s.TotalSize > 0 {
		return s.TotalSize
	}
	return -1
}

// ContentRange returns the Content-Range header value for partial
// responses, or the empty string.
func (s *Stream) ContentRange() string {
	if s.Span == nil {
		return ""
	}
	return s.Span.ContentRange(s.TotalSize)
}

// BytesSent reports how many bytes this stream has delivered so far.
func (s *Stream) BytesSent() int64 {
	return atomic.LoadInt64(&s.sent)
}

func (s *Stream) token() string {
	return s.SessionID + "/" + s.ClientID
}

// Copy pumps upstream bytes to w in fixed-size chunks until the body is
// drained, the context is cancelled, or a stop signal arrives. Every few
// chunks it polls the stop key and heartbeats the session so other
// workers see it as live.
func (s *Stream) Copy(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, s.m.cfg.ChunkSize)

	kind := s.Kind
	if kind == "" {
		kind = "unknown"
	}
	chunks := 0
	for {
		select {
		case <-ctx.Done():
			metrics.StreamEndTotal.WithLabelValues("client_gone").Inc()
			return ctx.Err()
		default:
		}

		n, readErr := s.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				metrics.StreamEndTotal.WithLabelValues("client_gone").Inc()
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			atomic.AddInt64(&s.sent, int64(n))
			metrics.BytesSentTotal.WithLabelValues(kind).Add(float64(n))
			chunks++

			if s.m.cfg.StopPollChunks > 0 && chunks%s.m.cfg.StopPollChunks == 0 {
				if s.m.stopRequested(ctx, s.ClientID) {
					metrics.StreamEndTotal.WithLabelValues("stopped").Inc()
					return ErrStopRequested
				}
			}
			if s.m.cfg.ActivityChunks > 0 && chunks%s.m.cfg.ActivityChunks == 0 {
				if err := s.m.store.Heartbeat(ctx, s.SessionID, s.baseBytes+s.BytesSent()); err != nil {
					s.logger.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				metrics.StreamEndTotal.WithLabelValues("completed").Inc()
				return nil
			}
			metrics.StreamEndTotal.WithLabelValues("upstream_error").Inc()
			metrics.UpstreamErrorsTotal.Inc()
			return readErr
		}
	}
}

// Close ends the stream exactly once: the upstream body is closed, the
// session's stream count is dropped, and on the last stream out the
// capacity slot is returned immediately while the record itself is left
// a short grace period to be reused before deletion.
func (s *Stream) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.Body.Close() //nolint:errcheck
	s.m.local.Delete(s.token())
	metrics.ActiveStreams.Dec()
	metrics.StreamDurationSeconds.Observe(time.Since(s.openedAt).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.m.store.Heartbeat(ctx, s.SessionID, s.baseBytes+s.BytesSent()); err != nil {
		s.logger.Warn().Err(err).Msg("final heartbeat failed")
	}

	n, ok, err := s.m.store.DecrementActive(ctx, s.SessionID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to decrement stream count on close")
		return
	}
	if !ok {
		// The record vanished while this stream was active (TTL expiry on
		// a stalled stream). Its one capacity slot cannot be returned from
		// here: concurrent closes of the same dead session cannot tell who
		// would be the 1->0 observer, and releasing from each would free
		// slots that other sessions on the profile legitimately hold.
		s.logger.Warn().Str("profile", s.ProfileID).Msg("session record vanished mid-stream, its capacity slot stays held")
		return
	}
	if n == 0 {
		s.m.releaseSlot(ctx, s.ProfileID)
		s.m.scheduleCleanup(s.SessionID)
	}
}
