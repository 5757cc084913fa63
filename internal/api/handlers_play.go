// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vodbridge/vodbridge/internal/catalog"
	vblog "github.com/vodbridge/vodbridge/internal/log"
	"github.com/vodbridge/vodbridge/internal/orchestrator"
	"github.com/vodbridge/vodbridge/internal/upstream"
)

// handlePlay serves one on-demand playback request: resolve the content,
// hand the request to the orchestrator and pump the bytes.
func (s *Server) handlePlay(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		rawID := chi.URLParam(r, "id")
		contentID := trimContainerExt(rawID)

		content, err := s.resolver.Resolve(r.Context(), kind, contentID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			s.logger.Error().Err(err).Str("id", contentID).Msg("catalog lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		req := orchestrator.PlayRequest{
			ClientID:    clientIdentity(username, r),
			Content:     content,
			ClientIP:    clientAddr(r),
			UserAgent:   r.UserAgent(),
			Timeshift:   timeshiftFromQuery(r.URL.Query()),
			RangeHeader: r.Header.Get("Range"),
		}

		stream, err := s.manager.Play(r.Context(), req)
		if err != nil {
			s.writePlayError(w, r, err)
			return
		}
		defer stream.Close()

		ctx := vblog.ContextWithSessionID(r.Context(), stream.SessionID)
		logger := vblog.WithContext(ctx, s.logger)

		s.writeStreamHeaders(w, stream)
		w.WriteHeader(stream.Status())

		if r.Method == http.MethodHead {
			return
		}

		if err := stream.Copy(ctx, w); err != nil {
			// Headers are gone by now; all that is left is the log line.
			logger.Debug().Err(err).
				Int64("bytes", stream.BytesSent()).
				Msg("stream ended early")
		}
	}
}

func (s *Server) writeStreamHeaders(w http.ResponseWriter, stream *orchestrator.Stream) {
	h := w.Header()
	h.Set("Content-Type", stream.ContentType)
	if stream.TotalSize > 0 {
		h.Set("Accept-Ranges", "bytes")
	}
	if cl := stream.ContentLength(); cl >= 0 {
		h.Set("Content-Length", strconv.FormatInt(cl, 10))
	}
	if cr := stream.ContentRange(); cr != "" {
		h.Set("Content-Range", cr)
	}
}

func (s *Server) writePlayError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "provider connection limit reached", http.StatusTooManyRequests)
	case errors.Is(err, upstream.ErrRangeNotSatisfiable):
		// RFC 9110: no body, just the full-size hint when available.
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	case errors.Is(err, context.Canceled):
		// Client went away before the upstream answered.
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("playback failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// trimContainerExt strips the container suffix players append to Xtream
// ids ("42.mkv" resolves content id "42").
func trimContainerExt(id string) string {
	if i := strings.LastIndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

// clientIdentity keys stop signals. The account name alone is too wide
// when a household shares credentials, so the address participates too.
func clientIdentity(username string, r *http.Request) string {
	return fmt.Sprintf("%s@%s", username, clientAddr(r))
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// timeshiftFromQuery accepts every spelling deployed players use for
// catch-up parameters.
func timeshiftFromQuery(q url.Values) upstream.Timeshift {
	return upstream.Timeshift{
		UTCStart: firstQuery(q, "utc_start", "start"),
		UTCEnd:   firstQuery(q, "utc_end", "end"),
		Offset:   firstQuery(q, "offset", "seek", "t"),
	}
}

func firstQuery(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
