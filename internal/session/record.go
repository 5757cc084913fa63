// SPDX-License-Identifier: MIT

// Package session holds the Redis-backed session state shared by all
// workers: the connection state record, its store, idle-session matching
// and the stale sweeper.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Content kinds served through the Xtream surface.
const (
	KindMovie   = "movie"
	KindEpisode = "episode"
)

// Key returns the Redis hash key for a session record.
func Key(sessionID string) string {
	return "session:" + sessionID
}

// LockKey returns the advisory lock key guarding a session record.
func LockKey(sessionID string) string {
	return "session:" + sessionID + ":lock"
}

// StopKey returns the signal key whose presence force-terminates a
// client's stream.
func StopKey(clientID string) string {
	return "client:" + clientID + ":stop"
}

// Record is the connection state for one logical viewing session. It is
// the only cross-worker shared mutable state; every read-modify-write of
// it goes through the session lock.
type Record struct {
	SessionID string

	// Upstream descriptor
	StreamURL      string
	FinalURL       string // post-redirect, cached so retries skip resolution
	RequestHeaders map[string]string
	ContentLength  int64
	ContentType    string

	// Ownership / liveness
	Owner         string
	LastActivity  time.Time
	ActiveStreams int
	RequestCount  int64

	// Client and content metadata
	ContentKind string
	ContentID   string
	ContentName string
	ClientIP    string
	UserAgent   string
	UTCStart    string
	UTCEnd      string
	Offset      string

	// Capacity linkage
	ProfileID string

	// Seek telemetry
	BytesSent   int64
	SeekOffset  int64
	SeekPercent float64
	SeekTotal   int64
	SeekAt      time.Time
}

// Idle reports whether the record has no active client streams.
func (r *Record) Idle() bool {
	return r.ActiveStreams == 0
}

// toMap flattens the record into Redis hash fields.
func (r *Record) toMap() (map[string]any, error) {
	headers := "{}"
	if len(r.RequestHeaders) > 0 {
		raw, err := json.Marshal(r.RequestHeaders)
		if err != nil {
			return nil, fmt.Errorf("marshal request headers: %w", err)
		}
		headers = string(raw)
	}

	return map[string]any{
		"session_id":      r.SessionID,
		"stream_url":      r.StreamURL,
		"final_url":       r.FinalURL,
		"request_headers": headers,
		"content_length":  r.ContentLength,
		"content_type":    r.ContentType,
		"owner":           r.Owner,
		"last_activity":   r.LastActivity.Unix(),
		"active_streams":  r.ActiveStreams,
		"request_count":   r.RequestCount,
		"content_kind":    r.ContentKind,
		"content_id":      r.ContentID,
		"content_name":    r.ContentName,
		"client_ip":       r.ClientIP,
		"user_agent":      r.UserAgent,
		"utc_start":       r.UTCStart,
		"utc_end":         r.UTCEnd,
		"offset":          r.Offset,
		"profile_id":      r.ProfileID,
		"bytes_sent":      r.BytesSent,
		"seek_offset":     r.SeekOffset,
		"seek_percent":    strconv.FormatFloat(r.SeekPercent, 'f', -1, 64),
		"seek_total":      r.SeekTotal,
		"seek_at":         r.SeekAt.Unix(),
	}, nil
}

// recordFromMap rebuilds a record from Redis hash fields. Unknown fields
// are ignored, missing numeric fields default to zero.
func recordFromMap(fields map[string]string) (*Record, error) {
	r := &Record{
		SessionID:   fields["session_id"],
		StreamURL:   fields["stream_url"],
		FinalURL:    fields["final_url"],
		ContentType: fields["content_type"],
		Owner:       fields["owner"],
		ContentKind: fields["content_kind"],
		ContentID:   fields["content_id"],
		ContentName: fields["content_name"],
		ClientIP:    fields["client_ip"],
		UserAgent:   fields["user_agent"],
		UTCStart:    fields["utc_start"],
		UTCEnd:      fields["utc_end"],
		Offset:      fields["offset"],
		ProfileID:   fields["profile_id"],
	}

	if raw := fields["request_headers"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &r.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
	}

	r.ContentLength = parseInt64(fields["content_length"])
	r.ActiveStreams = int(parseInt64(fields["active_streams"]))
	r.RequestCount = parseInt64(fields["request_count"])
	r.BytesSent = parseInt64(fields["bytes_sent"])
	r.SeekOffset = parseInt64(fields["seek_offset"])
	r.SeekTotal = parseInt64(fields["seek_total"])

	if v := fields["seek_percent"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			r.SeekPercent = f
		}
	}
	if ts := parseInt64(fields["last_activity"]); ts > 0 {
		r.LastActivity = time.Unix(ts, 0)
	}
	if ts := parseInt64(fields["seek_at"]); ts > 0 {
		r.SeekAt = time.Unix(ts, 0)
	}
	return r, nil
}

func parseInt64(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
