// SPDX-License-Identifier: MIT

package session

import (
	"context"
)

// Weights score idle-session candidates. The defaults are heuristic
// production values; deployments tune them through configuration instead
// of editing call sites.
type Weights struct {
	Content   int // base score for matching content kind+id
	ClientIP  int // same client address
	UserAgent int // same player
	Timeshift int // exact match of all three timeshift fields
	Threshold int // minimum qualifying score
}

// DefaultWeights requires a content match plus at least one strong
// secondary signal, so a session is not reused just because an unrelated
// viewer watches the same movie.
var DefaultWeights = Weights{
	Content:   10,
	ClientIP:  5,
	UserAgent: 3,
	Timeshift: 7,
	Threshold: 13,
}

// MatchQuery is the fingerprint of an inbound playback request.
type MatchQuery struct {
	ContentKind string
	ContentID   string
	ClientIP    string
	UserAgent   string
	UTCStart    string
	UTCEnd      string
	Offset      string
}

// Matcher finds idle sessions worth reusing instead of opening another
// upstream connection.
type Matcher struct {
	store   *Store
	weights Weights
}

// NewMatcher creates a Matcher over the given store.
func NewMatcher(store *Store, weights Weights) *Matcher {
	if weights == (Weights{}) {
		weights = DefaultWeights
	}
	return &Matcher{store: store, weights: weights}
}

func (m *Matcher) score(q MatchQuery, rec *Record) int {
	score := m.weights.Content
	if q.ClientIP != "" && q.ClientIP == rec.ClientIP {
		score += m.weights.ClientIP
	}
	if q.UserAgent != "" && q.UserAgent == rec.UserAgent {
		score += m.weights.UserAgent
	}
	// The timeshift signal only counts when a timeshift was actually
	// requested; plain VOD requests (all fields empty) would otherwise
	// match any unrelated viewer's session.
	timeshifted := q.UTCStart != "" || q.UTCEnd != "" || q.Offset != ""
	if timeshifted && q.UTCStart == rec.UTCStart && q.UTCEnd == rec.UTCEnd && q.Offset == rec.Offset {
		score += m.weights.Timeshift
	}
	return score
}

// FindIdle scans live sessions for the best idle candidate matching the
// query. Sessions with active streams are never candidates. Returns nil
// when nothing qualifies.
func (m *Matcher) FindIdle(ctx context.Context, q MatchQuery) (*Record, error) {
	var best *Record
	bestScore := 0

	err := m.store.Scan(ctx, func(rec *Record) error {
		if rec.ContentKind != q.ContentKind || rec.ContentID != q.ContentID {
			return nil
		}
		if rec.ActiveStreams > 0 {
			return nil
		}
		score := m.score(q, rec)
		if score < m.weights.Threshold {
			return nil
		}
		if score > bestScore ||
			(score == bestScore && best != nil && rec.LastActivity.After(best.LastActivity)) {
			best = rec
			bestScore = score
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}
