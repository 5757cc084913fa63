// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/metrics"
)

// SweeperConfig defines reclamation policy for abandoned sessions.
type SweeperConfig struct {
	Interval   time.Duration // how often to sweep; <= 0 disables the loop
	StaleAfter time.Duration // idle age before a record counts as abandoned
}

// Sweeper reclaims session records left behind by crashed workers or
// clients that vanished without a clean disconnect. Any worker may run it;
// deletion is ownership-checked through the store's lock-guarded cleanup.
type Sweeper struct {
	Store  *Store
	Conf   SweeperConfig
	Logger zerolog.Logger
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", s.Conf.Interval).Msg("stale session sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one sweep pass. Deterministic and suitable
// for unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	var stale []string

	err := s.Store.Scan(ctx, func(rec *Record) error {
		if rec.ActiveStreams > 0 {
			return nil
		}
		if now.Sub(rec.LastActivity) > s.Conf.StaleAfter {
			stale = append(stale, rec.SessionID)
		}
		return nil
	})
	if err != nil {
		s.Logger.Error().Err(err).Msg("sweep scan failed")
		return
	}

	removed := 0
	for _, sid := range stale {
		// Cleanup re-checks the active count under lock, so a session that
		// sprang back to life between the scan and this call survives.
		if err := s.Store.Cleanup(ctx, sid, nil); err != nil {
			s.Logger.Warn().Err(err).Str("session_id", sid).Msg("failed to reclaim stale session")
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.SweptSessionsTotal.Add(float64(removed))
		s.Logger.Info().Int("count", removed).Msg("reclaimed stale sessions")
	}
}
