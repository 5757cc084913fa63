// SPDX-License-Identifier: MIT

// Package capacity enforces per-provider-profile concurrent connection caps
// shared across all workers.
package capacity

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vodbridge/vodbridge/internal/metrics"
)

// decrFloorScript decrements the counter but never below zero. Returns -1
// when the decrement would have gone negative so the caller can log it.
var decrFloorScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], "0")
	return -1
end
return v
`)

// Reservations tracks provider connection counts in Redis integers.
type Reservations struct {
	client *redis.Client
	logger zerolog.Logger
}

// New creates a Reservations handle.
func New(client *redis.Client, logger zerolog.Logger) *Reservations {
	return &Reservations{client: client, logger: logger}
}

// Key returns the counter key for a profile.
func Key(profileID string) string {
	return fmt.Sprintf("profile:%s:connections", profileID)
}

// Reserve claims one connection slot for the profile. maxConnections of 0
// means unlimited; the counter still counts so Release stays symmetric
// and the upstream connection load is observable. The counter is
// incremented first and compared after; a read-check-increment sequence
// would let two racing requests both pass the check, so over-admission is
// traded for an occasional harmless rollback.
func (r *Reservations) Reserve(ctx context.Context, profileID string, maxConnections int) (bool, error) {
	count, err := r.client.Incr(ctx, Key(profileID)).Result()
	if err != nil {
		return false, fmt.Errorf("reserve slot for profile %s: %w", profileID, err)
	}
	if maxConnections > 0 && count > int64(maxConnections) {
		if _, err := decrFloorScript.Run(ctx, r.client, []string{Key(profileID)}).Result(); err != nil {
			r.logger.Error().Err(err).Str("profile", profileID).Msg("rollback of over-limit reservation failed")
		}
		metrics.CapacityRejectedTotal.WithLabelValues(profileID).Inc()
		r.logger.Debug().
			Str("profile", profileID).
			Int64("count", count).
			Int("max", maxConnections).
			Msg("provider connection cap reached")
		return false, nil
	}
	return true, nil
}

// Release returns one connection slot. Releasing below zero is floored
// and logged; it indicates a double release somewhere upstream.
func (r *Reservations) Release(ctx context.Context, profileID string) error {
	v, err := decrFloorScript.Run(ctx, r.client, []string{Key(profileID)}).Int64()
	if err != nil {
		return fmt.Errorf("release slot for profile %s: %w", profileID, err)
	}
	if v < 0 {
		r.logger.Warn().Str("profile", profileID).Msg("connection counter would have gone negative, floored at 0")
	}
	return nil
}

// Count reports the current reservation count for a profile.
func (r *Reservations) Count(ctx context.Context, profileID string) (int64, error) {
	v, err := r.client.Get(ctx, Key(profileID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
