// SPDX-License-Identifier: MIT

// Package config assembles runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds every tunable of the connection manager.
type Config struct {
	// HTTP surface
	ListenAddr     string
	RequestsPerMin int // per-IP throttle on playback routes, 0 disables

	// Redis coordination
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Catalog (read-only view of the web app's database)
	CatalogPath string

	// Worker identity. Stable per process, unique across the fleet.
	WorkerID string

	// Session lifecycle
	SessionTTL      time.Duration // Redis record TTL, refreshed on writes
	LockTTL         time.Duration // advisory lock expiry
	LockWaitTimeout time.Duration // bounded lock acquisition
	CleanupDelay    time.Duration // grace before idle-session teardown
	StaleAfter      time.Duration // idle age before the sweeper reclaims
	SweepInterval   time.Duration

	// Streaming
	ChunkSize        int           // bytes per client write
	StopPollChunks   int           // poll the stop key every N chunks
	ActivityChunks   int           // persist liveness every N chunks
	UpstreamTimeout  time.Duration // connect + response header budget
	DefaultUserAgent string

	// Idle-session matching weights. Heuristic defaults carried from
	// production; override per deployment rather than editing call sites.
	MatchContentWeight   int
	MatchClientIPWeight  int
	MatchUserAgentWeight int
	MatchTimeshiftWeight int
	MatchThreshold       int
}

// FromEnv builds a Config from environment variables with sane defaults.
func FromEnv() Config {
	return Config{
		ListenAddr:     ParseString("VODBRIDGE_LISTEN", ":8080"),
		RequestsPerMin: ParseInt("VODBRIDGE_REQUESTS_PER_MIN", 300),

		RedisAddr:     ParseString("VODBRIDGE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: ParseString("VODBRIDGE_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("VODBRIDGE_REDIS_DB", 0),

		CatalogPath: ParseString("VODBRIDGE_CATALOG_PATH", "vodbridge.db"),

		WorkerID: ParseString("VODBRIDGE_WORKER_ID", defaultWorkerID()),

		SessionTTL:      ParseDuration("VODBRIDGE_SESSION_TTL", time.Hour),
		LockTTL:         ParseDuration("VODBRIDGE_LOCK_TTL", 10*time.Second),
		LockWaitTimeout: ParseDuration("VODBRIDGE_LOCK_WAIT", 5*time.Second),
		CleanupDelay:    ParseDuration("VODBRIDGE_CLEANUP_DELAY", time.Second),
		StaleAfter:      ParseDuration("VODBRIDGE_STALE_AFTER", 2*time.Minute),
		SweepInterval:   ParseDuration("VODBRIDGE_SWEEP_INTERVAL", 30*time.Second),

		ChunkSize:        ParseInt("VODBRIDGE_CHUNK_SIZE", 64*1024),
		StopPollChunks:   ParseInt("VODBRIDGE_STOP_POLL_CHUNKS", 16),
		ActivityChunks:   ParseInt("VODBRIDGE_ACTIVITY_CHUNKS", 128),
		UpstreamTimeout:  ParseDuration("VODBRIDGE_UPSTREAM_TIMEOUT", 30*time.Second),
		DefaultUserAgent: ParseString("VODBRIDGE_USER_AGENT", "VLC/3.0.20 LibVLC/3.0.20"),

		MatchContentWeight:   ParseInt("VODBRIDGE_MATCH_CONTENT_WEIGHT", 10),
		MatchClientIPWeight:  ParseInt("VODBRIDGE_MATCH_IP_WEIGHT", 5),
		MatchUserAgentWeight: ParseInt("VODBRIDGE_MATCH_UA_WEIGHT", 3),
		MatchTimeshiftWeight: ParseInt("VODBRIDGE_MATCH_TIMESHIFT_WEIGHT", 7),
		MatchThreshold:       ParseInt("VODBRIDGE_MATCH_THRESHOLD", 13),
	}
}

// Validate rejects configurations the manager cannot run with.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be > 0, got %v", c.SessionTTL)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be > 0, got %v", c.LockTTL)
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock wait timeout must be > 0, got %v", c.LockWaitTimeout)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be > 0, got %d", c.ChunkSize)
	}
	if c.StopPollChunks <= 0 {
		return fmt.Errorf("stop poll interval must be > 0 chunks, got %d", c.StopPollChunks)
	}
	if c.MatchThreshold <= 0 {
		return fmt.Errorf("match threshold must be > 0, got %d", c.MatchThreshold)
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
