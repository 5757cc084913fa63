// SPDX-License-Identifier: MIT

// vodbridged is one shared-nothing worker of the on-demand connection
// manager. All coordination between workers happens through Redis; any
// number of these processes can serve the same catalog behind a plain
// TCP load balancer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vodbridge/vodbridge/internal/api"
	"github.com/vodbridge/vodbridge/internal/capacity"
	"github.com/vodbridge/vodbridge/internal/catalog"
	"github.com/vodbridge/vodbridge/internal/config"
	"github.com/vodbridge/vodbridge/internal/coord"
	vblog "github.com/vodbridge/vodbridge/internal/log"
	"github.com/vodbridge/vodbridge/internal/orchestrator"
	"github.com/vodbridge/vodbridge/internal/session"
	"github.com/vodbridge/vodbridge/internal/upstream"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("vodbridged %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Raw env read: the config helpers log through this logger, so it must
	// be configured before the first helper call.
	vblog.Configure(vblog.Config{
		Level:   os.Getenv("VODBRIDGE_LOG_LEVEL"),
		Service: "vodbridge",
	})

	cfg := config.FromEnv()
	logger := vblog.WithWorker("daemon", cfg.WorkerID)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker exited with error")
	}
	logger.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	rdb, err := coord.NewClient(coord.ClientConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	resolver, err := catalog.OpenSQLite(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer resolver.Close()

	locker := coord.NewLocker(rdb, cfg.LockTTL, cfg.LockWaitTimeout)
	store := session.NewStore(rdb, locker, cfg.SessionTTL, vblog.WithComponent("session"))
	caps := capacity.New(rdb, vblog.WithComponent("capacity"))
	matcher := session.NewMatcher(store, session.Weights{
		Content:   cfg.MatchContentWeight,
		ClientIP:  cfg.MatchClientIPWeight,
		UserAgent: cfg.MatchUserAgentWeight,
		Timeshift: cfg.MatchTimeshiftWeight,
		Threshold: cfg.MatchThreshold,
	})
	fetcher := upstream.NewFetcher(upstream.NewHTTPClient(cfg.UpstreamTimeout), vblog.WithComponent("upstream"))

	manager, err := orchestrator.New(orchestrator.Config{
		WorkerID:         cfg.WorkerID,
		ChunkSize:        cfg.ChunkSize,
		StopPollChunks:   cfg.StopPollChunks,
		ActivityChunks:   cfg.ActivityChunks,
		CleanupDelay:     cfg.CleanupDelay,
		DefaultUserAgent: cfg.DefaultUserAgent,
	}, store, caps, matcher, fetcher, rdb, vblog.WithWorker("orchestrator", cfg.WorkerID))
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer manager.Close()

	server := api.New(api.Config{
		WorkerID:       cfg.WorkerID,
		RequestsPerMin: cfg.RequestsPerMin,
	}, manager, resolver, store, rdb, vblog.WithComponent("api"))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: playback responses are open-ended.
	}

	sweeper := &session.Sweeper{
		Store: store,
		Conf: session.SweeperConfig{
			Interval:   cfg.SweepInterval,
			StaleAfter: cfg.StaleAfter,
		},
		Logger: vblog.WithWorker("sweeper", cfg.WorkerID),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
