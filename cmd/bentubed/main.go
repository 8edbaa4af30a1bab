// Command bentubed runs the sync daemon: the HTTP trigger surface plus the
// background scheduler tiers and maintenance jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Bensmirus/bentube/config"
	"github.com/Bensmirus/bentube/health"
	"github.com/Bensmirus/bentube/internal/retry"
	"github.com/Bensmirus/bentube/quota"
	"github.com/Bensmirus/bentube/server"
	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/sync"
	"github.com/Bensmirus/bentube/youtube"
)

// uploadsRefreshTick is how often the stale uploads-list refresh job runs.
// The staleness cutoff itself comes from configuration.
const uploadsRefreshTick = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bentubed:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	api, err := youtube.NewDataAPI(ctx, youtube.ClientConfig{
		APIKey: cfg.YouTube.APIKey,
		Limiter: youtube.LimiterConfig{
			RPS:            cfg.YouTube.RPS,
			Burst:          cfg.YouTube.Burst,
			DynamicBackoff: cfg.YouTube.DynamicBackoff,
		},
		Retry: retry.Config{
			MaxRetries:     cfg.YouTube.RetryMax,
			InitialBackoff: cfg.YouTube.RetryInitialBackoff,
			MaxBackoff:     cfg.YouTube.RetryMaxBackoff,
			Multiplier:     2.0,
			JitterFraction: 0.25,
		},
	}, log)
	if err != nil {
		return err
	}

	ledger := quota.NewLedger(store, cfg.Quota.DailyLimit, log)
	tracker := health.NewTracker(store, log)
	metrics := sync.NewMetrics(prometheus.DefaultRegisterer)

	engine := sync.NewEngine(store, api, ledger, tracker, metrics, sync.Options{
		ImportMode:           cfg.Sync.ImportMode,
		LimitedWindowDays:    cfg.Sync.LimitedWindowDays,
		MaxVideosPerChannel:  cfg.Sync.MaxVideosPerChannel,
		LockTTL:              cfg.Sync.LockTTL,
		LockExtendInterval:   cfg.Sync.LockExtendInterval,
		TokenRefreshInterval: cfg.Sync.TokenRefreshInterval,
		Shorts: youtube.ShortsConfig{
			MaxDurationSeconds: cfg.Shorts.MaxDurationSeconds,
			TitleDenylist:      cfg.Shorts.TitleDenylist,
		},
	}, log)

	scheduler := sync.NewScheduler(engine, store, api, ledger, sync.SchedulerOptions{
		TierHighStaleAfter:   cfg.Scheduler.TierHighStaleAfter,
		TierMediumStaleAfter: cfg.Scheduler.TierMediumStaleAfter,
		TierLowStaleAfter:    cfg.Scheduler.TierLowStaleAfter,
		TierHighChannelCap:   cfg.Scheduler.TierHighChannelCap,
		TierMediumChannelCap: cfg.Scheduler.TierMediumChannelCap,
		TierLowChannelCap:    cfg.Scheduler.TierLowChannelCap,
		UsersPerTick:         cfg.Scheduler.UsersPerTick,
		StagingOrphanAge:     cfg.Sync.StagingOrphanAge,
		UploadsRefreshAfter:  cfg.Scheduler.UploadsRefreshAfter,
	}, log)

	if cfg.Scheduler.Enabled {
		startJobs(ctx, cfg, scheduler, log)
	}

	srv := server.New(engine, scheduler, promhttp.Handler(), log)
	httpSrv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: cfg.Server.Timeout,
		IdleTimeout: 2 * cfg.Server.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	logger := zerolog.New(os.Stderr)
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	if cfg.Database.DevMode {
		log.Warn().Msg("dev mode: using in-memory storage, data is not persisted")
		return storage.NewMemStore(), nil
	}
	return storage.NewPGStore(ctx, cfg.Database.DSN, log)
}

// startJobs launches the ticker-driven background jobs. Each job stops when
// the daemon context is cancelled.
func startJobs(ctx context.Context, cfg *config.Config, scheduler *sync.Scheduler, log zerolog.Logger) {
	runPeriodic(ctx, cfg.Scheduler.TierHighStaleAfter, func(ctx context.Context) {
		if _, err := scheduler.RunTier(ctx, sync.TierHigh); err != nil {
			log.Error().Err(err).Msg("high tier pass failed")
		}
	})
	runPeriodic(ctx, cfg.Scheduler.TierMediumStaleAfter, func(ctx context.Context) {
		if _, err := scheduler.RunTier(ctx, sync.TierMedium); err != nil {
			log.Error().Err(err).Msg("medium tier pass failed")
		}
	})
	runPeriodic(ctx, cfg.Scheduler.TierLowStaleAfter, func(ctx context.Context) {
		if _, err := scheduler.RunTier(ctx, sync.TierLow); err != nil {
			log.Error().Err(err).Msg("low tier pass failed")
		}
	})
	runPeriodic(ctx, cfg.Scheduler.JanitorInterval, func(ctx context.Context) {
		if err := scheduler.Janitor(ctx); err != nil {
			log.Error().Err(err).Msg("janitor pass failed")
		}
	})
	runPeriodic(ctx, uploadsRefreshTick, func(ctx context.Context) {
		if _, err := scheduler.RefreshStaleUploadsListIDs(ctx); err != nil {
			log.Error().Err(err).Msg("uploads refresh pass failed")
		}
	})
}

func runPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}
