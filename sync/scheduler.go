package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bensmirus/bentube/quota"
	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/youtube"
)

// Tier names for scheduled background syncs. Higher tiers run for users whose
// last sync is only slightly stale; lower tiers sweep up long-idle users.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// SchedulerOptions tunes the background jobs.
type SchedulerOptions struct {
	TierHighStaleAfter   time.Duration
	TierMediumStaleAfter time.Duration
	TierLowStaleAfter    time.Duration
	// Per-run channel caps: higher tiers run often and stay small, the low
	// tier sweeps more of a user's backlog at once.
	TierHighChannelCap   int
	TierMediumChannelCap int
	TierLowChannelCap    int
	UsersPerTick         int
	StagingOrphanAge     time.Duration
	UploadsRefreshAfter  time.Duration
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.TierHighStaleAfter <= 0 {
		o.TierHighStaleAfter = 6 * time.Hour
	}
	if o.TierMediumStaleAfter <= 0 {
		o.TierMediumStaleAfter = 24 * time.Hour
	}
	if o.TierLowStaleAfter <= 0 {
		o.TierLowStaleAfter = 72 * time.Hour
	}
	if o.TierHighChannelCap <= 0 {
		o.TierHighChannelCap = 25
	}
	if o.TierMediumChannelCap <= 0 {
		o.TierMediumChannelCap = 100
	}
	if o.TierLowChannelCap <= 0 {
		o.TierLowChannelCap = 250
	}
	if o.UsersPerTick <= 0 {
		o.UsersPerTick = 20
	}
	if o.StagingOrphanAge <= 0 {
		o.StagingOrphanAge = 2 * time.Hour
	}
	if o.UploadsRefreshAfter <= 0 {
		o.UploadsRefreshAfter = 7 * 24 * time.Hour
	}
	return o
}

// Scheduler drives background syncs and maintenance over the same engine the
// interactive surface uses.
type Scheduler struct {
	engine *Engine
	store  storage.Store
	api    youtube.API
	ledger *quota.Ledger
	opts   SchedulerOptions
	clock  func() time.Time
	log    zerolog.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(engine *Engine, store storage.Store, api youtube.API, ledger *quota.Ledger, opts SchedulerOptions, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  store,
		api:    api,
		ledger: ledger,
		opts:   opts.withDefaults(),
		clock:  time.Now,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// WithClock substitutes the time source, for tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) tierParams(tier string) (staleAfter time.Duration, channelCap int, err error) {
	switch tier {
	case TierHigh:
		return s.opts.TierHighStaleAfter, s.opts.TierHighChannelCap, nil
	case TierMedium:
		return s.opts.TierMediumStaleAfter, s.opts.TierMediumChannelCap, nil
	case TierLow:
		return s.opts.TierLowStaleAfter, s.opts.TierLowChannelCap, nil
	default:
		return 0, 0, fmt.Errorf("unknown scheduler tier %q", tier)
	}
}

// RunTier syncs users whose latest run is older than the tier's cutoff.
// Per-user failures are logged and do not stop the pass; a held lock or an
// empty quota budget just defers the user to a later tick.
func (s *Scheduler) RunTier(ctx context.Context, tier string) (int, error) {
	stale, channelCap, err := s.tierParams(tier)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-stale)

	users, err := s.store.ListSyncCandidates(ctx, cutoff, s.opts.UsersPerTick)
	if err != nil {
		return 0, fmt.Errorf("list sync candidates: %w", err)
	}

	synced := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		_, err := s.engine.StartSync(ctx, userID, StartOptions{MaxChannels: channelCap})
		switch {
		case err == nil:
			synced++
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrInsufficientQuota):
			s.log.Debug().Err(err).Str("user_id", userID).Str("tier", tier).Msg("scheduled sync deferred")
		default:
			s.log.Error().Err(err).Str("user_id", userID).Str("tier", tier).Msg("scheduled sync failed")
		}
	}
	s.log.Info().Str("tier", tier).Int("candidates", len(users)).Int("synced", synced).Msg("scheduler tier pass finished")
	return synced, nil
}

// RefreshStaleUploadsListIDs re-resolves uploads-list ids that have not been
// verified recently. Stale ids surface as NOT_FOUND mid-sync; refreshing them
// proactively keeps runs on the happy path. Spending in the critical quota
// zone is allowed here because a stale id blocks the whole channel.
func (s *Scheduler) RefreshStaleUploadsListIDs(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.opts.UploadsRefreshAfter)
	channels, err := s.store.ListChannelsForUploadsRefresh(ctx, cutoff, s.opts.UsersPerTick*10)
	if err != nil {
		return 0, fmt.Errorf("list stale uploads ids: %w", err)
	}

	refreshed := 0
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		decision, err := s.ledger.CheckAvailable(ctx, ch.UserID, quota.Cost(quota.OpChannelsList), true)
		if err != nil {
			return refreshed, err
		}
		if !decision.Allowed {
			s.log.Debug().Str("user_id", ch.UserID).Str("reason", decision.Reason).Msg("uploads refresh deferred for quota")
			continue
		}

		listID, _, err := s.api.UploadsPlaylistID(ctx, ch.ChannelID)
		if err != nil {
			s.log.Warn().Err(err).Str("channel_id", ch.ChannelID).Msg("uploads id refresh failed")
			continue
		}
		if err := s.ledger.Track(ctx, ch.UserID, quota.OpChannelsList, 1); err != nil {
			s.log.Warn().Err(err).Str("user_id", ch.UserID).Msg("quota tracking failed")
		}
		if err := s.store.UpdateUploadsListID(ctx, ch.UserID, ch.ChannelID, listID, s.clock()); err != nil {
			s.log.Warn().Err(err).Str("channel_id", ch.ChannelID).Msg("uploads id store failed")
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// Janitor removes abandoned staging rows and expired locks. Staging rows
// belonging to a live lock or a quota-paused run are never touched.
func (s *Scheduler) Janitor(ctx context.Context) error {
	staging, err := s.store.CleanupOrphanedStaging(ctx, s.opts.StagingOrphanAge)
	if err != nil {
		return fmt.Errorf("cleanup orphaned staging: %w", err)
	}
	locks, err := s.store.ReapExpiredLocks(ctx)
	if err != nil {
		return fmt.Errorf("reap expired locks: %w", err)
	}
	if staging > 0 || locks > 0 {
		s.log.Info().Int64("staging_rows", staging).Int64("locks", locks).Msg("janitor pass cleaned up")
	}
	return nil
}
