// Package sync orchestrates full sync runs: lock acquisition, candidate
// selection, quota-supervised fetching, staging, and the commit-or-rollback
// decision. A run either commits atomically, rolls back cleanly, or pauses
// for quota with its partial progress committed and the remaining channels
// recorded for resumption.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Bensmirus/bentube/health"
	"github.com/Bensmirus/bentube/quota"
	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/youtube"
)

// Sentinel errors returned by the engine.
var (
	// ErrSyncInProgress means another sync holds the user's lock.
	ErrSyncInProgress = errors.New("sync: already in progress")
	// ErrInsufficientQuota means the pre-flight estimate exceeds the
	// remaining daily budget.
	ErrInsufficientQuota = errors.New("sync: insufficient quota")
	// ErrNoActiveSync means there is nothing to cancel or resume.
	ErrNoActiveSync = errors.New("sync: no active sync")
)

// errCancelled aborts the channel loop when the cancel flag is observed.
var errCancelled = errors.New("sync: cancelled")

// Import modes bounding the first fetch of a channel with no committed videos.
const (
	// ImportNewOnly starts tracking from now: no backfill at all.
	ImportNewOnly = "new_only"
	// ImportLimited backfills a fixed number of days.
	ImportLimited = "limited"
	// ImportUnlimited backfills the channel's whole history.
	ImportUnlimited = "unlimited"
)

// progressWriteEvery throttles run updates during the channel loop. The
// first and last channels are always written.
const progressWriteEvery = 10

// TokenRefresher keeps long-lived credentials fresh during multi-hour runs.
// Implementations are provided by the surrounding application.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, userID string) error
}

// Options tunes the engine. Zero values are replaced by defaults matching
// the stock configuration.
type Options struct {
	ImportMode          string
	LimitedWindowDays   int
	MaxVideosPerChannel int

	LockTTL              time.Duration
	LockExtendInterval   time.Duration
	TokenRefreshInterval time.Duration

	Shorts youtube.ShortsConfig
}

func (o Options) withDefaults() Options {
	if o.ImportMode == "" {
		o.ImportMode = ImportNewOnly
	}
	if o.LimitedWindowDays <= 0 {
		o.LimitedWindowDays = 30
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 15 * time.Minute
	}
	if o.LockExtendInterval <= 0 {
		o.LockExtendInterval = 5 * time.Minute
	}
	if o.TokenRefreshInterval <= 0 {
		o.TokenRefreshInterval = 30 * time.Minute
	}
	if o.Shorts.MaxDurationSeconds == 0 {
		o.Shorts = youtube.DefaultShortsConfig()
	}
	return o
}

// StartOptions narrows a run's scope.
type StartOptions struct {
	// ChannelID restricts the run to one channel, whether or not it belongs
	// to a group.
	ChannelID string
	// GroupID restricts the run to channels and playlists in one group.
	GroupID string
	// MaxChannels caps the channels attempted this run; the rest stay stale
	// and are picked up by a later run. Zero means no cap.
	MaxChannels int
}

// Engine runs syncs. One Engine serves all users; per-user mutual exclusion
// comes from the storage lock.
type Engine struct {
	store     storage.Store
	api       youtube.API
	fetcher   *youtube.Fetcher
	ledger    *quota.Ledger
	health    *health.Tracker
	refresher TokenRefresher
	metrics   *Metrics
	opts      Options
	clock     func() time.Time
	log       zerolog.Logger
}

// NewEngine wires an engine over its collaborators. Pass nil metrics to skip
// instrumentation.
func NewEngine(store storage.Store, api youtube.API, ledger *quota.Ledger, tracker *health.Tracker, metrics *Metrics, opts Options, log zerolog.Logger) *Engine {
	if metrics == nil {
		metrics = NopMetrics()
	}
	logger := log.With().Str("component", "sync").Logger()
	return &Engine{
		store:   store,
		api:     api,
		fetcher: youtube.NewFetcher(api, ledger, logger),
		ledger:  ledger,
		health:  tracker,
		metrics: metrics,
		opts:    opts.withDefaults(),
		clock:   time.Now,
		log:     logger,
	}
}

// WithTokenRefresher installs the credential refresh hook.
func (e *Engine) WithTokenRefresher(r TokenRefresher) *Engine {
	e.refresher = r
	return e
}

// WithClock substitutes the time source, for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.fetcher.WithClock(clock)
	return e
}

// Progress returns the user's latest run for polling.
func (e *Engine) Progress(ctx context.Context, userID string) (*storage.SyncRun, error) {
	run, err := e.store.GetLatestSyncRun(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveSync
	}
	return run, err
}

// Cancel requests cooperative cancellation of the user's running sync. The
// run observes the flag at its next channel boundary and rolls back.
func (e *Engine) Cancel(ctx context.Context, userID string) error {
	err := e.store.CancelLock(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoActiveSync
	}
	return err
}

// StartSync runs a full sync for the user, synchronously. If a quota-paused
// run exists it is resumed instead of starting a fresh one. Returns the
// terminal (or paused) run record.
func (e *Engine) StartSync(ctx context.Context, userID string, opts StartOptions) (*storage.SyncRun, error) {
	lock, err := e.store.AcquireLock(ctx, userID, e.opts.LockTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		if relErr := e.store.ReleaseLock(context.WithoutCancel(ctx), userID, lock.LockID); relErr != nil {
			e.log.Warn().Err(relErr).Str("user_id", userID).Msg("lock release failed")
		}
	}()

	if paused, err := e.store.GetQuotaPausedRun(ctx, userID); err == nil {
		return e.resume(ctx, lock, paused)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check paused run: %w", err)
	}

	candidates, err := e.resolveCandidates(ctx, userID, opts)
	if err != nil {
		return nil, err
	}

	needed := quota.EstimateNeeded(quota.Estimate{Channels: len(candidates)})
	decision, err := e.ledger.CheckAvailable(ctx, userID, needed, false)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientQuota, decision.Reason)
	}

	// Rotate the start offset by run count so repeated quota exhaustion does
	// not starve channels at the tail of the candidate list.
	if len(candidates) > 1 {
		runs, err := e.store.CountSyncRuns(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("count sync runs: %w", err)
		}
		offset := runs % len(candidates)
		rotated := make([]*storage.Channel, 0, len(candidates))
		rotated = append(rotated, candidates[offset:]...)
		rotated = append(rotated, candidates[:offset]...)
		candidates = rotated
	}
	// The cap applies after rotation so capped scheduled runs still cycle
	// through the whole channel set over successive runs.
	if opts.MaxChannels > 0 && len(candidates) > opts.MaxChannels {
		candidates = candidates[:opts.MaxChannels]
	}

	now := e.clock()
	run := &storage.SyncRun{
		ID:            uuid.NewString(),
		UserID:        userID,
		Phase:         storage.PhaseStarting,
		ChannelsTotal: len(candidates),
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	e.metrics.SyncsStarted.Inc()
	e.log.Info().
		Str("user_id", userID).
		Str("sync_id", run.ID).
		Int("channels", len(candidates)).
		Msg("sync started")

	e.run(ctx, lock, run, candidates, opts.GroupID)
	return run, nil
}

// resume continues a quota-paused run from its remaining channel set, under a
// freshly acquired lock.
func (e *Engine) resume(ctx context.Context, lock *storage.SyncLock, run *storage.SyncRun) (*storage.SyncRun, error) {
	exhausted, err := e.ledger.Exhausted(ctx, run.UserID)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if exhausted {
		return nil, fmt.Errorf("%w: daily quota still exhausted", ErrInsufficientQuota)
	}

	var channels []*storage.Channel
	for _, id := range run.RemainingChannelIDs {
		ch, err := e.store.GetChannel(ctx, run.UserID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load remaining channel: %w", err)
		}
		channels = append(channels, ch)
	}

	run.Phase = storage.PhaseSyncingVideos
	run.ResumeAfter = nil
	run.RemainingChannelIDs = nil
	run.UpdatedAt = e.clock()
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("update sync run: %w", err)
	}
	e.log.Info().
		Str("user_id", run.UserID).
		Str("sync_id", run.ID).
		Int("remaining_channels", len(channels)).
		Msg("quota-paused sync resumed")

	e.run(ctx, lock, run, channels, "")
	return run, nil
}

// resolveCandidates builds the channel set for a run and drops dead channels
// inside their retry backoff. An explicit ChannelID is looked up directly and
// syncs even when the channel belongs to no group; otherwise the set is the
// grouped channels, optionally narrowed to one group.
func (e *Engine) resolveCandidates(ctx context.Context, userID string, opts StartOptions) ([]*storage.Channel, error) {
	var channels []*storage.Channel
	if opts.ChannelID != "" {
		ch, err := e.store.GetChannel(ctx, userID, opts.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("load channel %s: %w", opts.ChannelID, err)
		}
		channels = []*storage.Channel{ch}
	} else {
		var err error
		channels, err = e.store.ListGroupChannels(ctx, userID, opts.GroupID)
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
	}
	if len(channels) == 0 {
		return nil, nil
	}

	ids := make([]string, len(channels))
	for i, ch := range channels {
		ids[i] = ch.ChannelID
	}
	skip, err := e.health.SkippableChannelIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	candidates := channels[:0]
	for _, ch := range channels {
		if skip[ch.ChannelID] {
			e.log.Debug().
				Str("user_id", userID).
				Str("channel_id", ch.ChannelID).
				Msg("skipping dead channel inside retry backoff")
			continue
		}
		candidates = append(candidates, ch)
	}
	return candidates, nil
}

// runState tracks per-run housekeeping timers and the videos already
// committed by earlier quota-paused segments, which a rollback cannot touch.
type runState struct {
	lastExtend      time.Time
	lastRefresh     time.Time
	committedBefore int
}

// run executes the channel and playlist phases and finalizes the run. All
// outcomes are persisted on the run record; errors are not returned because
// the run itself is the report.
func (e *Engine) run(ctx context.Context, lock *storage.SyncLock, run *storage.SyncRun, channels []*storage.Channel, groupID string) {
	start := e.clock()
	state := &runState{lastExtend: start, lastRefresh: start, committedBefore: run.VideosAdded}

	run.Phase = storage.PhaseSyncingVideos
	run.UpdatedAt = start
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("progress write failed")
	}

	for i, ch := range channels {
		if err := e.checkpoint(ctx, lock, run, state); err != nil {
			if errors.Is(err, errCancelled) {
				e.finalize(ctx, run, state, start, true, nil)
				return
			}
			e.finalize(ctx, run, state, start, false, err)
			return
		}

		outcome := e.syncChannel(ctx, run, ch)
		switch {
		case outcome.fatal != nil:
			e.finalize(ctx, run, state, start, false, outcome.fatal)
			return
		case outcome.quotaExhausted:
			// The partially scanned channel's staged videos are committed by
			// the pause below, so they count.
			run.VideosAdded += outcome.videosStaged
			remaining := make([]string, 0, len(channels)-i)
			for _, rest := range channels[i:] {
				remaining = append(remaining, rest.ChannelID)
			}
			run.RemainingChannelIDs = remaining
			e.pauseForQuota(ctx, run, start)
			return
		case outcome.failed:
			// Counted by AddChannelError inside syncChannel.
		default:
			run.ChannelsProcessed++
			run.VideosAdded += outcome.videosStaged
		}

		if i == 0 || i == len(channels)-1 || (i+1)%progressWriteEvery == 0 {
			run.UpdatedAt = e.clock()
			if err := e.store.UpdateSyncRun(ctx, run); err != nil {
				e.log.Error().Err(err).Str("sync_id", run.ID).Msg("progress write failed")
			}
		}
	}

	if err := e.syncPlaylists(ctx, lock, run, state, groupID); err != nil {
		if errors.Is(err, errCancelled) {
			e.finalize(ctx, run, state, start, true, nil)
			return
		}
		if errors.Is(err, errQuotaPause) {
			e.pauseForQuota(ctx, run, start)
			return
		}
		e.finalize(ctx, run, state, start, false, err)
		return
	}

	e.finalize(ctx, run, state, start, false, nil)
}

// checkpoint runs the per-channel housekeeping: context and cancel-flag
// checks, lock extension, and the token refresh hook.
func (e *Engine) checkpoint(ctx context.Context, lock *storage.SyncLock, run *storage.SyncRun, state *runState) error {
	if err := ctx.Err(); err != nil {
		return errCancelled
	}

	cancelled, err := e.store.IsCancelled(ctx, run.UserID, lock.LockID)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if cancelled {
		run.Cancelled = true
		return errCancelled
	}

	now := e.clock()
	if now.Sub(state.lastExtend) >= e.opts.LockExtendInterval {
		if err := e.store.ExtendLock(ctx, run.UserID, lock.LockID, e.opts.LockTTL); err != nil {
			return fmt.Errorf("extend lock: %w", err)
		}
		state.lastExtend = now
	}
	if e.refresher != nil && now.Sub(state.lastRefresh) >= e.opts.TokenRefreshInterval {
		if err := e.refresher.RefreshToken(ctx, run.UserID); err != nil {
			e.log.Warn().Err(err).Str("user_id", run.UserID).Msg("token refresh failed")
		}
		state.lastRefresh = now
	}
	return nil
}

// channelOutcome reports one channel's sync attempt.
type channelOutcome struct {
	videosStaged   int
	failed         bool
	quotaExhausted bool
	fatal          error
}

// syncChannel fetches and stages one channel. The cursor is advanced on every
// attempt, success or failure, so a permanently broken channel cannot pin the
// incremental window open forever.
func (e *Engine) syncChannel(ctx context.Context, run *storage.SyncRun, ch *storage.Channel) channelOutcome {
	now := e.clock()

	since, skipFetch, err := e.fetchWindow(ctx, run.UserID, ch, now)
	if err != nil {
		run.AddChannelError(ch.ChannelID, ch.Title, err.Error(), now)
		return channelOutcome{failed: true}
	}
	if skipFetch {
		e.advanceCursor(ctx, run.UserID, ch, now)
		return channelOutcome{}
	}

	listID := ch.UploadsListID
	if listID == "" {
		listID, err = e.refreshUploadsListID(ctx, run, ch)
		if err != nil {
			return e.channelFailure(ctx, run, ch, err, now)
		}
	}

	req := youtube.FetchRequest{
		UserID:        run.UserID,
		ChannelID:     ch.ChannelID,
		ListID:        listID,
		Since:         since,
		MaxResults:    e.opts.MaxVideosPerChannel,
		SkipScheduled: true,
		Shorts:        e.opts.Shorts,
	}
	res := e.fetcher.FetchChannelVideos(ctx, req)
	run.APICalls += res.APICalls
	run.QuotaUnits += res.APICalls

	// A stale uploads-list id gets exactly one refresh-and-retry.
	if res.ShouldRefreshListID {
		freshID, err := e.refreshUploadsListID(ctx, run, ch)
		if err != nil {
			return e.channelFailure(ctx, run, ch, err, now)
		}
		req.ListID = freshID
		res = e.fetcher.FetchChannelVideos(ctx, req)
		run.APICalls += res.APICalls
		run.QuotaUnits += res.APICalls
	}

	staged := 0
	if len(res.Videos) > 0 {
		staged, err = e.stage(ctx, run, res.Videos)
		if err != nil {
			var stagingErr *storage.StagingError
			if errors.As(err, &stagingErr) {
				return channelOutcome{fatal: err}
			}
			return e.channelFailure(ctx, run, ch, err, now)
		}
	}

	if res.QuotaExhausted {
		// No cursor move: the channel was not fully scanned and must be
		// revisited when the run resumes.
		return channelOutcome{videosStaged: staged, quotaExhausted: true}
	}
	if res.ListNotFound || res.Err != nil {
		failure := res.Err
		if failure == nil {
			failure = fmt.Errorf("uploads list not found after refresh")
		}
		return e.channelFailure(ctx, run, ch, failure, now)
	}

	if err := e.health.RecordSuccess(ctx, run.UserID, ch.ChannelID); err != nil {
		e.log.Warn().Err(err).Str("channel_id", ch.ChannelID).Msg("health update failed")
	}
	e.advanceCursor(ctx, run.UserID, ch, now)
	return channelOutcome{videosStaged: staged}
}

// advanceCursor moves the incremental window forward. Failures are logged,
// not fatal: a stuck cursor only causes refetching, never data loss.
func (e *Engine) advanceCursor(ctx context.Context, userID string, ch *storage.Channel, now time.Time) {
	if err := e.store.UpdateChannelCursor(ctx, userID, ch.ChannelID, now); err != nil {
		e.log.Warn().Err(err).Str("channel_id", ch.ChannelID).Msg("cursor update failed")
	}
}

// channelFailure records a per-channel failure. The cursor still advances so
// a permanently failing channel is not refetched from scratch every run.
func (e *Engine) channelFailure(ctx context.Context, run *storage.SyncRun, ch *storage.Channel, err error, now time.Time) channelOutcome {
	e.advanceCursor(ctx, run.UserID, ch, now)
	run.AddChannelError(ch.ChannelID, ch.Title, err.Error(), now)
	if _, herr := e.health.RecordFailure(ctx, run.UserID, ch.ChannelID, err.Error()); herr != nil {
		e.log.Warn().Err(herr).Str("channel_id", ch.ChannelID).Msg("health update failed")
	}
	e.log.Warn().Err(err).
		Str("user_id", run.UserID).
		Str("channel_id", ch.ChannelID).
		Msg("channel sync failed")
	return channelOutcome{failed: true}
}

// fetchWindow computes the incremental cursor for a channel. A channel with
// zero committed videos is new regardless of any stored cursor; the import
// mode decides how much history a new channel gets.
func (e *Engine) fetchWindow(ctx context.Context, userID string, ch *storage.Channel, now time.Time) (since time.Time, skipFetch bool, err error) {
	count, err := e.store.CountChannelVideos(ctx, userID, ch.ChannelID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("count channel videos: %w", err)
	}
	if count > 0 {
		return ch.LastFetchedAt, false, nil
	}

	switch e.opts.ImportMode {
	case ImportLimited:
		return now.AddDate(0, 0, -e.opts.LimitedWindowDays), false, nil
	case ImportUnlimited:
		return time.Time{}, false, nil
	default:
		// New-only: start the cursor at now and fetch nothing historical.
		return time.Time{}, true, nil
	}
}

// refreshUploadsListID re-resolves the uploads-list id via a channel-details
// lookup and persists it.
func (e *Engine) refreshUploadsListID(ctx context.Context, run *storage.SyncRun, ch *storage.Channel) (string, error) {
	listID, _, err := e.api.UploadsPlaylistID(ctx, ch.ChannelID)
	run.APICalls++
	if err != nil {
		return "", fmt.Errorf("resolve uploads list: %w", err)
	}
	run.QuotaUnits += quota.Cost(quota.OpChannelsList)
	if err := e.ledger.Track(ctx, run.UserID, quota.OpChannelsList, 1); err != nil {
		e.log.Warn().Err(err).Str("user_id", run.UserID).Msg("quota tracking failed")
	}
	if err := e.store.UpdateUploadsListID(ctx, run.UserID, ch.ChannelID, listID, e.clock()); err != nil {
		return "", fmt.Errorf("store uploads list: %w", err)
	}
	return listID, nil
}

// stage writes fetched videos and their channel associations into staging.
func (e *Engine) stage(ctx context.Context, run *storage.SyncRun, videos []youtube.VideoRecord) (int, error) {
	now := e.clock()
	staged := make([]*storage.StagedVideo, len(videos))
	assocs := make([]*storage.StagedVideoChannel, len(videos))
	for i, v := range videos {
		staged[i] = &storage.StagedVideo{
			SyncID:           run.ID,
			UserID:           run.UserID,
			ChannelID:        v.ChannelID,
			VideoID:          v.VideoID,
			Title:            v.Title,
			Thumbnail:        v.Thumbnail,
			Duration:         v.Duration,
			DurationSeconds:  v.DurationSeconds,
			IsShort:          v.IsShort,
			PublishedAt:      v.PublishedAt,
			SourcePlaylistID: v.SourcePlaylistID,
			StagedAt:         now,
		}
		assocs[i] = &storage.StagedVideoChannel{
			SyncID:    run.ID,
			UserID:    run.UserID,
			VideoID:   v.VideoID,
			ChannelID: v.ChannelID,
			StagedAt:  now,
		}
	}
	n, err := e.store.StageVideos(ctx, staged)
	if err != nil {
		return n, err
	}
	if _, err := e.store.StageVideoChannels(ctx, assocs); err != nil {
		return n, err
	}
	return n, nil
}

// errQuotaPause aborts the playlist loop into the pause path.
var errQuotaPause = errors.New("sync: quota exhausted")

// syncPlaylists imports group-assigned playlists. Per-playlist failures are
// tolerated; quota exhaustion pauses the run like the channel loop.
func (e *Engine) syncPlaylists(ctx context.Context, lock *storage.SyncLock, run *storage.SyncRun, state *runState, groupID string) error {
	playlists, err := e.store.ListGroupPlaylists(ctx, run.UserID, groupID)
	if err != nil {
		return fmt.Errorf("list playlists: %w", err)
	}
	if len(playlists) == 0 {
		return nil
	}

	run.Phase = storage.PhaseSyncingPlaylist
	run.PlaylistsTotal = len(playlists)
	run.PlaylistsProcessed = 0
	run.PlaylistsFailed = 0
	run.UpdatedAt = e.clock()
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("progress write failed")
	}

	for _, pl := range playlists {
		if err := e.checkpoint(ctx, lock, run, state); err != nil {
			return err
		}

		existingIDs, err := e.store.ListPlaylistVideoIDs(ctx, run.UserID, pl.PlaylistID)
		if err != nil {
			run.AddPlaylistError(pl.PlaylistID, pl.Title, err.Error(), e.clock())
			continue
		}
		existing := make(map[string]struct{}, len(existingIDs))
		for _, id := range existingIDs {
			existing[id] = struct{}{}
		}

		res := e.fetcher.FetchPlaylistVideos(ctx, youtube.FetchRequest{
			UserID:           run.UserID,
			ListID:           pl.PlaylistID,
			SourcePlaylistID: pl.PlaylistID,
			ExistingVideoIDs: existing,
			SkipScheduled:    true,
			Shorts:           e.opts.Shorts,
		})
		run.APICalls += res.APICalls
		run.QuotaUnits += res.APICalls

		if len(res.Videos) > 0 {
			staged, err := e.stage(ctx, run, res.Videos)
			if err != nil {
				var stagingErr *storage.StagingError
				if errors.As(err, &stagingErr) {
					return err
				}
				run.AddPlaylistError(pl.PlaylistID, pl.Title, err.Error(), e.clock())
				continue
			}
			run.VideosAdded += staged
		}

		if res.QuotaExhausted {
			return errQuotaPause
		}
		if res.Err != nil || res.ListNotFound {
			reason := "playlist not found"
			if res.Err != nil {
				reason = res.Err.Error()
			}
			run.AddPlaylistError(pl.PlaylistID, pl.Title, reason, e.clock())
			continue
		}
		run.PlaylistsProcessed++
	}
	return nil
}

// pauseForQuota commits the partial batch and marks the run quota-paused so
// it can resume from the remaining channels after the budget resets.
func (e *Engine) pauseForQuota(ctx context.Context, run *storage.SyncRun, start time.Time) {
	resumeAfter := e.clock().Add(time.Hour)
	if st, err := e.ledger.Status(ctx, run.UserID); err == nil {
		resumeAfter = st.ResetAt
	}

	run.Summary = fmt.Sprintf("Sync paused after %d of %d channels: daily quota exhausted; %d videos committed.",
		run.ChannelsProcessed, run.ChannelsTotal, run.VideosAdded)
	run.UpdatedAt = e.clock()
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("run update failed")
	}

	if res, err := e.store.CommitSync(ctx, run.ID); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("partial commit failed")
	} else if res.VideosCommitted > 0 {
		e.log.Info().Str("sync_id", run.ID).Int("videos", res.VideosCommitted).Msg("partial batch committed before pause")
	}

	if err := e.store.PauseSyncForQuota(ctx, run.ID, resumeAfter); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("pause update failed")
	}
	run.Phase = storage.PhaseQuotaPaused
	run.ResumeAfter = &resumeAfter

	e.metrics.finish("quota_paused", run.VideosAdded, run.QuotaUnits, run.APICalls, e.clock().Sub(start).Seconds())
	e.log.Warn().
		Str("user_id", run.UserID).
		Str("sync_id", run.ID).
		Time("resume_after", resumeAfter).
		Msg("sync paused for quota")
}

// finalize applies the commit-or-rollback decision and writes the terminal
// run record. Cancelled runs and total failures roll back; everything else
// commits, including partially failed runs. Rollback only discards the
// current segment's staging; batches committed before a quota pause stay in
// the store and in the counter.
func (e *Engine) finalize(ctx context.Context, run *storage.SyncRun, state *runState, start time.Time, cancelled bool, fatal error) {
	run.Phase = storage.PhaseCompleting
	run.UpdatedAt = e.clock()
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("progress write failed")
	}

	totalFailure := run.ChannelsTotal > 0 && run.ChannelsProcessed == 0 && run.ChannelsFailed == run.ChannelsTotal

	result := "complete"
	switch {
	case cancelled:
		result = "cancelled"
		if _, err := e.store.RollbackSync(ctx, run.ID); err != nil {
			e.log.Error().Err(err).Str("sync_id", run.ID).Msg("rollback failed")
		}
		run.Phase = storage.PhaseError
		run.Cancelled = true
		run.VideosAdded = state.committedBefore
		run.Summary = fmt.Sprintf("Sync cancelled after %d of %d channels; staged changes discarded.",
			run.ChannelsProcessed, run.ChannelsTotal)

	case fatal != nil:
		result = "error"
		if _, err := e.store.RollbackSync(ctx, run.ID); err != nil {
			e.log.Error().Err(err).Str("sync_id", run.ID).Msg("rollback failed")
		}
		run.Phase = storage.PhaseError
		run.VideosAdded = state.committedBefore
		run.Summary = fmt.Sprintf("Sync failed: %v; staged changes discarded.", fatal)

	case totalFailure:
		result = "error"
		if _, err := e.store.RollbackSync(ctx, run.ID); err != nil {
			e.log.Error().Err(err).Str("sync_id", run.ID).Msg("rollback failed")
		}
		run.Phase = storage.PhaseError
		run.VideosAdded = state.committedBefore
		run.Summary = fmt.Sprintf("Sync failed: all %d channels failed; staged changes discarded.", run.ChannelsTotal)

	default:
		// VideosAdded stays as accumulated: on a resumed run it already
		// includes batches committed before the quota pause, which this
		// commit's count would not cover.
		if _, err := e.store.CommitSync(ctx, run.ID); err != nil {
			result = "error"
			if _, rbErr := e.store.RollbackSync(ctx, run.ID); rbErr != nil {
				e.log.Error().Err(rbErr).Str("sync_id", run.ID).Msg("rollback failed")
			}
			run.Phase = storage.PhaseError
			run.VideosAdded = state.committedBefore
			run.Summary = fmt.Sprintf("Sync failed during commit: %v; staged changes discarded.", err)
			break
		}
		run.Phase = storage.PhaseComplete
		run.Summary = e.summarize(run)
	}

	now := e.clock()
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := e.store.UpdateSyncRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("sync_id", run.ID).Msg("terminal run update failed")
	}

	e.metrics.finish(result, run.VideosAdded, run.QuotaUnits, run.APICalls, now.Sub(start).Seconds())
	e.log.Info().
		Str("user_id", run.UserID).
		Str("sync_id", run.ID).
		Str("result", result).
		Int("videos_added", run.VideosAdded).
		Int("channels_failed", run.ChannelsFailed).
		Msg("sync finished")
}

// summarize renders the one-sentence completion summary.
func (e *Engine) summarize(run *storage.SyncRun) string {
	if run.ChannelsTotal == 0 && run.PlaylistsTotal == 0 {
		return "Nothing to sync: no channels or playlists assigned to groups."
	}
	s := fmt.Sprintf("Synced %d of %d channels, %d videos added", run.ChannelsProcessed, run.ChannelsTotal, run.VideosAdded)
	if run.PlaylistsTotal > 0 {
		s += fmt.Sprintf(", %d of %d playlists imported", run.PlaylistsProcessed, run.PlaylistsTotal)
	}
	if run.ChannelsFailed > 0 || run.PlaylistsFailed > 0 {
		s += fmt.Sprintf(" (%d failures)", run.ChannelsFailed+run.PlaylistsFailed)
	}
	return s + "."
}
