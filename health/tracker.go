// Package health classifies channels by API reachability. Consecutive fetch
// failures walk a channel through warning, unhealthy, and dead; dead channels
// are skipped during syncs until a doubling backoff window elapses, so a
// deleted channel cannot burn quota on every run forever.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bensmirus/bentube/storage"
)

// Consecutive-failure thresholds for each status downgrade. Any failure
// leaves healthy, a second confirms the problem, and a ten-streak is dead.
const (
	warningThreshold   = 1
	unhealthyThreshold = 2
	deadThreshold      = 10
)

// Dead-channel retry backoff, doubling per failure past the dead threshold.
const (
	initialRetryBackoff = 24 * time.Hour
	maxRetryBackoff     = 192 * time.Hour
)

// StatusFor maps a consecutive-failure count to a health status.
func StatusFor(failures int) storage.HealthStatus {
	switch {
	case failures >= deadThreshold:
		return storage.HealthDead
	case failures >= unhealthyThreshold:
		return storage.HealthUnhealthy
	case failures >= warningThreshold:
		return storage.HealthWarning
	default:
		return storage.HealthHealthy
	}
}

// retryBackoff returns the skip window for a dead channel: 24h at the dead
// threshold, doubling per further failure, capped at 192h.
func retryBackoff(failures int) time.Duration {
	backoff := initialRetryBackoff
	for i := deadThreshold; i < failures; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return backoff
}

// Tracker records per-channel fetch outcomes and answers skip decisions.
type Tracker struct {
	store storage.HealthStore
	clock func() time.Time
	log   zerolog.Logger
}

// NewTracker creates a tracker over the given health store.
func NewTracker(store storage.HealthStore, log zerolog.Logger) *Tracker {
	return &Tracker{
		store: store,
		clock: time.Now,
		log:   log.With().Str("component", "health").Logger(),
	}
}

// WithClock substitutes the time source, for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) current(ctx context.Context, userID, channelID string) (*storage.ChannelHealth, error) {
	h, err := t.store.GetChannelHealth(ctx, userID, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.ChannelHealth{
			UserID:    userID,
			ChannelID: channelID,
			Status:    storage.HealthHealthy,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read channel health: %w", err)
	}
	return h, nil
}

// RecordSuccess resets the channel to healthy. A single successful fetch
// clears any accumulated failures.
func (t *Tracker) RecordSuccess(ctx context.Context, userID, channelID string) error {
	h, err := t.current(ctx, userID, channelID)
	if err != nil {
		return err
	}

	now := t.clock()
	if h.Status == storage.HealthDead {
		t.log.Info().
			Str("user_id", userID).
			Str("channel_id", channelID).
			Msg("dead channel recovered")
	}
	h.ConsecutiveFailures = 0
	h.Status = storage.HealthHealthy
	h.LastSuccessAt = &now
	h.LastFailureReason = ""
	h.NextRetryAt = nil

	if err := t.store.UpsertChannelHealth(ctx, h); err != nil {
		return fmt.Errorf("record channel success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure streak and downgrades the status.
// Returns the new status so callers can surface transitions.
func (t *Tracker) RecordFailure(ctx context.Context, userID, channelID, reason string) (storage.HealthStatus, error) {
	h, err := t.current(ctx, userID, channelID)
	if err != nil {
		return "", err
	}

	now := t.clock()
	prev := h.Status
	h.ConsecutiveFailures++
	h.Status = StatusFor(h.ConsecutiveFailures)
	h.LastFailureAt = &now
	h.LastFailureReason = reason
	if h.Status == storage.HealthDead {
		next := now.Add(retryBackoff(h.ConsecutiveFailures))
		h.NextRetryAt = &next
	}

	if err := t.store.UpsertChannelHealth(ctx, h); err != nil {
		return "", fmt.Errorf("record channel failure: %w", err)
	}

	if h.Status != prev {
		t.log.Warn().
			Str("user_id", userID).
			Str("channel_id", channelID).
			Str("status", string(h.Status)).
			Int("consecutive_failures", h.ConsecutiveFailures).
			Str("reason", reason).
			Msg("channel health downgraded")
	}
	return h.Status, nil
}

// ShouldSkip reports whether the channel is dead and inside its retry window.
// Unhealthy channels are still attempted; only dead ones are skipped.
func (t *Tracker) ShouldSkip(ctx context.Context, userID, channelID string) (bool, error) {
	h, err := t.current(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return t.skippable(h), nil
}

func (t *Tracker) skippable(h *storage.ChannelHealth) bool {
	return h.Status == storage.HealthDead && h.NextRetryAt != nil && h.NextRetryAt.After(t.clock())
}

// SkippableChannelIDs returns the subset of channelIDs that should be skipped
// this run, in one store round trip.
func (t *Tracker) SkippableChannelIDs(ctx context.Context, userID string, channelIDs []string) (map[string]bool, error) {
	records, err := t.store.ListChannelHealth(ctx, userID, channelIDs)
	if err != nil {
		return nil, fmt.Errorf("list channel health: %w", err)
	}
	skip := make(map[string]bool)
	for _, h := range records {
		if t.skippable(h) {
			skip[h.ChannelID] = true
		}
	}
	return skip, nil
}

// Status returns the channel's current record; a channel with no history is
// reported healthy.
func (t *Tracker) Status(ctx context.Context, userID, channelID string) (*storage.ChannelHealth, error) {
	return t.current(ctx, userID, channelID)
}
