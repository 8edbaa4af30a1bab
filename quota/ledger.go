// Package quota tracks per-user, per-day API quota consumption against a
// fixed daily budget. The counter lives in central storage and is mutated
// with atomic increments only, so scheduled-job workers and interactive
// requests spending the same user's budget never collectively overspend.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Operation names matching the external API's published cost table.
const (
	// OpPlaylistList is one paginated list call: 1 unit.
	OpPlaylistList = "playlistItems.list"
	// OpVideosList is one batch-of-50 detail call: 1 unit.
	OpVideosList = "videos.list"
	// OpChannelsList is one channel-details call: 1 unit.
	OpChannelsList = "channels.list"
	// OpSearch is one search call: 100 units.
	OpSearch = "search.list"
)

// operationCosts is the static cost table, in quota units per call.
var operationCosts = map[string]int{
	OpPlaylistList: 1,
	OpVideosList:   1,
	OpChannelsList: 1,
	OpSearch:       100,
}

// Cost returns the unit cost of an operation; unknown operations cost 1.
func Cost(operation string) int {
	if c, ok := operationCosts[operation]; ok {
		return c
	}
	return 1
}

// Thresholds for budget zones, in percent of the daily limit.
const (
	warningThreshold  = 90.0
	criticalThreshold = 95.0
)

// estimateBuffer is the safety margin added to quota estimates.
const estimateBuffer = 0.10

// DefaultDailyLimit is the external API's stock daily budget.
const DefaultDailyLimit = 10000

// CounterStore persists usage counters. AddUsage must be an atomic increment
// at the storage layer, never read-modify-write in application code.
type CounterStore interface {
	// AddUsage atomically adds units to the user's counter for the given UTC
	// day and returns the new total.
	AddUsage(ctx context.Context, userID string, day time.Time, units int) (int, error)
	// Usage returns the user's consumed units for the given UTC day.
	Usage(ctx context.Context, userID string, day time.Time) (int, error)
}

// Status is a point-in-time view of a user's budget.
type Status struct {
	Used        int
	Limit       int
	Remaining   int
	ResetAt     time.Time
	PercentUsed float64
}

// IsWarning reports usage at or above 90% of the limit.
func (s Status) IsWarning() bool { return s.PercentUsed >= warningThreshold }

// IsCritical reports usage at or above 95% of the limit.
func (s Status) IsCritical() bool { return s.PercentUsed >= criticalThreshold }

// IsExhausted reports a fully spent budget.
func (s Status) IsExhausted() bool { return s.Remaining <= 0 }

// Decision is the outcome of an availability check.
type Decision struct {
	Allowed bool
	// Reason explains a denial; empty when allowed.
	Reason string
}

// Estimate describes a planned batch of work for budget prediction.
type Estimate struct {
	// Channels is the number of channels to fetch.
	Channels int
	// VideosPerChannel is the expected videos per channel.
	VideosPerChannel int
	// FullSync adds a channel-details lookup per channel.
	FullSync bool
}

// EstimateNeeded predicts the quota units a batch of work will consume,
// adding a 10% safety buffer. Each channel costs one list call plus one
// detail call per 50 videos.
func EstimateNeeded(e Estimate) int {
	if e.Channels <= 0 {
		return 0
	}
	videos := e.VideosPerChannel
	if videos <= 0 {
		videos = 50
	}
	callsPerChannel := (videos + 49) / 50 // list pages
	callsPerChannel += (videos + 49) / 50 // detail batches
	units := e.Channels * callsPerChannel
	if e.FullSync {
		units += e.Channels * Cost(OpChannelsList)
	}
	return int(float64(units)*(1+estimateBuffer)) + 1
}

// Ledger tracks quota consumption for all users against a shared daily limit.
type Ledger struct {
	store CounterStore
	limit int
	clock func() time.Time
	log   zerolog.Logger
}

// NewLedger creates a ledger over the given counter store.
func NewLedger(store CounterStore, dailyLimit int, log zerolog.Logger) *Ledger {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyLimit
	}
	return &Ledger{
		store: store,
		limit: dailyLimit,
		clock: time.Now,
		log:   log.With().Str("component", "quota").Logger(),
	}
}

// WithClock substitutes the time source, for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// day truncates now to the UTC day boundary the counters are keyed by.
func (l *Ledger) day() time.Time {
	now := l.clock().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Status returns the user's current budget view.
func (l *Ledger) Status(ctx context.Context, userID string) (Status, error) {
	day := l.day()
	used, err := l.store.Usage(ctx, userID, day)
	if err != nil {
		return Status{}, fmt.Errorf("read quota usage: %w", err)
	}

	st := Status{
		Used:    used,
		Limit:   l.limit,
		ResetAt: day.Add(24 * time.Hour),
	}
	st.Remaining = st.Limit - used
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	st.PercentUsed = float64(used) / float64(st.Limit) * 100
	return st, nil
}

// CheckAvailable decides whether estimated units may be spent. Critical-zone
// spending is denied unless allowCritical is set; that override is reserved
// for essential operations such as uploads-list id refresh.
func (l *Ledger) CheckAvailable(ctx context.Context, userID string, estimated int, allowCritical bool) (Decision, error) {
	st, err := l.Status(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case st.IsExhausted():
		return Decision{Reason: fmt.Sprintf("daily quota exhausted (%d/%d units), resets %s", st.Used, st.Limit, st.ResetAt.Format(time.RFC3339))}, nil
	case st.Remaining < estimated:
		return Decision{Reason: fmt.Sprintf("insufficient quota: %d units remaining, %d needed", st.Remaining, estimated)}, nil
	case st.IsCritical() && !allowCritical:
		return Decision{Reason: fmt.Sprintf("quota in critical zone (%.1f%% used), only essential operations allowed", st.PercentUsed)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Track records count executions of an operation against the user's counter.
func (l *Ledger) Track(ctx context.Context, userID, operation string, count int) error {
	if count <= 0 {
		return nil
	}
	units := Cost(operation) * count
	used, err := l.store.AddUsage(ctx, userID, l.day(), units)
	if err != nil {
		return fmt.Errorf("track quota usage: %w", err)
	}
	if pct := float64(used) / float64(l.limit) * 100; pct >= warningThreshold {
		l.log.Warn().
			Str("user_id", userID).
			Int("used", used).
			Int("limit", l.limit).
			Msg("quota usage above warning threshold")
	}
	return nil
}

// Exhausted reports whether the user's budget has crossed the critical
// threshold. The fetch pipeline polls this between pages to abort with
// partial results instead of overrunning the budget.
func (l *Ledger) Exhausted(ctx context.Context, userID string) (bool, error) {
	st, err := l.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.IsCritical() || st.IsExhausted(), nil
}
