package youtube

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Quota operation names shared with the quota ledger's cost table.
const (
	OpPlaylistList = "playlistItems.list"
	OpVideosList   = "videos.list"
	OpChannelsList = "channels.list"
)

// quotaCheckEvery bounds ledger-read overhead during long paginations: the
// ledger is re-checked before the first page and every quotaCheckEvery pages.
const quotaCheckEvery = 10

// PlaylistImportMax bounds a playlist import, which always fetches from the
// start of the list.
const PlaylistImportMax = 5000

// QuotaGate is the slice of the quota ledger the fetch pipeline needs.
type QuotaGate interface {
	// Exhausted reports whether the user's budget has crossed the critical
	// threshold and fetching must stop.
	Exhausted(ctx context.Context, userID string) (bool, error)
	// Track records consumed quota units for an operation.
	Track(ctx context.Context, userID, operation string, count int) error
}

// VideoRecord is a normalized video ready for staging.
type VideoRecord struct {
	VideoID          string
	ChannelID        string
	Title            string
	Thumbnail        string
	Duration         string
	DurationSeconds  int
	IsShort          bool
	PublishedAt      time.Time
	SourcePlaylistID string
}

// FetchRequest describes one channel or playlist fetch.
type FetchRequest struct {
	// UserID owns the quota budget being spent.
	UserID string
	// ChannelID is the source channel; empty for pure playlist imports.
	ChannelID string
	// ListID is the uploads-list or playlist identifier to paginate.
	ListID string
	// Since is the incremental cursor: pagination stops at the first item
	// published at or before it. Zero means fetch from the start.
	Since time.Time
	// MaxResults bounds the number of collected items. Zero means PageSize.
	MaxResults int
	// KeepShorts retains short-form items flagged IsShort instead of
	// dropping them. Set on the playlist-import path only.
	KeepShorts bool
	// IncludeLive retains live and upcoming broadcasts.
	IncludeLive bool
	// SkipScheduled drops items whose publish timestamp is in the future.
	SkipScheduled bool
	// SourcePlaylistID is recorded on staged videos from playlist imports.
	SourcePlaylistID string
	// ExistingVideoIDs are skipped during collection (playlist refresh
	// without duplication).
	ExistingVideoIDs map[string]struct{}
	// Shorts configures short-form classification.
	Shorts ShortsConfig
}

// FetchResult is the outcome of a fetch, possibly partial.
type FetchResult struct {
	// Videos are the normalized records gathered before any abort condition.
	Videos []VideoRecord
	// APICalls counts external calls made, successful or not.
	APICalls int
	// QuotaExhausted means fetching stopped because the quota budget ran
	// out; Videos holds whatever was gathered first.
	QuotaExhausted bool
	// ListNotFound means the list endpoint reported the list id stale or
	// gone.
	ListNotFound bool
	// ShouldRefreshListID tells the caller to re-resolve the uploads-list id
	// via a channel-details lookup and retry once.
	ShouldRefreshListID bool
	// Err is the terminal error for failures other than quota exhaustion
	// and stale list ids.
	Err error
}

// Fetcher runs the video fetch pipeline: paginate the list endpoint under
// quota supervision, then resolve details in batches and filter.
type Fetcher struct {
	api   API
	quota QuotaGate
	clock func() time.Time
	log   zerolog.Logger
}

// NewFetcher creates a fetch pipeline over the given API and quota gate.
func NewFetcher(api API, quota QuotaGate, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		api:   api,
		quota: quota,
		clock: time.Now,
		log:   log.With().Str("component", "fetch").Logger(),
	}
}

// WithClock substitutes the time source, for tests.
func (f *Fetcher) WithClock(clock func() time.Time) *Fetcher {
	f.clock = clock
	return f
}

// FetchChannelVideos fetches new videos for a channel's uploads list.
// The result is never nil; partial progress survives quota exhaustion.
func (f *Fetcher) FetchChannelVideos(ctx context.Context, req FetchRequest) *FetchResult {
	if req.MaxResults <= 0 {
		req.MaxResults = PageSize
	}
	return f.fetch(ctx, req)
}

// FetchPlaylistVideos fetches a playlist for explicit import: no incremental
// cursor, a much larger bound, and short-form items kept but flagged.
func (f *Fetcher) FetchPlaylistVideos(ctx context.Context, req FetchRequest) *FetchResult {
	req.Since = time.Time{}
	req.KeepShorts = true
	if req.MaxResults <= 0 {
		req.MaxResults = PlaylistImportMax
	}
	return f.fetch(ctx, req)
}

func (f *Fetcher) fetch(ctx context.Context, req FetchRequest) *FetchResult {
	res := &FetchResult{}

	collected, done := f.paginate(ctx, req, res)
	if done {
		return res
	}
	if len(collected) == 0 {
		return res
	}

	f.resolveDetails(ctx, req, collected, res)
	return res
}

// paginate walks the list endpoint newest-first, accumulating candidate
// items. Returns done=true when the result is already terminal.
func (f *Fetcher) paginate(ctx context.Context, req FetchRequest, res *FetchResult) ([]ListItem, bool) {
	var collected []ListItem
	pageToken := ""
	now := f.clock()

	for page := 0; ; page++ {
		if page%quotaCheckEvery == 0 {
			exhausted, err := f.quota.Exhausted(ctx, req.UserID)
			if err != nil {
				res.Err = fmt.Errorf("check quota: %w", err)
				return nil, true
			}
			if exhausted {
				res.QuotaExhausted = true
				return nil, true
			}
		}

		itemPage, err := f.api.PlaylistItemsPage(ctx, req.ListID, pageToken)
		res.APICalls++
		if err != nil {
			f.classifyListError(err, res)
			return nil, true
		}
		if err := f.quota.Track(ctx, req.UserID, OpPlaylistList, 1); err != nil {
			f.log.Warn().Err(err).Str("user_id", req.UserID).Msg("quota tracking failed")
		}

		stop := false
		for _, item := range itemPage.Items {
			// Items arrive newest-first, so the first item at or before the
			// cursor ends the incremental walk.
			if !req.Since.IsZero() && !item.PublishedAt.After(req.Since) {
				stop = true
				break
			}
			if req.SkipScheduled && item.PublishedAt.After(now) {
				continue
			}
			if req.ExistingVideoIDs != nil {
				if _, ok := req.ExistingVideoIDs[item.VideoID]; ok {
					continue
				}
			}
			collected = append(collected, item)
			if len(collected) >= req.MaxResults {
				stop = true
				break
			}
		}

		if stop || itemPage.NextPageToken == "" {
			break
		}
		pageToken = itemPage.NextPageToken
	}

	return collected, false
}

// resolveDetails looks up details in batches of DetailBatchSize and applies
// the live and short-form filters.
func (f *Fetcher) resolveDetails(ctx context.Context, req FetchRequest, items []ListItem, res *FetchResult) {
	listed := make(map[string]ListItem, len(items))
	for _, item := range items {
		listed[item.VideoID] = item
	}

	for start := 0; start < len(items); start += DetailBatchSize {
		end := start + DetailBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		ids := make([]string, len(batch))
		for i, item := range batch {
			ids[i] = item.VideoID
		}

		details, err := f.api.VideoDetails(ctx, ids)
		res.APICalls++
		if err != nil {
			if IsCode(err, CodeQuotaExceeded) {
				res.QuotaExhausted = true
				return
			}
			res.Err = err
			return
		}
		if err := f.quota.Track(ctx, req.UserID, OpVideosList, 1); err != nil {
			f.log.Warn().Err(err).Str("user_id", req.UserID).Msg("quota tracking failed")
		}

		for _, d := range details {
			if d.LiveBroadcast != BroadcastNone && !req.IncludeLive {
				continue
			}
			if d.PublishedAt.IsZero() {
				d.PublishedAt = listed[d.VideoID].PublishedAt
			}

			isShort := req.Shorts.IsShort(d.Title, d.DurationSeconds)
			if isShort && !req.KeepShorts {
				continue
			}

			channelID := d.ChannelID
			if req.ChannelID != "" {
				channelID = req.ChannelID
			}

			res.Videos = append(res.Videos, VideoRecord{
				VideoID:          d.VideoID,
				ChannelID:        channelID,
				Title:            d.Title,
				Thumbnail:        d.Thumbnail,
				Duration:         d.Duration,
				DurationSeconds:  d.DurationSeconds,
				IsShort:          isShort,
				PublishedAt:      d.PublishedAt,
				SourcePlaylistID: req.SourcePlaylistID,
			})
		}
	}
}

// classifyListError folds a list endpoint failure into result flags.
func (f *Fetcher) classifyListError(err error, res *FetchResult) {
	switch CodeOf(err) {
	case CodeQuotaExceeded:
		res.QuotaExhausted = true
	case CodeNotFound:
		res.ListNotFound = true
		res.ShouldRefreshListID = true
	default:
		res.Err = err
	}
}
