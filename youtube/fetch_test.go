package youtube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeAPI serves scripted pages and details.
type fakeAPI struct {
	pages       map[string][]*ItemPage // listID -> pages in order
	details     map[string]VideoDetail
	listErr     error
	detailsErr  error
	listCalls   int
	detailCalls int
}

func (f *fakeAPI) PlaylistItemsPage(ctx context.Context, playlistID, pageToken string) (*ItemPage, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	pages := f.pages[playlistID]
	idx := 0
	if pageToken != "" {
		for i := range pages {
			if tokenFor(i) == pageToken {
				idx = i
				break
			}
		}
	}
	if idx >= len(pages) {
		return &ItemPage{}, nil
	}
	page := &ItemPage{Items: pages[idx].Items}
	if idx+1 < len(pages) {
		page.NextPageToken = tokenFor(idx + 1)
	}
	return page, nil
}

func tokenFor(i int) string { return "page-" + string(rune('0'+i)) }

func (f *fakeAPI) VideoDetails(ctx context.Context, ids []string) ([]VideoDetail, error) {
	f.detailCalls++
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	var out []VideoDetail
	for _, id := range ids {
		if d, ok := f.details[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeAPI) UploadsPlaylistID(ctx context.Context, channelID string) (string, string, error) {
	return "UU" + channelID, "channel " + channelID, nil
}

// fakeQuota trips Exhausted after a set number of checks.
type fakeQuota struct {
	exhaustAfter int // -1 = never
	checks       int
	tracked      map[string]int
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{exhaustAfter: -1, tracked: make(map[string]int)}
}

func (q *fakeQuota) Exhausted(ctx context.Context, userID string) (bool, error) {
	q.checks++
	return q.exhaustAfter >= 0 && q.checks > q.exhaustAfter, nil
}

func (q *fakeQuota) Track(ctx context.Context, userID, operation string, count int) error {
	q.tracked[operation] += count
	return nil
}

func newItem(id string, published time.Time) ListItem {
	return ListItem{VideoID: id, ChannelID: "chan-1", Title: "video " + id, PublishedAt: published}
}

func newDetail(id string, seconds int, published time.Time) VideoDetail {
	return VideoDetail{
		VideoID:         id,
		ChannelID:       "chan-1",
		Title:           "video " + id,
		DurationSeconds: seconds,
		Duration:        FormatDuration(seconds),
		PublishedAt:     published,
		LiveBroadcast:   BroadcastNone,
	}
}

func testFetcher(api API, quota QuotaGate) *Fetcher {
	return NewFetcher(api, quota, zerolog.Nop())
}

func TestFetchChannelVideos_IncrementalCursorStopsEarly(t *testing.T) {
	base := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	cursor := base.Add(-48 * time.Hour)

	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"UUlist": {
				{Items: []ListItem{
					newItem("new-1", base),
					newItem("new-2", base.Add(-24*time.Hour)),
					newItem("old-1", cursor),                     // exactly at cursor: excluded
					newItem("old-2", cursor.Add(-24*time.Hour)), // past cursor
				}},
				// A second page that must never be fetched.
				{Items: []ListItem{newItem("old-3", cursor.Add(-48 * time.Hour))}},
			},
		},
		details: map[string]VideoDetail{
			"new-1": newDetail("new-1", 600, base),
			"new-2": newDetail("new-2", 700, base.Add(-24*time.Hour)),
			"old-1": newDetail("old-1", 800, cursor),
			"old-2": newDetail("old-2", 900, cursor.Add(-24*time.Hour)),
		},
	}

	res := testFetcher(api, newFakeQuota()).FetchChannelVideos(context.Background(), FetchRequest{
		UserID:    "user-1",
		ChannelID: "chan-1",
		ListID:    "UUlist",
		Since:     cursor,
		Shorts:    DefaultShortsConfig(),
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Videos) != 2 {
		t.Fatalf("got %d videos, want 2", len(res.Videos))
	}
	for _, v := range res.Videos {
		if !v.PublishedAt.After(cursor) {
			t.Errorf("video %s published %v is not after cursor %v", v.VideoID, v.PublishedAt, cursor)
		}
	}
	if api.listCalls != 1 {
		t.Errorf("made %d list calls, want 1 (early stop)", api.listCalls)
	}
}

func TestFetchChannelVideos_DropsShorts(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"UUlist": {{Items: []ListItem{
				newItem("long", now),
				newItem("tagged", now.Add(-time.Hour)),
				newItem("tiny", now.Add(-2*time.Hour)),
				newItem("teaser", now.Add(-3*time.Hour)),
			}}},
		},
		details: map[string]VideoDetail{
			"long":   newDetail("long", 1200, now),
			"tagged": {VideoID: "tagged", Title: "clip #shorts", DurationSeconds: 500, LiveBroadcast: BroadcastNone, PublishedAt: now},
			"tiny":   newDetail("tiny", 45, now),
			"teaser": {VideoID: "teaser", Title: "Official Teaser", DurationSeconds: 45, LiveBroadcast: BroadcastNone, PublishedAt: now},
		},
	}

	res := testFetcher(api, newFakeQuota()).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ChannelID: "chan-1", ListID: "UUlist",
		MaxResults: 10,
		Shorts:     DefaultShortsConfig(),
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	got := map[string]bool{}
	for _, v := range res.Videos {
		got[v.VideoID] = true
	}
	if !got["long"] || !got["teaser"] {
		t.Errorf("long-form videos missing: %v", got)
	}
	if got["tagged"] || got["tiny"] {
		t.Errorf("short-form videos were not dropped: %v", got)
	}
}

func TestFetchPlaylistVideos_KeepsShortsFlagged(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"PLimport": {{Items: []ListItem{
				newItem("long", now),
				newItem("tiny", now.Add(-time.Hour)),
			}}},
		},
		details: map[string]VideoDetail{
			"long": newDetail("long", 1200, now),
			"tiny": newDetail("tiny", 45, now),
		},
	}

	res := testFetcher(api, newFakeQuota()).FetchPlaylistVideos(context.Background(), FetchRequest{
		UserID:           "user-1",
		ListID:           "PLimport",
		SourcePlaylistID: "PLimport",
		Shorts:           DefaultShortsConfig(),
	})

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Videos) != 2 {
		t.Fatalf("got %d videos, want 2", len(res.Videos))
	}
	for _, v := range res.Videos {
		if v.SourcePlaylistID != "PLimport" {
			t.Errorf("video %s missing source playlist id", v.VideoID)
		}
		if v.VideoID == "tiny" && !v.IsShort {
			t.Errorf("short item not flagged IsShort on playlist import")
		}
		if v.VideoID == "long" && v.IsShort {
			t.Errorf("long item flagged IsShort")
		}
	}
}

func TestFetchPlaylistVideos_SkipsExistingIDs(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"PLimport": {{Items: []ListItem{
				newItem("known", now),
				newItem("fresh", now.Add(-time.Hour)),
			}}},
		},
		details: map[string]VideoDetail{
			"known": newDetail("known", 600, now),
			"fresh": newDetail("fresh", 600, now),
		},
	}

	res := testFetcher(api, newFakeQuota()).FetchPlaylistVideos(context.Background(), FetchRequest{
		UserID:           "user-1",
		ListID:           "PLimport",
		ExistingVideoIDs: map[string]struct{}{"known": {}},
		Shorts:           DefaultShortsConfig(),
	})

	if len(res.Videos) != 1 || res.Videos[0].VideoID != "fresh" {
		t.Errorf("existing video not skipped: %+v", res.Videos)
	}
}

func TestFetch_FiltersLiveAndScheduled(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"UUlist": {{Items: []ListItem{
				newItem("regular", now.Add(-time.Hour)),
				newItem("live", now.Add(-time.Minute)),
				newItem("scheduled", now.Add(48*time.Hour)),
			}}},
		},
		details: map[string]VideoDetail{
			"regular":   newDetail("regular", 600, now.Add(-time.Hour)),
			"live":      {VideoID: "live", Title: "live now", LiveBroadcast: BroadcastLive, PublishedAt: now},
			"scheduled": {VideoID: "scheduled", Title: "premiere", LiveBroadcast: BroadcastUpcoming, PublishedAt: now.Add(48 * time.Hour)},
		},
	}

	fetcher := testFetcher(api, newFakeQuota()).WithClock(func() time.Time { return now })
	res := fetcher.FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ChannelID: "chan-1", ListID: "UUlist",
		MaxResults:    10,
		SkipScheduled: true,
		Shorts:        DefaultShortsConfig(),
	})

	if len(res.Videos) != 1 || res.Videos[0].VideoID != "regular" {
		t.Errorf("live/scheduled filtering failed: %+v", res.Videos)
	}
}

func TestFetch_QuotaExhaustedBeforeFirstPage(t *testing.T) {
	quota := newFakeQuota()
	quota.exhaustAfter = 0

	api := &fakeAPI{pages: map[string][]*ItemPage{}}
	res := testFetcher(api, quota).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ListID: "UUlist", Shorts: DefaultShortsConfig(),
	})

	if !res.QuotaExhausted {
		t.Errorf("QuotaExhausted = false, want true")
	}
	if api.listCalls != 0 {
		t.Errorf("made %d API calls after exhaustion, want 0", api.listCalls)
	}
}

func TestFetch_QuotaExceededMidFetchReturnsPartial(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages: map[string][]*ItemPage{
			"UUlist": {{Items: []ListItem{newItem("v1", now)}}},
		},
		detailsErr: &APIError{Code: CodeQuotaExceeded, Op: "videos.list", Err: errors.New("quota spent")},
	}

	res := testFetcher(api, newFakeQuota()).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ListID: "UUlist", MaxResults: 10, Shorts: DefaultShortsConfig(),
	})

	if !res.QuotaExhausted {
		t.Errorf("QuotaExhausted = false, want true")
	}
	if res.Err != nil {
		t.Errorf("quota exhaustion reported as error: %v", res.Err)
	}
}

func TestFetch_ListNotFoundSignalsRefresh(t *testing.T) {
	api := &fakeAPI{
		listErr: &APIError{Code: CodeNotFound, Op: "playlistItems.list", Err: errors.New("playlist gone")},
	}

	res := testFetcher(api, newFakeQuota()).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ListID: "UUstale", Shorts: DefaultShortsConfig(),
	})

	if !res.ListNotFound || !res.ShouldRefreshListID {
		t.Errorf("stale list id not signalled: %+v", res)
	}
	if res.Err != nil {
		t.Errorf("stale list id reported as terminal error: %v", res.Err)
	}
}

func TestFetch_MaxResultsBounded(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	items := make([]ListItem, 0, 10)
	details := make(map[string]VideoDetail, 10)
	for i := 0; i < 10; i++ {
		id := "v" + string(rune('0'+i))
		items = append(items, newItem(id, now.Add(-time.Duration(i)*time.Hour)))
		details[id] = newDetail(id, 600, now)
	}

	api := &fakeAPI{
		pages:   map[string][]*ItemPage{"UUlist": {{Items: items}}},
		details: details,
	}

	res := testFetcher(api, newFakeQuota()).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ListID: "UUlist", MaxResults: 3, Shorts: DefaultShortsConfig(),
	})

	if len(res.Videos) != 3 {
		t.Errorf("got %d videos, want 3", len(res.Videos))
	}
}

func TestFetch_TracksQuotaPerCall(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		pages:   map[string][]*ItemPage{"UUlist": {{Items: []ListItem{newItem("v1", now)}}}},
		details: map[string]VideoDetail{"v1": newDetail("v1", 600, now)},
	}
	quota := newFakeQuota()

	res := testFetcher(api, quota).FetchChannelVideos(context.Background(), FetchRequest{
		UserID: "user-1", ListID: "UUlist", MaxResults: 10, Shorts: DefaultShortsConfig(),
	})

	if res.APICalls != 2 {
		t.Errorf("APICalls = %d, want 2", res.APICalls)
	}
	if quota.tracked[OpPlaylistList] != 1 || quota.tracked[OpVideosList] != 1 {
		t.Errorf("quota tracking = %v, want one unit per operation", quota.tracked)
	}
}
