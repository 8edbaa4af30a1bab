// Package youtube wraps the external video-hosting API behind a narrow
// contract: paginated list-item pages, batched detail lookup, and
// channel-to-uploads-list resolution. Every outbound call is rate limited,
// circuit broken, and retried, and failures are classified into a closed
// error taxonomy the sync engine can act on.
package youtube

import (
	"context"
	"time"
)

// PageSize is the list endpoint's maximum page size.
const PageSize = 50

// DetailBatchSize is the detail endpoint's maximum ids per call.
const DetailBatchSize = 50

// LiveBroadcastState describes an item's live-broadcast status.
type LiveBroadcastState string

const (
	// BroadcastNone marks regular uploaded content.
	BroadcastNone LiveBroadcastState = "none"
	// BroadcastLive marks a currently live stream.
	BroadcastLive LiveBroadcastState = "live"
	// BroadcastUpcoming marks a scheduled premiere or stream.
	BroadcastUpcoming LiveBroadcastState = "upcoming"
)

// ListItem is one entry of a paginated uploads-list or playlist page.
type ListItem struct {
	// VideoID is the external video identifier.
	VideoID string
	// ChannelID is the owning channel, when the API reports one.
	ChannelID string
	// Title is the item title as listed.
	Title string
	// PublishedAt is the publish timestamp. Pages arrive newest-first; the
	// incremental cursor early-stop depends on that ordering.
	PublishedAt time.Time
}

// ItemPage is one page of list results plus the cursor for the next page.
type ItemPage struct {
	Items []ListItem
	// NextPageToken is empty once the list is exhausted.
	NextPageToken string
}

// VideoDetail is the detail endpoint's view of a single video.
type VideoDetail struct {
	VideoID     string
	ChannelID   string
	Title       string
	Thumbnail   string
	PublishedAt time.Time
	// DurationSeconds is the parsed length; zero for live content.
	DurationSeconds int
	// Duration is the human-readable form ("12:04", "1:02:45").
	Duration string
	// LiveBroadcast reports live/upcoming classification.
	LiveBroadcast LiveBroadcastState
}

// API is the contract the sync engine requires from the video-hosting API.
// Implementations must classify failures via the package error taxonomy.
type API interface {
	// PlaylistItemsPage fetches one page (at most PageSize items, newest
	// first) of the given uploads list or playlist.
	PlaylistItemsPage(ctx context.Context, playlistID, pageToken string) (*ItemPage, error)

	// VideoDetails resolves details for up to DetailBatchSize video ids.
	// Private or deleted videos are silently absent from the result.
	VideoDetails(ctx context.Context, ids []string) ([]VideoDetail, error)

	// UploadsPlaylistID resolves a channel id to its uploads-list id and
	// display title.
	UploadsPlaylistID(ctx context.Context, channelID string) (playlistID, title string, err error)
}
