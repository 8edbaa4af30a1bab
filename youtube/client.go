package youtube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/Bensmirus/bentube/internal/retry"
)

// ClientConfig configures the Data API client.
type ClientConfig struct {
	// APIKey authenticates requests against the Data API.
	APIKey string
	// Limiter configures the shared token bucket. All callers of one client
	// share the same bucket so concurrent consumers cannot overspend the rate.
	Limiter LimiterConfig
	// Retry configures exponential backoff for retryable failures.
	Retry retry.Config
}

// DefaultClientConfig returns defaults suitable for background sync work.
func DefaultClientConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:  apiKey,
		Limiter: DefaultLimiterConfig(),
		Retry:   retry.DefaultConfig(),
	}
}

// DataAPI implements API against the YouTube Data API v3. Every call passes
// through the token bucket, the circuit breaker, and the retry combinator, in
// that order. Only retryable taxonomy classes are retried; QUOTA_EXCEEDED and
// NOT_FOUND propagate immediately so the caller can take a structural action.
type DataAPI struct {
	service *yt.Service
	limiter *Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	retry   retry.Config
	log     zerolog.Logger
}

// NewDataAPI creates a Data API client.
func NewDataAPI(ctx context.Context, cfg ClientConfig, log zerolog.Logger) (*DataAPI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("youtube: api key required")
	}

	service, err := yt.NewService(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: "youtube-data-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Structural outcomes (missing playlist, private video, spent
			// quota) say nothing about service health. Only transport-level
			// failures should trip the breaker.
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Code != CodeNetworkError && apiErr.Code != CodeUnknown
			}
			return false
		},
	})

	return &DataAPI{
		service: service,
		limiter: NewLimiter(cfg.Limiter),
		breaker: breaker,
		retry:   cfg.Retry,
		log:     log.With().Str("component", "youtube").Logger(),
	}, nil
}

// call runs fn through the limiter, breaker, and retry combinator.
func (a *DataAPI) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, a.retry, retryableAPIError, func(ctx context.Context) error {
		if err := a.limiter.Acquire(ctx); err != nil {
			return err
		}

		_, err := a.breaker.Execute(func() (struct{}, error) {
			if err := fn(ctx); err != nil {
				return struct{}{}, Classify(op, err)
			}
			return struct{}{}, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &APIError{Code: CodeNetworkError, Op: op, Err: err}
			}
			apiErr := Classify(op, err)
			if apiErr.Code == CodeRateLimited {
				backoff := a.limiter.RecordRateLimitError(0)
				a.log.Warn().Str("op", op).Dur("backoff", backoff).Msg("rate limited, reducing request rate")
			}
			return apiErr
		}

		a.limiter.RecordSuccess()
		return nil
	})
}

// PlaylistItemsPage fetches one page of a playlist, newest first.
func (a *DataAPI) PlaylistItemsPage(ctx context.Context, playlistID, pageToken string) (*ItemPage, error) {
	var page *ItemPage

	err := a.call(ctx, "playlistItems.list", func(ctx context.Context) error {
		call := a.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(PageSize).
			PageToken(pageToken).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			return err
		}

		items := make([]ListItem, 0, len(resp.Items))
		for _, item := range resp.Items {
			if item.ContentDetails == nil {
				continue
			}
			li := ListItem{VideoID: item.ContentDetails.VideoId}
			if item.Snippet != nil {
				li.Title = item.Snippet.Title
				li.ChannelID = item.Snippet.ChannelId
				if t, perr := parseTimestamp(item.ContentDetails.VideoPublishedAt, item.Snippet.PublishedAt); perr == nil {
					li.PublishedAt = t
				}
			}
			items = append(items, li)
		}

		page = &ItemPage{Items: items, NextPageToken: resp.NextPageToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// VideoDetails resolves details for up to DetailBatchSize ids. Ids the API
// does not return (private or deleted videos) are silently absent.
func (a *DataAPI) VideoDetails(ctx context.Context, ids []string) ([]VideoDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > DetailBatchSize {
		return nil, fmt.Errorf("youtube: at most %d ids per details call, got %d", DetailBatchSize, len(ids))
	}

	var details []VideoDetail

	err := a.call(ctx, "videos.list", func(ctx context.Context) error {
		call := a.service.Videos.List([]string{"snippet", "contentDetails", "liveStreamingDetails"}).
			Id(ids...).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			return err
		}

		details = make([]VideoDetail, 0, len(resp.Items))
		for _, item := range resp.Items {
			d := VideoDetail{VideoID: item.Id, LiveBroadcast: BroadcastNone}
			if item.Snippet != nil {
				d.Title = item.Snippet.Title
				d.ChannelID = item.Snippet.ChannelId
				d.Thumbnail = bestThumbnail(item.Snippet.Thumbnails)
				if t, perr := parseTimestamp(item.Snippet.PublishedAt); perr == nil {
					d.PublishedAt = t
				}
				switch item.Snippet.LiveBroadcastContent {
				case "live":
					d.LiveBroadcast = BroadcastLive
				case "upcoming":
					d.LiveBroadcast = BroadcastUpcoming
				}
			}
			if item.ContentDetails != nil {
				d.DurationSeconds = ParseISODuration(item.ContentDetails.Duration)
				d.Duration = FormatDuration(d.DurationSeconds)
			}
			details = append(details, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// UploadsPlaylistID resolves a channel id to its uploads-list id and title.
func (a *DataAPI) UploadsPlaylistID(ctx context.Context, channelID string) (string, string, error) {
	var playlistID, title string

	err := a.call(ctx, "channels.list", func(ctx context.Context) error {
		call := a.service.Channels.List([]string{"contentDetails", "snippet"}).
			Id(channelID).
			Context(ctx)

		resp, err := call.Do()
		if err != nil {
			return err
		}
		if len(resp.Items) == 0 {
			return &APIError{Code: CodeNotFound, Op: "channels.list", Err: fmt.Errorf("channel %s not found", channelID)}
		}

		channel := resp.Items[0]
		if channel.ContentDetails != nil && channel.ContentDetails.RelatedPlaylists != nil {
			playlistID = channel.ContentDetails.RelatedPlaylists.Uploads
		}
		if channel.Snippet != nil {
			title = channel.Snippet.Title
		}
		if playlistID == "" {
			return &APIError{Code: CodeNotFound, Op: "channels.list", Err: fmt.Errorf("channel %s has no uploads list", channelID)}
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return playlistID, title, nil
}

// parseTimestamp parses the first non-empty RFC 3339 candidate.
func parseTimestamp(candidates ...string) (time.Time, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		return time.Parse(time.RFC3339, c)
	}
	return time.Time{}, fmt.Errorf("no timestamp present")
}

// bestThumbnail picks the highest useful resolution available.
func bestThumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, candidate := range []*yt.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if candidate != nil && candidate.Url != "" {
			return candidate.Url
		}
	}
	return ""
}
