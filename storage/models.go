package storage

import "time"

// SyncPhase is the lifecycle phase of a SyncRun.
type SyncPhase string

const (
	PhaseIdle            SyncPhase = "idle"
	PhaseStarting        SyncPhase = "starting"
	PhaseChannelDetails  SyncPhase = "fetching_channel_details"
	PhaseSyncingVideos   SyncPhase = "syncing_videos"
	PhaseSyncingPlaylist SyncPhase = "syncing_playlists"
	PhaseCompleting      SyncPhase = "completing"
	PhaseComplete        SyncPhase = "complete"
	PhaseError           SyncPhase = "error"
	// PhaseQuotaPaused marks a run suspended for quota exhaustion, resumable
	// once the budget resets. Reachable from the video and playlist phases.
	PhaseQuotaPaused SyncPhase = "quota_paused"
)

// Terminal reports whether the phase ends a run. A quota-paused run is not
// terminal: its staged progress has been committed but the run resumes later.
func (p SyncPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// SyncError records one per-channel or per-playlist failure inside a run.
type SyncError struct {
	// ChannelID or PlaylistID identifies the failed source.
	ChannelID  string    `json:"channel_id,omitempty"`
	PlaylistID string    `json:"playlist_id,omitempty"`
	// Title is the source's display name, for user-facing failure lists.
	Title string `json:"title,omitempty"`
	// Reason is the classified failure description.
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SyncRun is one execution of the orchestrator for one user, from lock
// acquisition to lock release. A terminal record is retained for history.
type SyncRun struct {
	// ID is the sync identifier, generated at start.
	ID string `json:"id"`
	// UserID owns the run. At most one non-terminal run exists per user,
	// enforced by the sync lock.
	UserID string    `json:"user_id"`
	Phase  SyncPhase `json:"phase"`

	ChannelsTotal      int `json:"channels_total"`
	ChannelsProcessed  int `json:"channels_processed"`
	ChannelsFailed     int `json:"channels_failed"`
	PlaylistsTotal     int `json:"playlists_total"`
	PlaylistsProcessed int `json:"playlists_processed"`
	PlaylistsFailed    int `json:"playlists_failed"`
	VideosAdded        int `json:"videos_added"`
	QuotaUnits         int `json:"quota_units"`
	APICalls           int `json:"api_calls"`

	Errors []SyncError `json:"errors,omitempty"`

	// Summary is the single-sentence terminal description of the run.
	Summary string `json:"summary,omitempty"`
	// Cancelled marks a run stopped by an explicit cancel action.
	Cancelled bool `json:"cancelled,omitempty"`

	// ResumeAfter is set while quota-paused: the next quota reset time.
	ResumeAfter *time.Time `json:"resume_after,omitempty"`
	// RemainingChannelIDs are the candidates not yet processed when the run
	// paused; a resume continues here without re-fetching earlier channels.
	RemainingChannelIDs []string `json:"remaining_channel_ids,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AddChannelError appends a per-channel failure.
func (r *SyncRun) AddChannelError(channelID, title, reason string, at time.Time) {
	r.ChannelsFailed++
	r.Errors = append(r.Errors, SyncError{ChannelID: channelID, Title: title, Reason: reason, At: at})
}

// AddPlaylistError appends a per-playlist failure.
func (r *SyncRun) AddPlaylistError(playlistID, title, reason string, at time.Time) {
	r.PlaylistsFailed++
	r.Errors = append(r.Errors, SyncError{PlaylistID: playlistID, Title: title, Reason: reason, At: at})
}

// StagedVideo is a fetched video buffered in staging, invisible to the rest
// of the system until its sync commits. Unique per (SyncID, VideoID).
type StagedVideo struct {
	SyncID           string    `json:"sync_id"`
	UserID           string    `json:"user_id"`
	ChannelID        string    `json:"channel_id"`
	VideoID          string    `json:"video_id"`
	Title            string    `json:"title"`
	Thumbnail        string    `json:"thumbnail,omitempty"`
	Duration         string    `json:"duration,omitempty"`
	DurationSeconds  int       `json:"duration_seconds"`
	IsShort          bool      `json:"is_short"`
	PublishedAt      time.Time `json:"published_at"`
	SourcePlaylistID string    `json:"source_playlist_id,omitempty"`
	StagedAt         time.Time `json:"staged_at"`
}

// StagedVideoChannel records that a video id was discovered under a channel
// during a sync, for cross-channel duplicate bookkeeping. Unique per
// (SyncID, VideoID, ChannelID).
type StagedVideoChannel struct {
	SyncID    string    `json:"sync_id"`
	UserID    string    `json:"user_id"`
	VideoID   string    `json:"video_id"`
	ChannelID string    `json:"channel_id"`
	StagedAt  time.Time `json:"staged_at"`
}

// Video is the committed entity. Each user holds an independent copy even of
// shared public content. Unique per (UserID, VideoID); created only by
// commit, updated by later syncs through upsert.
type Video struct {
	UserID           string    `json:"user_id"`
	VideoID          string    `json:"video_id"`
	ChannelID        string    `json:"channel_id"`
	Title            string    `json:"title"`
	Thumbnail        string    `json:"thumbnail,omitempty"`
	Duration         string    `json:"duration,omitempty"`
	DurationSeconds  int       `json:"duration_seconds"`
	IsShort          bool      `json:"is_short"`
	PublishedAt      time.Time `json:"published_at"`
	SourcePlaylistID string    `json:"source_playlist_id,omitempty"`
	AddedAt          time.Time `json:"added_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Channel is a subscribed channel tracked for a user.
type Channel struct {
	UserID string `json:"user_id"`
	// ChannelID is the external channel identifier.
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	// UploadsListID is the external API's handle for the channel's
	// chronological video list. Can go stale; re-resolved on NOT_FOUND.
	UploadsListID string `json:"uploads_list_id"`
	// GroupIDs are the topic groups the channel belongs to; only grouped
	// channels are sync candidates.
	GroupIDs []string `json:"group_ids,omitempty"`
	// LastFetchedAt is the incremental cursor: the time of the last fetch
	// attempt, successful or not.
	LastFetchedAt time.Time `json:"last_fetched_at,omitempty"`
	// UploadsListRefreshedAt is when the uploads-list id was last resolved.
	UploadsListRefreshedAt time.Time `json:"uploads_list_refreshed_at,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// Playlist is a user playlist; grouped playlists are synced after channels.
type Playlist struct {
	UserID     string    `json:"user_id"`
	PlaylistID string    `json:"playlist_id"`
	Title      string    `json:"title"`
	GroupIDs   []string  `json:"group_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InGroup reports membership in the given group, or in any group when
// groupID is empty.
func (c *Channel) InGroup(groupID string) bool {
	return inGroup(c.GroupIDs, groupID)
}

// InGroup reports membership in the given group, or in any group when
// groupID is empty.
func (p *Playlist) InGroup(groupID string) bool {
	return inGroup(p.GroupIDs, groupID)
}

func inGroup(groupIDs []string, groupID string) bool {
	if groupID == "" {
		return len(groupIDs) > 0
	}
	for _, id := range groupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// HealthStatus is a channel's API reachability classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDead      HealthStatus = "dead"
)

// ChannelHealth tracks consecutive fetch failures per channel. Health
// reflects API reachability, not sync outcome: it is updated after every
// fetch attempt regardless of whether the owning sync commits.
type ChannelHealth struct {
	UserID              string       `json:"user_id"`
	ChannelID           string       `json:"channel_id"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Status              HealthStatus `json:"status"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	LastFailureReason   string       `json:"last_failure_reason,omitempty"`
	// NextRetryAt is the earliest probe time for a dead channel, computed
	// with doubling backoff.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// QuotaCounter is a user's consumption for one UTC day.
type QuotaCounter struct {
	UserID string    `json:"user_id"`
	Day    time.Time `json:"day"`
	Used   int       `json:"used"`
}

// SyncLock is the per-user mutual exclusion guarding sync runs. At most one
// unexpired lock exists per user at any instant.
type SyncLock struct {
	UserID     string    `json:"user_id"`
	LockID     string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	// Cancelled is the cooperative cancellation side channel, settable by a
	// separate cancel action and polled by the running orchestrator.
	Cancelled bool `json:"cancelled"`
}

// CommitResult reports an atomic staging promotion.
type CommitResult struct {
	VideosCommitted  int `json:"videos_committed"`
	DuplicatesLinked int `json:"duplicates_linked"`
}

// RollbackResult reports an atomic staging discard.
type RollbackResult struct {
	VideosDiscarded       int `json:"videos_discarded"`
	AssociationsDiscarded int `json:"associations_discarded"`
}
