// Package storage provides abstractions for persisting bentube sync data.
//
// Two implementations exist: a Postgres store used in production and an
// in-memory store used by tests and the development mode. The staging,
// commit, and rollback operations are atomic in both: a reader never
// observes a half-committed sync.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common storage conditions.
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("storage: not found")
	// ErrLockHeld indicates a live sync lock already exists for the user.
	ErrLockHeld = errors.New("storage: sync lock held")
	// ErrLockInvalid indicates the lock was reaped, expired, or cancelled
	// out from under its holder.
	ErrLockInvalid = errors.New("storage: sync lock invalid")
	// ErrInvalidInput indicates invalid or malformed input was provided.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// StorageError wraps storage errors with operation and entity context.
// Use errors.As() to extract this error type and get operation details.
type StorageError struct {
	// Op is the operation that failed ("create", "read", "update", "delete").
	Op string
	// Entity is the entity type ("sync_run", "staged_video", "lock", etc.).
	Entity string
	// ID is the entity ID if applicable.
	ID string
	// Err is the underlying error that occurred.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *StorageError) Unwrap() error { return e.Err }

// StagingError reports a partial staging write. Staged is exact: the caller
// decides commit-versus-rollback based on how much data is durably staged.
type StagingError struct {
	// Staged is the number of rows durably written before the failure.
	Staged int
	// Total is the number of rows the call attempted to write.
	Total int
	// Batch is the 1-based batch number that failed.
	Batch int
	// Err is the underlying error.
	Err error
}

// Error returns a string representation of the staging error.
func (e *StagingError) Error() string {
	return fmt.Sprintf("storage: staging failed at batch %d (%d/%d rows staged): %v", e.Batch, e.Staged, e.Total, e.Err)
}

// Unwrap returns the underlying error.
func (e *StagingError) Unwrap() error { return e.Err }

// StageBatchSize bounds rows per staging write to keep individual calls
// comfortably under statement timeouts on large imports.
const StageBatchSize = 1000

// Store is the umbrella interface over all sync storage. Implementations
// must be safe for concurrent use.
type Store interface {
	StagingStore
	SyncRunStore
	LockStore
	ChannelStore
	PlaylistStore
	VideoStore
	QuotaStore
	HealthStore

	// Close releases any resources held by the store.
	Close() error
}

// StagingStore buffers fetched videos per sync and promotes or discards them
// atomically.
type StagingStore interface {
	// StageVideos upserts staged videos keyed by (sync id, video id), in
	// batches of StageBatchSize. Returns the rows staged; on failure the
	// error is a *StagingError carrying exact partial progress.
	StageVideos(ctx context.Context, videos []*StagedVideo) (int, error)

	// StageVideoChannels upserts video-channel discovery rows with the same
	// batching discipline.
	StageVideoChannels(ctx context.Context, assocs []*StagedVideoChannel) (int, error)

	// CommitSync atomically promotes all staged rows for the sync into the
	// permanent video table (upsert on (user id, video id)), links
	// cross-channel duplicates, and deletes the staging rows. Partial
	// commits are impossible; committing an already-committed sync reports
	// zero videos.
	CommitSync(ctx context.Context, syncID string) (*CommitResult, error)

	// RollbackSync atomically deletes all staged rows for the sync.
	RollbackSync(ctx context.Context, syncID string) (*RollbackResult, error)

	// CleanupOrphanedStaging deletes staging rows older than the threshold
	// whose owner is gone: no live lock for the user and no quota-paused
	// run for the sync. Returns rows deleted.
	CleanupOrphanedStaging(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SyncRunStore persists sync run records for progress polling and history.
type SyncRunStore interface {
	CreateSyncRun(ctx context.Context, run *SyncRun) error
	UpdateSyncRun(ctx context.Context, run *SyncRun) error
	// GetSyncRun returns a run by id.
	GetSyncRun(ctx context.Context, syncID string) (*SyncRun, error)
	// GetLatestSyncRun returns the user's most recent run, ErrNotFound if none.
	GetLatestSyncRun(ctx context.Context, userID string) (*SyncRun, error)
	// GetQuotaPausedRun returns the user's quota-paused run, ErrNotFound if none.
	GetQuotaPausedRun(ctx context.Context, userID string) (*SyncRun, error)
	// PauseSyncForQuota marks the run quota-paused with its staged rows kept,
	// recording when the quota budget resets.
	PauseSyncForQuota(ctx context.Context, syncID string, resumeAfter time.Time) error
	// CountSyncRuns returns the user's total run count.
	CountSyncRuns(ctx context.Context, userID string) (int, error)
	// ListSyncCandidates returns user ids whose latest run started before
	// the cutoff (or who never ran), bounded by limit.
	ListSyncCandidates(ctx context.Context, notSyncedSince time.Time, limit int) ([]string, error)
}

// LockStore implements the per-user distributed sync lock with expiry-based
// auto-release.
type LockStore interface {
	// AcquireLock inserts a lock with the given TTL. Returns ErrLockHeld if
	// an unexpired lock exists for the user.
	AcquireLock(ctx context.Context, userID string, ttl time.Duration) (*SyncLock, error)
	// ExtendLock pushes the expiry forward. Returns ErrLockInvalid if the
	// lock no longer exists or the lock id does not match.
	ExtendLock(ctx context.Context, userID, lockID string, ttl time.Duration) error
	// ReleaseLock deletes the lock. Idempotent: releasing an absent or
	// expired lock is not an error.
	ReleaseLock(ctx context.Context, userID, lockID string) error
	// CancelLock sets the cancellation flag on the user's active lock.
	CancelLock(ctx context.Context, userID string) error
	// IsCancelled reads the cancellation flag. Returns ErrLockInvalid if the
	// lock is gone.
	IsCancelled(ctx context.Context, userID, lockID string) (bool, error)
	// ReapExpiredLocks deletes expired locks, returning the number reaped.
	ReapExpiredLocks(ctx context.Context) (int64, error)
}

// ChannelStore reads and updates tracked channels. Channel CRUD itself is
// owned by the surrounding application; the sync engine only consumes it.
type ChannelStore interface {
	UpsertChannel(ctx context.Context, channel *Channel) error
	GetChannel(ctx context.Context, userID, channelID string) (*Channel, error)
	// ListGroupChannels returns the user's channels in the given group, in
	// stable order. An empty groupID means any group.
	ListGroupChannels(ctx context.Context, userID, groupID string) ([]*Channel, error)
	// UpdateChannelCursor sets the channel's last-fetched timestamp. Called
	// after every fetch attempt, success or not, to avoid hot-looping on a
	// permanently failing channel.
	UpdateChannelCursor(ctx context.Context, userID, channelID string, fetchedAt time.Time) error
	// UpdateUploadsListID stores a freshly resolved uploads-list id.
	UpdateUploadsListID(ctx context.Context, userID, channelID, uploadsListID string, refreshedAt time.Time) error
	// ListChannelsForUploadsRefresh returns channels whose uploads-list id
	// was last resolved before the cutoff.
	ListChannelsForUploadsRefresh(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Channel, error)
}

// PlaylistStore reads grouped playlists for the playlist sync phase.
type PlaylistStore interface {
	UpsertPlaylist(ctx context.Context, playlist *Playlist) error
	// ListGroupPlaylists returns the user's playlists in the given group.
	// An empty groupID means any group.
	ListGroupPlaylists(ctx context.Context, userID, groupID string) ([]*Playlist, error)
}

// VideoStore reads committed videos. Writes happen only through CommitSync.
type VideoStore interface {
	// CountChannelVideos returns the user's committed video count for a
	// channel; zero means the channel is treated as new regardless of its
	// stored cursor.
	CountChannelVideos(ctx context.Context, userID, channelID string) (int, error)
	// ListPlaylistVideoIDs returns committed video ids imported from the
	// playlist, for refresh-without-duplication.
	ListPlaylistVideoIDs(ctx context.Context, userID, playlistID string) ([]string, error)
	// GetVideo returns one committed video.
	GetVideo(ctx context.Context, userID, videoID string) (*Video, error)
	// DeleteChannelVideos removes a user's videos for a channel, used when a
	// channel leaves all groups.
	DeleteChannelVideos(ctx context.Context, userID, channelID string) (int64, error)
}

// QuotaStore persists per-user per-day quota counters with atomic
// increments. It satisfies the quota ledger's CounterStore contract.
type QuotaStore interface {
	AddUsage(ctx context.Context, userID string, day time.Time, units int) (int, error)
	Usage(ctx context.Context, userID string, day time.Time) (int, error)
}

// HealthStore persists per-channel health records.
type HealthStore interface {
	GetChannelHealth(ctx context.Context, userID, channelID string) (*ChannelHealth, error)
	UpsertChannelHealth(ctx context.Context, health *ChannelHealth) error
	// ListChannelHealth returns records for the given channels; channels
	// with no record yet are absent from the result.
	ListChannelHealth(ctx context.Context, userID string, channelIDs []string) ([]*ChannelHealth, error)
}
