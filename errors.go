package bentube

import (
	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/sync"
	"github.com/Bensmirus/bentube/youtube"
)

// Error types re-exported for library users.
//
// Sentinel errors work with errors.Is:
//
//	if errors.Is(err, bentube.ErrSyncInProgress) {
//		fmt.Println("a sync is already running for this user")
//	}
//
// Wrapped error types work with errors.As:
//
//	var apiErr *bentube.APIError
//	if errors.As(err, &apiErr) {
//		fmt.Printf("%s failed: %s\n", apiErr.Op, apiErr.Code)
//	}

// Type aliases for convenient error handling.
type (
	// APIError is a classified YouTube Data API failure.
	APIError = youtube.APIError
	// StorageError wraps a storage operation failure with its context.
	StorageError = storage.StorageError
	// StagingError reports how far a staging write got before failing.
	StagingError = storage.StagingError
)

// Sentinel errors from sub-packages.
var (
	// ErrSyncInProgress means another sync holds the user's lock.
	ErrSyncInProgress = sync.ErrSyncInProgress
	// ErrInsufficientQuota means the remaining daily budget cannot cover the
	// estimated cost of the sync.
	ErrInsufficientQuota = sync.ErrInsufficientQuota
	// ErrNoActiveSync means no run exists to report progress on or cancel.
	ErrNoActiveSync = sync.ErrNoActiveSync
	// ErrNotFound means the entity does not exist in storage.
	ErrNotFound = storage.ErrNotFound
	// ErrLockHeld means the sync lock is held by another owner.
	ErrLockHeld = storage.ErrLockHeld
)
