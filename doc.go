// Package bentube keeps a per-user library of YouTube videos in sync with
// the channels and playlists the user follows.
//
// # Overview
//
// The module is organized around a small set of packages:
//
//   - youtube: Data API client with rate limiting, retries, a circuit
//     breaker, and an error taxonomy; plus the fetch pipeline that turns
//     uploads lists into normalized video records
//   - quota: per-user daily API budget ledger with warning and critical
//     spending zones
//   - health: per-channel failure tracking with dead-channel backoff
//   - storage: staging, commit, and rollback of fetched videos, sync run
//     bookkeeping, and the distributed per-user sync lock; Postgres and
//     in-memory implementations
//   - sync: the orchestrator that runs a whole sync end to end, pauses on
//     quota exhaustion, and resumes later; plus the background scheduler
//   - server: the HTTP trigger surface
//   - config: daemon configuration
//
// # Quick Start
//
// Run a sync programmatically:
//
//	store := storage.NewMemStore()
//	api, err := youtube.NewDataAPI(ctx, youtube.DefaultClientConfig(apiKey), log)
//	if err != nil {
//		return err
//	}
//	ledger := quota.NewLedger(store, 10000, log)
//	tracker := health.NewTracker(store, log)
//	engine := sync.NewEngine(store, api, ledger, tracker, nil, sync.Options{}, log)
//
//	run, err := engine.StartSync(ctx, userID, sync.StartOptions{})
//	if err != nil {
//		return err
//	}
//	fmt.Println(run.Summary)
//
// Or run the daemon:
//
//	bentubed
//
// # Synchronization Model
//
// A sync fetches new videos for every followed channel since that channel's
// cursor, stages them, and commits the batch atomically at the end. A failed
// or cancelled run rolls the staging area back, so the permanent library
// only ever moves in consistent steps. When the API quota budget runs out
// mid-run the engine commits the partial batch, records which channels
// remain, and resumes from there after the daily reset.
//
// # Error Handling
//
// All operations return errors that work with errors.Is and errors.As:
//
//	if errors.Is(err, sync.ErrSyncInProgress) {
//		// another sync holds the user's lock
//	}
//
//	var apiErr *youtube.APIError
//	if errors.As(err, &apiErr) {
//		fmt.Println(apiErr.Code)
//	}
package bentube
