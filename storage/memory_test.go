package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func stagedVideo(syncID, userID, channelID, videoID string, stagedAt time.Time) *StagedVideo {
	return &StagedVideo{
		SyncID:    syncID,
		UserID:    userID,
		ChannelID: channelID,
		VideoID:   videoID,
		Title:     "video " + videoID,
		StagedAt:  stagedAt,
	}
}

func TestMemStore_CommitPromotesStagedVideos(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	videos := []*StagedVideo{
		stagedVideo("sync1", "u1", "ch1", "v1", now),
		stagedVideo("sync1", "u1", "ch1", "v2", now),
		stagedVideo("sync1", "u1", "ch2", "v3", now),
	}
	if _, err := store.StageVideos(ctx, videos); err != nil {
		t.Fatalf("StageVideos() error = %v", err)
	}

	res, err := store.CommitSync(ctx, "sync1")
	if err != nil {
		t.Fatalf("CommitSync() error = %v", err)
	}
	if res.VideosCommitted != 3 {
		t.Errorf("VideosCommitted = %d, want 3", res.VideosCommitted)
	}

	v, err := store.GetVideo(ctx, "u1", "v2")
	if err != nil {
		t.Fatalf("GetVideo() after commit error = %v", err)
	}
	if v.ChannelID != "ch1" || v.Title != "video v2" {
		t.Errorf("committed video = %+v", v)
	}

	// Staging is emptied: a second commit promotes nothing.
	res, err = store.CommitSync(ctx, "sync1")
	if err != nil {
		t.Fatalf("repeat CommitSync() error = %v", err)
	}
	if res.VideosCommitted != 0 {
		t.Errorf("repeat commit promoted %d videos, want 0", res.VideosCommitted)
	}
}

func TestMemStore_CommitUpsertsExistingVideo(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("sync1", "u1", "ch1", "v1", now)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CommitSync(ctx, "sync1"); err != nil {
		t.Fatal(err)
	}

	updated := stagedVideo("sync2", "u1", "ch1", "v1", now)
	updated.Title = "renamed"
	if _, err := store.StageVideos(ctx, []*StagedVideo{updated}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CommitSync(ctx, "sync2"); err != nil {
		t.Fatal(err)
	}

	v, err := store.GetVideo(ctx, "u1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Title != "renamed" {
		t.Errorf("Title = %q, want updated title", v.Title)
	}
	if n, _ := store.CountChannelVideos(ctx, "u1", "ch1"); n != 1 {
		t.Errorf("CountChannelVideos = %d, want 1 (upsert, not duplicate)", n)
	}
}

func TestMemStore_CommitLinksCrossChannelDuplicates(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	// v1 committed under ch1 in an earlier sync.
	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("sync1", "u1", "ch1", "v1", now)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CommitSync(ctx, "sync1"); err != nil {
		t.Fatal(err)
	}

	// Later sync discovers the same video under ch2.
	if _, err := store.StageVideoChannels(ctx, []*StagedVideoChannel{
		{SyncID: "sync2", UserID: "u1", VideoID: "v1", ChannelID: "ch2", StagedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := store.CommitSync(ctx, "sync2")
	if err != nil {
		t.Fatal(err)
	}
	if res.DuplicatesLinked != 1 {
		t.Errorf("DuplicatesLinked = %d, want 1", res.DuplicatesLinked)
	}
}

func TestMemStore_RollbackDiscardsStaging(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	if _, err := store.StageVideos(ctx, []*StagedVideo{
		stagedVideo("sync1", "u1", "ch1", "v1", now),
		stagedVideo("sync1", "u1", "ch1", "v2", now),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StageVideoChannels(ctx, []*StagedVideoChannel{
		{SyncID: "sync1", UserID: "u1", VideoID: "v1", ChannelID: "ch1", StagedAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := store.RollbackSync(ctx, "sync1")
	if err != nil {
		t.Fatalf("RollbackSync() error = %v", err)
	}
	if res.VideosDiscarded != 2 || res.AssociationsDiscarded != 1 {
		t.Errorf("RollbackSync() = %+v, want 2 videos / 1 association", res)
	}

	if _, err := store.GetVideo(ctx, "u1", "v1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back video visible: err = %v", err)
	}
}

func TestMemStore_CleanupOrphanedStaging(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	old := now.Add(-3 * time.Hour)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	// Orphan: old rows, no lock, no paused run.
	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("orphan", "u1", "ch1", "v1", old)}); err != nil {
		t.Fatal(err)
	}
	// Fresh rows stay.
	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("fresh", "u2", "ch1", "v2", now)}); err != nil {
		t.Fatal(err)
	}
	// Old rows owned by a live lock stay.
	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("locked", "u3", "ch1", "v3", old)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcquireLock(ctx, "u3", time.Hour); err != nil {
		t.Fatal(err)
	}
	// Old rows belonging to a quota-paused run stay.
	if _, err := store.StageVideos(ctx, []*StagedVideo{stagedVideo("paused", "u4", "ch1", "v4", old)}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSyncRun(ctx, &SyncRun{ID: "paused", UserID: "u4", Phase: PhaseSyncingVideos, StartedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := store.PauseSyncForQuota(ctx, "paused", now.Add(12*time.Hour)); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.CleanupOrphanedStaging(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOrphanedStaging() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d rows, want 1 (only the orphan)", deleted)
	}
	if len(store.stagedVideos["fresh"]) != 1 || len(store.stagedVideos["locked"]) != 1 || len(store.stagedVideos["paused"]) != 1 {
		t.Errorf("cleanup removed protected staging rows")
	}
}

func TestMemStore_LockMutualExclusion(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, "u1", 30*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.LockID == "" {
		t.Fatal("AcquireLock() returned empty lock id")
	}

	if _, err := store.AcquireLock(ctx, "u1", 30*time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second AcquireLock() error = %v, want ErrLockHeld", err)
	}

	// Another user is unaffected.
	if _, err := store.AcquireLock(ctx, "u2", 30*time.Minute); err != nil {
		t.Errorf("AcquireLock() for other user error = %v", err)
	}

	if err := store.ReleaseLock(ctx, "u1", lock.LockID); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}
	if _, err := store.AcquireLock(ctx, "u1", 30*time.Minute); err != nil {
		t.Errorf("AcquireLock() after release error = %v", err)
	}
}

func TestMemStore_ExpiredLockIsReacquirable(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := now
	store := NewMemStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	stale, err := store.AcquireLock(ctx, "u1", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	clock = now.Add(31 * time.Minute)
	if _, err := store.AcquireLock(ctx, "u1", 30*time.Minute); err != nil {
		t.Errorf("AcquireLock() over expired lock error = %v", err)
	}

	// The stale holder can no longer extend.
	if err := store.ExtendLock(ctx, "u1", stale.LockID, 30*time.Minute); !errors.Is(err, ErrLockInvalid) {
		t.Errorf("ExtendLock() with stale lock id error = %v, want ErrLockInvalid", err)
	}
}

func TestMemStore_CancelFlag(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, "u1", 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := store.IsCancelled(ctx, "u1", lock.LockID)
	if err != nil || cancelled {
		t.Fatalf("IsCancelled() = %v, %v before cancel", cancelled, err)
	}

	if err := store.CancelLock(ctx, "u1"); err != nil {
		t.Fatalf("CancelLock() error = %v", err)
	}
	cancelled, err = store.IsCancelled(ctx, "u1", lock.LockID)
	if err != nil || !cancelled {
		t.Errorf("IsCancelled() = %v, %v after cancel, want true", cancelled, err)
	}

	if err := store.CancelLock(ctx, "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelLock() without a lock error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ReapExpiredLocks(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := now
	store := NewMemStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	if _, err := store.AcquireLock(ctx, "u1", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcquireLock(ctx, "u2", time.Hour); err != nil {
		t.Fatal(err)
	}

	clock = now.Add(30 * time.Minute)
	reaped, err := store.ReapExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLocks() error = %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	if _, ok := store.locks["u2"]; !ok {
		t.Error("live lock was reaped")
	}
}

func TestMemStore_SyncRunLifecycle(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	run := &SyncRun{ID: "sync1", UserID: "u1", Phase: PhaseStarting, StartedAt: now}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}

	run.Phase = PhaseSyncingVideos
	run.ChannelsProcessed = 5
	if err := store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatalf("UpdateSyncRun() error = %v", err)
	}

	got, err := store.GetLatestSyncRun(ctx, "u1")
	if err != nil {
		t.Fatalf("GetLatestSyncRun() error = %v", err)
	}
	if got.Phase != PhaseSyncingVideos || got.ChannelsProcessed != 5 {
		t.Errorf("latest run = %+v", got)
	}

	// A later run becomes the latest.
	later := &SyncRun{ID: "sync2", UserID: "u1", Phase: PhaseStarting, StartedAt: now.Add(time.Hour)}
	if err := store.CreateSyncRun(ctx, later); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetLatestSyncRun(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "sync2" {
		t.Errorf("latest run id = %q, want sync2", got.ID)
	}

	if n, _ := store.CountSyncRuns(ctx, "u1"); n != 2 {
		t.Errorf("CountSyncRuns = %d, want 2", n)
	}
}

func TestMemStore_QuotaPausedRun(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	if _, err := store.GetQuotaPausedRun(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetQuotaPausedRun() on empty store error = %v, want ErrNotFound", err)
	}

	run := &SyncRun{
		ID: "sync1", UserID: "u1", Phase: PhaseSyncingVideos, StartedAt: now,
		RemainingChannelIDs: []string{"ch4", "ch5"},
	}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	resumeAfter := now.Add(10 * time.Hour)
	if err := store.PauseSyncForQuota(ctx, "sync1", resumeAfter); err != nil {
		t.Fatalf("PauseSyncForQuota() error = %v", err)
	}

	got, err := store.GetQuotaPausedRun(ctx, "u1")
	if err != nil {
		t.Fatalf("GetQuotaPausedRun() error = %v", err)
	}
	if got.Phase != PhaseQuotaPaused {
		t.Errorf("Phase = %q, want quota_paused", got.Phase)
	}
	if got.ResumeAfter == nil || !got.ResumeAfter.Equal(resumeAfter) {
		t.Errorf("ResumeAfter = %v, want %v", got.ResumeAfter, resumeAfter)
	}
	if len(got.RemainingChannelIDs) != 2 {
		t.Errorf("RemainingChannelIDs = %v", got.RemainingChannelIDs)
	}
	if got.Phase.Terminal() {
		t.Error("quota_paused must not be terminal")
	}
}

func TestMemStore_ListSyncCandidates(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	mustUpsert := func(userID, channelID string, groupIDs []string) {
		t.Helper()
		if err := store.UpsertChannel(ctx, &Channel{UserID: userID, ChannelID: channelID, GroupIDs: groupIDs}); err != nil {
			t.Fatal(err)
		}
	}
	mustUpsert("stale", "ch1", []string{"g1"})
	mustUpsert("recent", "ch1", []string{"g1"})
	mustUpsert("never", "ch1", []string{"g1"})
	mustUpsert("ungrouped", "ch1", nil)

	if err := store.CreateSyncRun(ctx, &SyncRun{ID: "s1", UserID: "stale", StartedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSyncRun(ctx, &SyncRun{ID: "s2", UserID: "recent", StartedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListSyncCandidates(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListSyncCandidates() error = %v", err)
	}
	want := []string{"never", "stale"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("candidates = %v, want %v", got, want)
	}
}

func TestMemStore_ChannelCursorAndUploadsID(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemStore().WithClock(fixedClock(now))
	ctx := context.Background()

	ch := &Channel{UserID: "u1", ChannelID: "ch1", Title: "Chan", UploadsListID: "UU1", GroupIDs: []string{"g1"}}
	if err := store.UpsertChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateChannelCursor(ctx, "u1", "ch1", now); err != nil {
		t.Fatalf("UpdateChannelCursor() error = %v", err)
	}
	if err := store.UpdateUploadsListID(ctx, "u1", "ch1", "UU1-new", now); err != nil {
		t.Fatalf("UpdateUploadsListID() error = %v", err)
	}

	got, err := store.GetChannel(ctx, "u1", "ch1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastFetchedAt.Equal(now) || got.UploadsListID != "UU1-new" {
		t.Errorf("channel after updates = %+v", got)
	}

	if err := store.UpdateChannelCursor(ctx, "u1", "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("cursor update on missing channel error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_HealthRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if _, err := store.GetChannelHealth(ctx, "u1", "ch1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChannelHealth() on empty store error = %v, want ErrNotFound", err)
	}

	h := &ChannelHealth{UserID: "u1", ChannelID: "ch1", ConsecutiveFailures: 3, Status: HealthWarning}
	if err := store.UpsertChannelHealth(ctx, h); err != nil {
		t.Fatalf("UpsertChannelHealth() error = %v", err)
	}

	list, err := store.ListChannelHealth(ctx, "u1", []string{"ch1", "ch2"})
	if err != nil {
		t.Fatalf("ListChannelHealth() error = %v", err)
	}
	if len(list) != 1 || list[0].Status != HealthWarning {
		t.Errorf("ListChannelHealth() = %+v", list)
	}
}

func TestMemStore_StorageErrorContext(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.GetVideo(ctx, "u1", "v1")
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("error %v is not a *StorageError", err)
	}
	if serr.Op != "read" || serr.Entity != "video" || serr.ID != "v1" {
		t.Errorf("StorageError = %+v", serr)
	}
}
