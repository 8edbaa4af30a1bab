package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and development mode. All methods
// are safe for concurrent use; atomicity of commit and rollback falls out of
// the single mutex.
type MemStore struct {
	mu    sync.Mutex
	clock func() time.Time

	stagedVideos map[string]map[string]*StagedVideo        // syncID -> videoID
	stagedAssocs map[string]map[string]*StagedVideoChannel // syncID -> videoID+"/"+channelID
	videos       map[string]map[string]*Video              // userID -> videoID
	channels     map[string]map[string]*Channel            // userID -> channelID
	playlists    map[string]map[string]*Playlist           // userID -> playlistID
	runs         map[string]*SyncRun                       // syncID
	locks        map[string]*SyncLock                      // userID
	quota        map[string]int                            // userID+"/"+day
	health       map[string]*ChannelHealth                 // userID+"/"+channelID
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		clock:        time.Now,
		stagedVideos: make(map[string]map[string]*StagedVideo),
		stagedAssocs: make(map[string]map[string]*StagedVideoChannel),
		videos:       make(map[string]map[string]*Video),
		channels:     make(map[string]map[string]*Channel),
		playlists:    make(map[string]map[string]*Playlist),
		runs:         make(map[string]*SyncRun),
		locks:        make(map[string]*SyncLock),
		quota:        make(map[string]int),
		health:       make(map[string]*ChannelHealth),
	}
}

// WithClock substitutes the time source, for tests.
func (s *MemStore) WithClock(clock func() time.Time) *MemStore {
	s.clock = clock
	return s
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

func quotaKey(userID string, day time.Time) string {
	return userID + "/" + day.UTC().Format("2006-01-02")
}

func healthKey(userID, channelID string) string {
	return userID + "/" + channelID
}

// --- StagingStore ---

func (s *MemStore) StageVideos(ctx context.Context, videos []*StagedVideo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range videos {
		if v.SyncID == "" || v.VideoID == "" {
			return 0, &StorageError{Op: "create", Entity: "staged_video", ID: v.VideoID, Err: ErrInvalidInput}
		}
		byVideo := s.stagedVideos[v.SyncID]
		if byVideo == nil {
			byVideo = make(map[string]*StagedVideo)
			s.stagedVideos[v.SyncID] = byVideo
		}
		cp := *v
		byVideo[v.VideoID] = &cp
	}
	return len(videos), nil
}

func (s *MemStore) StageVideoChannels(ctx context.Context, assocs []*StagedVideoChannel) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assocs {
		if a.SyncID == "" || a.VideoID == "" || a.ChannelID == "" {
			return 0, &StorageError{Op: "create", Entity: "staged_video_channel", ID: a.VideoID, Err: ErrInvalidInput}
		}
		byKey := s.stagedAssocs[a.SyncID]
		if byKey == nil {
			byKey = make(map[string]*StagedVideoChannel)
			s.stagedAssocs[a.SyncID] = byKey
		}
		cp := *a
		byKey[a.VideoID+"/"+a.ChannelID] = &cp
	}
	return len(assocs), nil
}

func (s *MemStore) CommitSync(ctx context.Context, syncID string) (*CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &CommitResult{}
	now := s.clock()

	staged := s.stagedVideos[syncID]
	ids := make([]string, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sv := staged[id]
		byVideo := s.videos[sv.UserID]
		if byVideo == nil {
			byVideo = make(map[string]*Video)
			s.videos[sv.UserID] = byVideo
		}
		if existing, ok := byVideo[sv.VideoID]; ok {
			existing.Title = sv.Title
			existing.Thumbnail = sv.Thumbnail
			existing.Duration = sv.Duration
			existing.DurationSeconds = sv.DurationSeconds
			existing.IsShort = sv.IsShort
			existing.PublishedAt = sv.PublishedAt
			existing.UpdatedAt = now
		} else {
			byVideo[sv.VideoID] = &Video{
				UserID:           sv.UserID,
				VideoID:          sv.VideoID,
				ChannelID:        sv.ChannelID,
				Title:            sv.Title,
				Thumbnail:        sv.Thumbnail,
				Duration:         sv.Duration,
				DurationSeconds:  sv.DurationSeconds,
				IsShort:          sv.IsShort,
				PublishedAt:      sv.PublishedAt,
				SourcePlaylistID: sv.SourcePlaylistID,
				AddedAt:          now,
				UpdatedAt:        now,
			}
		}
		res.VideosCommitted++
	}

	for _, a := range s.stagedAssocs[syncID] {
		if byVideo, ok := s.videos[a.UserID]; ok {
			if v, ok := byVideo[a.VideoID]; ok && v.ChannelID != a.ChannelID {
				res.DuplicatesLinked++
			}
		}
	}

	delete(s.stagedVideos, syncID)
	delete(s.stagedAssocs, syncID)
	return res, nil
}

func (s *MemStore) RollbackSync(ctx context.Context, syncID string) (*RollbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &RollbackResult{
		VideosDiscarded:       len(s.stagedVideos[syncID]),
		AssociationsDiscarded: len(s.stagedAssocs[syncID]),
	}
	delete(s.stagedVideos, syncID)
	delete(s.stagedAssocs, syncID)
	return res, nil
}

func (s *MemStore) CleanupOrphanedStaging(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cutoff := now.Add(-olderThan)
	var deleted int64

	for syncID, byVideo := range s.stagedVideos {
		if !s.stagingOrphanedLocked(syncID, byVideo, cutoff, now) {
			continue
		}
		deleted += int64(len(byVideo)) + int64(len(s.stagedAssocs[syncID]))
		delete(s.stagedVideos, syncID)
		delete(s.stagedAssocs, syncID)
	}
	return deleted, nil
}

// stagingOrphanedLocked reports whether a sync's staging rows are abandoned:
// old enough, with no live lock for the owner and no quota-paused run waiting
// to resume them.
func (s *MemStore) stagingOrphanedLocked(syncID string, byVideo map[string]*StagedVideo, cutoff, now time.Time) bool {
	var userID string
	for _, sv := range byVideo {
		if sv.StagedAt.After(cutoff) {
			return false
		}
		userID = sv.UserID
	}
	if lock, ok := s.locks[userID]; ok && lock.ExpiresAt.After(now) {
		return false
	}
	if run, ok := s.runs[syncID]; ok && run.Phase == PhaseQuotaPaused {
		return false
	}
	return true
}

// --- SyncRunStore ---

func (s *MemStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" || run.UserID == "" {
		return &StorageError{Op: "create", Entity: "sync_run", ID: run.ID, Err: ErrInvalidInput}
	}
	cp := cloneRun(run)
	s.runs[run.ID] = cp
	return nil
}

func (s *MemStore) UpdateSyncRun(ctx context.Context, run *SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return &StorageError{Op: "update", Entity: "sync_run", ID: run.ID, Err: ErrNotFound}
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemStore) GetSyncRun(ctx context.Context, syncID string) (*SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[syncID]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "sync_run", ID: syncID, Err: ErrNotFound}
	}
	return cloneRun(run), nil
}

func (s *MemStore) GetLatestSyncRun(ctx context.Context, userID string) (*SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *SyncRun
	for _, run := range s.runs {
		if run.UserID != userID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, &StorageError{Op: "read", Entity: "sync_run", Err: ErrNotFound}
	}
	return cloneRun(latest), nil
}

func (s *MemStore) GetQuotaPausedRun(ctx context.Context, userID string) (*SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.UserID == userID && run.Phase == PhaseQuotaPaused {
			return cloneRun(run), nil
		}
	}
	return nil, &StorageError{Op: "read", Entity: "sync_run", Err: ErrNotFound}
}

func (s *MemStore) PauseSyncForQuota(ctx context.Context, syncID string, resumeAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[syncID]
	if !ok {
		return &StorageError{Op: "update", Entity: "sync_run", ID: syncID, Err: ErrNotFound}
	}
	run.Phase = PhaseQuotaPaused
	ra := resumeAfter
	run.ResumeAfter = &ra
	run.UpdatedAt = s.clock()
	return nil
}

func (s *MemStore) CountSyncRuns(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if run.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListSyncCandidates(ctx context.Context, notSyncedSince time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]time.Time)
	for _, run := range s.runs {
		if run.StartedAt.After(latest[run.UserID]) {
			latest[run.UserID] = run.StartedAt
		}
	}

	var out []string
	for userID, byChannel := range s.channels {
		grouped := false
		for _, ch := range byChannel {
			if ch.InGroup("") {
				grouped = true
				break
			}
		}
		if !grouped {
			continue
		}
		if last, ok := latest[userID]; ok && !last.Before(notSyncedSince) {
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run *SyncRun) *SyncRun {
	cp := *run
	if run.Errors != nil {
		cp.Errors = append([]SyncError(nil), run.Errors...)
	}
	if run.RemainingChannelIDs != nil {
		cp.RemainingChannelIDs = append([]string(nil), run.RemainingChannelIDs...)
	}
	if run.ResumeAfter != nil {
		ra := *run.ResumeAfter
		cp.ResumeAfter = &ra
	}
	if run.CompletedAt != nil {
		ca := *run.CompletedAt
		cp.CompletedAt = &ca
	}
	return &cp
}

// --- LockStore ---

func (s *MemStore) AcquireLock(ctx context.Context, userID string, ttl time.Duration) (*SyncLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if existing, ok := s.locks[userID]; ok && existing.ExpiresAt.After(now) {
		return nil, &StorageError{Op: "create", Entity: "lock", ID: userID, Err: ErrLockHeld}
	}

	lock := &SyncLock{
		UserID:     userID,
		LockID:     uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[userID] = lock
	cp := *lock
	return &cp, nil
}

func (s *MemStore) ExtendLock(ctx context.Context, userID, lockID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[userID]
	if !ok || lock.LockID != lockID || !lock.ExpiresAt.After(s.clock()) {
		return &StorageError{Op: "update", Entity: "lock", ID: userID, Err: ErrLockInvalid}
	}
	lock.ExpiresAt = s.clock().Add(ttl)
	return nil
}

func (s *MemStore) ReleaseLock(ctx context.Context, userID, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[userID]; ok && lock.LockID == lockID {
		delete(s.locks, userID)
	}
	return nil
}

func (s *MemStore) CancelLock(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[userID]
	if !ok || !lock.ExpiresAt.After(s.clock()) {
		return &StorageError{Op: "update", Entity: "lock", ID: userID, Err: ErrNotFound}
	}
	lock.Cancelled = true
	return nil
}

func (s *MemStore) IsCancelled(ctx context.Context, userID, lockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[userID]
	if !ok || lock.LockID != lockID {
		return false, &StorageError{Op: "read", Entity: "lock", ID: userID, Err: ErrLockInvalid}
	}
	return lock.Cancelled, nil
}

func (s *MemStore) ReapExpiredLocks(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var reaped int64
	for userID, lock := range s.locks {
		if !lock.ExpiresAt.After(now) {
			delete(s.locks, userID)
			reaped++
		}
	}
	return reaped, nil
}

// --- ChannelStore ---

func (s *MemStore) UpsertChannel(ctx context.Context, channel *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel.UserID == "" || channel.ChannelID == "" {
		return &StorageError{Op: "create", Entity: "channel", ID: channel.ChannelID, Err: ErrInvalidInput}
	}
	byChannel := s.channels[channel.UserID]
	if byChannel == nil {
		byChannel = make(map[string]*Channel)
		s.channels[channel.UserID] = byChannel
	}
	cp := *channel
	cp.GroupIDs = append([]string(nil), channel.GroupIDs...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	byChannel[channel.ChannelID] = &cp
	return nil
}

func (s *MemStore) GetChannel(ctx context.Context, userID, channelID string) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[userID][channelID]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "channel", ID: channelID, Err: ErrNotFound}
	}
	cp := *ch
	return &cp, nil
}

func (s *MemStore) ListGroupChannels(ctx context.Context, userID, groupID string) ([]*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Channel
	for _, ch := range s.channels[userID] {
		if ch.InGroup(groupID) {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *MemStore) UpdateChannelCursor(ctx context.Context, userID, channelID string, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[userID][channelID]
	if !ok {
		return &StorageError{Op: "update", Entity: "channel", ID: channelID, Err: ErrNotFound}
	}
	ch.LastFetchedAt = fetchedAt
	return nil
}

func (s *MemStore) UpdateUploadsListID(ctx context.Context, userID, channelID, uploadsListID string, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[userID][channelID]
	if !ok {
		return &StorageError{Op: "update", Entity: "channel", ID: channelID, Err: ErrNotFound}
	}
	ch.UploadsListID = uploadsListID
	ch.UploadsListRefreshedAt = refreshedAt
	return nil
}

func (s *MemStore) ListChannelsForUploadsRefresh(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Channel
	for _, byChannel := range s.channels {
		for _, ch := range byChannel {
			if ch.UploadsListRefreshedAt.Before(resolvedBefore) {
				cp := *ch
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadsListRefreshedAt.Before(out[j].UploadsListRefreshedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- PlaylistStore ---

func (s *MemStore) UpsertPlaylist(ctx context.Context, playlist *Playlist) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if playlist.UserID == "" || playlist.PlaylistID == "" {
		return &StorageError{Op: "create", Entity: "playlist", ID: playlist.PlaylistID, Err: ErrInvalidInput}
	}
	byPlaylist := s.playlists[playlist.UserID]
	if byPlaylist == nil {
		byPlaylist = make(map[string]*Playlist)
		s.playlists[playlist.UserID] = byPlaylist
	}
	cp := *playlist
	cp.GroupIDs = append([]string(nil), playlist.GroupIDs...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock()
	}
	byPlaylist[playlist.PlaylistID] = &cp
	return nil
}

func (s *MemStore) ListGroupPlaylists(ctx context.Context, userID, groupID string) ([]*Playlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Playlist
	for _, pl := range s.playlists[userID] {
		if pl.InGroup(groupID) {
			cp := *pl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaylistID < out[j].PlaylistID })
	return out, nil
}

// --- VideoStore ---

func (s *MemStore) CountChannelVideos(ctx context.Context, userID, channelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.videos[userID] {
		if v.ChannelID == channelID {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListPlaylistVideoIDs(ctx context.Context, userID, playlistID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, v := range s.videos[userID] {
		if v.SourcePlaylistID == playlistID {
			out = append(out, v.VideoID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) GetVideo(ctx context.Context, userID, videoID string) (*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[userID][videoID]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "video", ID: videoID, Err: ErrNotFound}
	}
	cp := *v
	return &cp, nil
}

func (s *MemStore) DeleteChannelVideos(ctx context.Context, userID, channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, v := range s.videos[userID] {
		if v.ChannelID == channelID {
			delete(s.videos[userID], id)
			deleted++
		}
	}
	return deleted, nil
}

// --- QuotaStore ---

func (s *MemStore) AddUsage(ctx context.Context, userID string, day time.Time, units int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := quotaKey(userID, day)
	s.quota[k] += units
	return s.quota[k], nil
}

func (s *MemStore) Usage(ctx context.Context, userID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota[quotaKey(userID, day)], nil
}

// --- HealthStore ---

func (s *MemStore) GetChannelHealth(ctx context.Context, userID, channelID string) (*ChannelHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[healthKey(userID, channelID)]
	if !ok {
		return nil, &StorageError{Op: "read", Entity: "channel_health", ID: channelID, Err: ErrNotFound}
	}
	cp := *h
	return &cp, nil
}

func (s *MemStore) UpsertChannelHealth(ctx context.Context, health *ChannelHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if health.UserID == "" || health.ChannelID == "" {
		return &StorageError{Op: "create", Entity: "channel_health", ID: health.ChannelID, Err: ErrInvalidInput}
	}
	cp := *health
	s.health[healthKey(health.UserID, health.ChannelID)] = &cp
	return nil
}

func (s *MemStore) ListChannelHealth(ctx context.Context, userID string, channelIDs []string) ([]*ChannelHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ChannelHealth
	for _, channelID := range channelIDs {
		if h, ok := s.health[healthKey(userID, channelID)]; ok {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}
