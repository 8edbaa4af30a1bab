package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// PGStore is the production Store backed by Postgres. Commit and rollback run
// as server-side functions so their atomicity does not depend on application
// code surviving until the end of the operation.
type PGStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects a pool, verifies the connection, and applies the schema.
func NewPGStore(ctx context.Context, dsn string, log zerolog.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PGStore{pool: pool, log: log.With().Str("component", "storage").Logger()}, nil
}

// NewPGStoreFromPool wraps an existing pool without applying the schema, for
// callers that manage migrations themselves.
func NewPGStoreFromPool(pool *pgxpool.Pool, log zerolog.Logger) *PGStore {
	return &PGStore{pool: pool, log: log.With().Str("component", "storage").Logger()}
}

// Close implements Store.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func wrapErr(op, entity, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
	}
	return &StorageError{Op: op, Entity: entity, ID: id, Err: err}
}

// --- StagingStore ---

func (s *PGStore) StageVideos(ctx context.Context, videos []*StagedVideo) (int, error) {
	staged := 0
	for batchNum := 1; staged < len(videos); batchNum++ {
		end := staged + StageBatchSize
		if end > len(videos) {
			end = len(videos)
		}
		batch := &pgx.Batch{}
		for _, v := range videos[staged:end] {
			batch.Queue(`
				INSERT INTO bentube_staged_videos (
					sync_id, user_id, channel_id, video_id, title, thumbnail,
					duration, duration_seconds, is_short, published_at,
					source_playlist_id, staged_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (sync_id, video_id) DO UPDATE SET
					channel_id = EXCLUDED.channel_id,
					title = EXCLUDED.title,
					thumbnail = EXCLUDED.thumbnail,
					duration = EXCLUDED.duration,
					duration_seconds = EXCLUDED.duration_seconds,
					is_short = EXCLUDED.is_short,
					published_at = EXCLUDED.published_at,
					source_playlist_id = EXCLUDED.source_playlist_id,
					staged_at = EXCLUDED.staged_at`,
				v.SyncID, v.UserID, v.ChannelID, v.VideoID, v.Title, v.Thumbnail,
				v.Duration, v.DurationSeconds, v.IsShort, v.PublishedAt,
				v.SourcePlaylistID, v.StagedAt)
		}
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return staged, &StagingError{Staged: staged, Total: len(videos), Batch: batchNum, Err: err}
		}
		staged = end
	}
	return staged, nil
}

func (s *PGStore) StageVideoChannels(ctx context.Context, assocs []*StagedVideoChannel) (int, error) {
	staged := 0
	for batchNum := 1; staged < len(assocs); batchNum++ {
		end := staged + StageBatchSize
		if end > len(assocs) {
			end = len(assocs)
		}
		batch := &pgx.Batch{}
		for _, a := range assocs[staged:end] {
			batch.Queue(`
				INSERT INTO bentube_staged_video_channels (sync_id, user_id, video_id, channel_id, staged_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (sync_id, video_id, channel_id) DO NOTHING`,
				a.SyncID, a.UserID, a.VideoID, a.ChannelID, a.StagedAt)
		}
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return staged, &StagingError{Staged: staged, Total: len(assocs), Batch: batchNum, Err: err}
		}
		staged = end
	}
	return staged, nil
}

func (s *PGStore) CommitSync(ctx context.Context, syncID string) (*CommitResult, error) {
	res := &CommitResult{}
	err := s.pool.QueryRow(ctx, `SELECT videos_committed, duplicates_linked FROM bentube_commit_sync($1)`, syncID).
		Scan(&res.VideosCommitted, &res.DuplicatesLinked)
	if err != nil {
		return nil, wrapErr("commit", "staged_video", syncID, err)
	}
	s.log.Info().
		Str("sync_id", syncID).
		Int("videos", res.VideosCommitted).
		Int("duplicates", res.DuplicatesLinked).
		Msg("sync committed")
	return res, nil
}

func (s *PGStore) RollbackSync(ctx context.Context, syncID string) (*RollbackResult, error) {
	res := &RollbackResult{}
	err := s.pool.QueryRow(ctx, `SELECT videos_discarded, associations_discarded FROM bentube_rollback_sync($1)`, syncID).
		Scan(&res.VideosDiscarded, &res.AssociationsDiscarded)
	if err != nil {
		return nil, wrapErr("rollback", "staged_video", syncID, err)
	}
	s.log.Info().
		Str("sync_id", syncID).
		Int("videos", res.VideosDiscarded).
		Msg("sync rolled back")
	return res, nil
}

func (s *PGStore) CleanupOrphanedStaging(ctx context.Context, olderThan time.Duration) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr("delete", "staged_video", "", err)
	}
	defer tx.Rollback(ctx)

	const doomed = `
		SELECT DISTINCT sv.sync_id
		FROM bentube_staged_videos sv
		WHERE sv.staged_at < now() - $1 * interval '1 second'
		  AND NOT EXISTS (
			SELECT 1 FROM bentube_sync_locks l
			WHERE l.user_id = sv.user_id AND l.expires_at > now()
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM bentube_sync_runs r
			WHERE r.id = sv.sync_id AND r.phase = 'quota_paused'
		  )`

	secs := olderThan.Seconds()
	tag, err := tx.Exec(ctx, `DELETE FROM bentube_staged_video_channels WHERE sync_id IN (`+doomed+`)`, secs)
	if err != nil {
		return 0, wrapErr("delete", "staged_video_channel", "", err)
	}
	deleted := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM bentube_staged_videos WHERE sync_id IN (`+doomed+`)`, secs)
	if err != nil {
		return 0, wrapErr("delete", "staged_video", "", err)
	}
	deleted += tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr("delete", "staged_video", "", err)
	}
	return deleted, nil
}

// --- SyncRunStore ---

const syncRunColumns = `id, user_id, phase, channels_total, channels_processed, channels_failed,
	playlists_total, playlists_processed, playlists_failed, videos_added, quota_units, api_calls,
	errors, summary, cancelled, resume_after, remaining_channel_ids, started_at, updated_at, completed_at`

func (s *PGStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	errJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return wrapErr("create", "sync_run", run.ID, err)
	}
	remaining := run.RemainingChannelIDs
	if remaining == nil {
		remaining = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bentube_sync_runs (`+syncRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		run.ID, run.UserID, run.Phase,
		run.ChannelsTotal, run.ChannelsProcessed, run.ChannelsFailed,
		run.PlaylistsTotal, run.PlaylistsProcessed, run.PlaylistsFailed,
		run.VideosAdded, run.QuotaUnits, run.APICalls,
		errJSON, run.Summary, run.Cancelled,
		run.ResumeAfter, remaining,
		run.StartedAt, run.UpdatedAt, run.CompletedAt)
	if err != nil {
		return wrapErr("create", "sync_run", run.ID, err)
	}
	return nil
}

func (s *PGStore) UpdateSyncRun(ctx context.Context, run *SyncRun) error {
	errJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return wrapErr("update", "sync_run", run.ID, err)
	}
	remaining := run.RemainingChannelIDs
	if remaining == nil {
		remaining = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_sync_runs SET
			phase = $2,
			channels_total = $3, channels_processed = $4, channels_failed = $5,
			playlists_total = $6, playlists_processed = $7, playlists_failed = $8,
			videos_added = $9, quota_units = $10, api_calls = $11,
			errors = $12, summary = $13, cancelled = $14,
			resume_after = $15, remaining_channel_ids = $16,
			updated_at = $17, completed_at = $18
		WHERE id = $1`,
		run.ID, run.Phase,
		run.ChannelsTotal, run.ChannelsProcessed, run.ChannelsFailed,
		run.PlaylistsTotal, run.PlaylistsProcessed, run.PlaylistsFailed,
		run.VideosAdded, run.QuotaUnits, run.APICalls,
		errJSON, run.Summary, run.Cancelled,
		run.ResumeAfter, remaining,
		run.UpdatedAt, run.CompletedAt)
	if err != nil {
		return wrapErr("update", "sync_run", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("update", "sync_run", run.ID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) scanRun(row pgx.Row) (*SyncRun, error) {
	run := &SyncRun{}
	var errJSON []byte
	err := row.Scan(&run.ID, &run.UserID, &run.Phase,
		&run.ChannelsTotal, &run.ChannelsProcessed, &run.ChannelsFailed,
		&run.PlaylistsTotal, &run.PlaylistsProcessed, &run.PlaylistsFailed,
		&run.VideosAdded, &run.QuotaUnits, &run.APICalls,
		&errJSON, &run.Summary, &run.Cancelled,
		&run.ResumeAfter, &run.RemainingChannelIDs,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &run.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	return run, nil
}

func (s *PGStore) GetSyncRun(ctx context.Context, syncID string) (*SyncRun, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM bentube_sync_runs WHERE id = $1`, syncID))
	if err != nil {
		return nil, wrapErr("read", "sync_run", syncID, err)
	}
	return run, nil
}

func (s *PGStore) GetLatestSyncRun(ctx context.Context, userID string) (*SyncRun, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM bentube_sync_runs
		 WHERE user_id = $1 ORDER BY started_at DESC LIMIT 1`, userID))
	if err != nil {
		return nil, wrapErr("read", "sync_run", "", err)
	}
	return run, nil
}

func (s *PGStore) GetQuotaPausedRun(ctx context.Context, userID string) (*SyncRun, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM bentube_sync_runs
		 WHERE user_id = $1 AND phase = 'quota_paused'
		 ORDER BY started_at DESC LIMIT 1`, userID))
	if err != nil {
		return nil, wrapErr("read", "sync_run", "", err)
	}
	return run, nil
}

func (s *PGStore) PauseSyncForQuota(ctx context.Context, syncID string, resumeAfter time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_sync_runs
		SET phase = 'quota_paused', resume_after = $2, updated_at = now()
		WHERE id = $1`, syncID, resumeAfter)
	if err != nil {
		return wrapErr("update", "sync_run", syncID, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("update", "sync_run", syncID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) CountSyncRuns(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bentube_sync_runs WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, wrapErr("read", "sync_run", "", err)
	}
	return n, nil
}

func (s *PGStore) ListSyncCandidates(ctx context.Context, notSyncedSince time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.user_id
		FROM (SELECT DISTINCT user_id FROM bentube_channels WHERE cardinality(group_ids) > 0) c
		LEFT JOIN (
			SELECT user_id, MAX(started_at) AS last_started
			FROM bentube_sync_runs GROUP BY user_id
		) r ON r.user_id = c.user_id
		WHERE r.last_started IS NULL OR r.last_started < $1
		ORDER BY c.user_id
		LIMIT $2`, notSyncedSince, limit)
	if err != nil {
		return nil, wrapErr("read", "sync_run", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, wrapErr("read", "sync_run", "", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// --- LockStore ---

func (s *PGStore) AcquireLock(ctx context.Context, userID string, ttl time.Duration) (*SyncLock, error) {
	lock := &SyncLock{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bentube_sync_locks (user_id, lock_id, acquired_at, expires_at, cancelled)
		VALUES ($1, $2, now(), now() + $3 * interval '1 second', FALSE)
		ON CONFLICT (user_id) DO UPDATE SET
			lock_id = EXCLUDED.lock_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at,
			cancelled = FALSE
		WHERE bentube_sync_locks.expires_at <= now()
		RETURNING lock_id, acquired_at, expires_at`,
		userID, uuid.NewString(), ttl.Seconds()).
		Scan(&lock.LockID, &lock.AcquiredAt, &lock.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &StorageError{Op: "create", Entity: "lock", ID: userID, Err: ErrLockHeld}
		}
		return nil, wrapErr("create", "lock", userID, err)
	}
	return lock, nil
}

func (s *PGStore) ExtendLock(ctx context.Context, userID, lockID string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_sync_locks
		SET expires_at = now() + $3 * interval '1 second'
		WHERE user_id = $1 AND lock_id = $2 AND expires_at > now()`,
		userID, lockID, ttl.Seconds())
	if err != nil {
		return wrapErr("update", "lock", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return &StorageError{Op: "update", Entity: "lock", ID: userID, Err: ErrLockInvalid}
	}
	return nil
}

func (s *PGStore) ReleaseLock(ctx context.Context, userID, lockID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM bentube_sync_locks WHERE user_id = $1 AND lock_id = $2`, userID, lockID)
	if err != nil {
		return wrapErr("delete", "lock", userID, err)
	}
	return nil
}

func (s *PGStore) CancelLock(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_sync_locks SET cancelled = TRUE
		WHERE user_id = $1 AND expires_at > now()`, userID)
	if err != nil {
		return wrapErr("update", "lock", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return &StorageError{Op: "update", Entity: "lock", ID: userID, Err: ErrNotFound}
	}
	return nil
}

func (s *PGStore) IsCancelled(ctx context.Context, userID, lockID string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancelled FROM bentube_sync_locks WHERE user_id = $1 AND lock_id = $2`,
		userID, lockID).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, &StorageError{Op: "read", Entity: "lock", ID: userID, Err: ErrLockInvalid}
		}
		return false, wrapErr("read", "lock", userID, err)
	}
	return cancelled, nil
}

func (s *PGStore) ReapExpiredLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bentube_sync_locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, wrapErr("delete", "lock", "", err)
	}
	return tag.RowsAffected(), nil
}

// --- ChannelStore ---

const channelColumns = `user_id, channel_id, title, uploads_list_id, group_ids,
	last_fetched_at, uploads_list_refreshed_at, created_at`

func (s *PGStore) scanChannel(row pgx.Row) (*Channel, error) {
	ch := &Channel{}
	var lastFetched, uploadsRefreshed *time.Time
	err := row.Scan(&ch.UserID, &ch.ChannelID, &ch.Title, &ch.UploadsListID, &ch.GroupIDs,
		&lastFetched, &uploadsRefreshed, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastFetched != nil {
		ch.LastFetchedAt = *lastFetched
	}
	if uploadsRefreshed != nil {
		ch.UploadsListRefreshedAt = *uploadsRefreshed
	}
	return ch, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// groupIDsParam keeps the array column NOT NULL for unmapped channels.
func groupIDsParam(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func (s *PGStore) UpsertChannel(ctx context.Context, channel *Channel) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bentube_channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			uploads_list_id = EXCLUDED.uploads_list_id,
			group_ids = EXCLUDED.group_ids`,
		channel.UserID, channel.ChannelID, channel.Title, channel.UploadsListID, groupIDsParam(channel.GroupIDs),
		timeOrNil(channel.LastFetchedAt), timeOrNil(channel.UploadsListRefreshedAt),
		timeOrNil(channel.CreatedAt))
	if err != nil {
		return wrapErr("create", "channel", channel.ChannelID, err)
	}
	return nil
}

func (s *PGStore) GetChannel(ctx context.Context, userID, channelID string) (*Channel, error) {
	ch, err := s.scanChannel(s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM bentube_channels WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID))
	if err != nil {
		return nil, wrapErr("read", "channel", channelID, err)
	}
	return ch, nil
}

func (s *PGStore) ListGroupChannels(ctx context.Context, userID, groupID string) ([]*Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM bentube_channels
		 WHERE user_id = $1
		   AND cardinality(group_ids) > 0
		   AND ($2 = '' OR $2 = ANY(group_ids))
		 ORDER BY channel_id`, userID, groupID)
	if err != nil {
		return nil, wrapErr("read", "channel", "", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := s.scanChannel(rows)
		if err != nil {
			return nil, wrapErr("read", "channel", "", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateChannelCursor(ctx context.Context, userID, channelID string, fetchedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_channels SET last_fetched_at = $3
		WHERE user_id = $1 AND channel_id = $2`, userID, channelID, fetchedAt)
	if err != nil {
		return wrapErr("update", "channel", channelID, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("update", "channel", channelID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) UpdateUploadsListID(ctx context.Context, userID, channelID, uploadsListID string, refreshedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bentube_channels SET uploads_list_id = $3, uploads_list_refreshed_at = $4
		WHERE user_id = $1 AND channel_id = $2`, userID, channelID, uploadsListID, refreshedAt)
	if err != nil {
		return wrapErr("update", "channel", channelID, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("update", "channel", channelID, ErrNotFound)
	}
	return nil
}

func (s *PGStore) ListChannelsForUploadsRefresh(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM bentube_channels
		 WHERE uploads_list_refreshed_at IS NULL OR uploads_list_refreshed_at < $1
		 ORDER BY uploads_list_refreshed_at ASC NULLS FIRST
		 LIMIT $2`, resolvedBefore, limit)
	if err != nil {
		return nil, wrapErr("read", "channel", "", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := s.scanChannel(rows)
		if err != nil {
			return nil, wrapErr("read", "channel", "", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// --- PlaylistStore ---

func (s *PGStore) UpsertPlaylist(ctx context.Context, playlist *Playlist) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bentube_playlists (user_id, playlist_id, title, group_ids, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		ON CONFLICT (user_id, playlist_id) DO UPDATE SET
			title = EXCLUDED.title,
			group_ids = EXCLUDED.group_ids`,
		playlist.UserID, playlist.PlaylistID, playlist.Title, groupIDsParam(playlist.GroupIDs),
		timeOrNil(playlist.CreatedAt))
	if err != nil {
		return wrapErr("create", "playlist", playlist.PlaylistID, err)
	}
	return nil
}

func (s *PGStore) ListGroupPlaylists(ctx context.Context, userID, groupID string) ([]*Playlist, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, playlist_id, title, group_ids, created_at
		FROM bentube_playlists
		WHERE user_id = $1
		  AND cardinality(group_ids) > 0
		  AND ($2 = '' OR $2 = ANY(group_ids))
		ORDER BY playlist_id`, userID, groupID)
	if err != nil {
		return nil, wrapErr("read", "playlist", "", err)
	}
	defer rows.Close()

	var out []*Playlist
	for rows.Next() {
		pl := &Playlist{}
		if err := rows.Scan(&pl.UserID, &pl.PlaylistID, &pl.Title, &pl.GroupIDs, &pl.CreatedAt); err != nil {
			return nil, wrapErr("read", "playlist", "", err)
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

// --- VideoStore ---

func (s *PGStore) CountChannelVideos(ctx context.Context, userID, channelID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bentube_videos
		WHERE user_id = $1 AND channel_id = $2`, userID, channelID).Scan(&n)
	if err != nil {
		return 0, wrapErr("read", "video", "", err)
	}
	return n, nil
}

func (s *PGStore) ListPlaylistVideoIDs(ctx context.Context, userID, playlistID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT video_id FROM bentube_videos
		WHERE user_id = $1 AND source_playlist_id = $2
		ORDER BY video_id`, userID, playlistID)
	if err != nil {
		return nil, wrapErr("read", "video", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("read", "video", "", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PGStore) GetVideo(ctx context.Context, userID, videoID string) (*Video, error) {
	v := &Video{}
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, video_id, channel_id, title, thumbnail, duration,
		       duration_seconds, is_short, published_at, source_playlist_id,
		       added_at, updated_at
		FROM bentube_videos WHERE user_id = $1 AND video_id = $2`,
		userID, videoID).
		Scan(&v.UserID, &v.VideoID, &v.ChannelID, &v.Title, &v.Thumbnail, &v.Duration,
			&v.DurationSeconds, &v.IsShort, &v.PublishedAt, &v.SourcePlaylistID,
			&v.AddedAt, &v.UpdatedAt)
	if err != nil {
		return nil, wrapErr("read", "video", videoID, err)
	}
	return v, nil
}

func (s *PGStore) DeleteChannelVideos(ctx context.Context, userID, channelID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM bentube_videos WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID)
	if err != nil {
		return 0, wrapErr("delete", "video", "", err)
	}
	return tag.RowsAffected(), nil
}

// --- QuotaStore ---

func (s *PGStore) AddUsage(ctx context.Context, userID string, day time.Time, units int) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bentube_quota_usage (user_id, day, used)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day) DO UPDATE SET used = bentube_quota_usage.used + EXCLUDED.used
		RETURNING used`, userID, day.UTC(), units).Scan(&used)
	if err != nil {
		return 0, wrapErr("update", "quota_usage", userID, err)
	}
	return used, nil
}

func (s *PGStore) Usage(ctx context.Context, userID string, day time.Time) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT used FROM bentube_quota_usage WHERE user_id = $1 AND day = $2), 0)`,
		userID, day.UTC()).Scan(&used)
	if err != nil {
		return 0, wrapErr("read", "quota_usage", userID, err)
	}
	return used, nil
}

// --- HealthStore ---

const healthColumns = `user_id, channel_id, consecutive_failures, status,
	last_success_at, last_failure_at, last_failure_reason, next_retry_at`

func (s *PGStore) GetChannelHealth(ctx context.Context, userID, channelID string) (*ChannelHealth, error) {
	h := &ChannelHealth{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+healthColumns+` FROM bentube_channel_health
		 WHERE user_id = $1 AND channel_id = $2`, userID, channelID).
		Scan(&h.UserID, &h.ChannelID, &h.ConsecutiveFailures, &h.Status,
			&h.LastSuccessAt, &h.LastFailureAt, &h.LastFailureReason, &h.NextRetryAt)
	if err != nil {
		return nil, wrapErr("read", "channel_health", channelID, err)
	}
	return h, nil
}

func (s *PGStore) UpsertChannelHealth(ctx context.Context, health *ChannelHealth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bentube_channel_health (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			status = EXCLUDED.status,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			last_failure_reason = EXCLUDED.last_failure_reason,
			next_retry_at = EXCLUDED.next_retry_at`,
		health.UserID, health.ChannelID, health.ConsecutiveFailures, health.Status,
		health.LastSuccessAt, health.LastFailureAt, health.LastFailureReason, health.NextRetryAt)
	if err != nil {
		return wrapErr("create", "channel_health", health.ChannelID, err)
	}
	return nil
}

func (s *PGStore) ListChannelHealth(ctx context.Context, userID string, channelIDs []string) ([]*ChannelHealth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+healthColumns+` FROM bentube_channel_health
		 WHERE user_id = $1 AND channel_id = ANY($2)`, userID, channelIDs)
	if err != nil {
		return nil, wrapErr("read", "channel_health", "", err)
	}
	defer rows.Close()

	var out []*ChannelHealth
	for rows.Next() {
		h := &ChannelHealth{}
		if err := rows.Scan(&h.UserID, &h.ChannelID, &h.ConsecutiveFailures, &h.Status,
			&h.LastSuccessAt, &h.LastFailureAt, &h.LastFailureReason, &h.NextRetryAt); err != nil {
			return nil, wrapErr("read", "channel_health", "", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
