package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/sync"
)

type fakeEngine struct {
	run       *storage.SyncRun
	startErr  error
	cancelErr error
	lastUser  string
	lastOpts  sync.StartOptions
}

func (f *fakeEngine) StartSync(ctx context.Context, userID string, opts sync.StartOptions) (*storage.SyncRun, error) {
	f.lastUser = userID
	f.lastOpts = opts
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.run, nil
}

func (f *fakeEngine) Progress(ctx context.Context, userID string) (*storage.SyncRun, error) {
	if f.run == nil {
		return nil, sync.ErrNoActiveSync
	}
	return f.run, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, userID string) error {
	return f.cancelErr
}

type fakeJobs struct {
	tier    string
	synced  int
	tierErr error
	janErr  error
}

func (f *fakeJobs) RunTier(ctx context.Context, tier string) (int, error) {
	f.tier = tier
	return f.synced, f.tierErr
}

func (f *fakeJobs) Janitor(ctx context.Context) error { return f.janErr }

func newTestServer(engine *fakeEngine, jobs *fakeJobs) *Server {
	return New(engine, jobs, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), zerolog.Nop())
}

func doRequest(t *testing.T, srv *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_StartSync(t *testing.T) {
	engine := &fakeEngine{run: &storage.SyncRun{ID: "run-1", UserID: "u1", Phase: storage.PhaseComplete, VideosAdded: 3}}
	srv := newTestServer(engine, &fakeJobs{})

	rec := doRequest(t, srv, http.MethodPost, "/api/sync", "u1", `{"channel_id":"ch42"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u1", engine.lastUser)
	require.Equal(t, "ch42", engine.lastOpts.ChannelID)

	var run storage.SyncRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, 3, run.VideosAdded)
}

func TestServer_StartSyncMissingUser(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})

	rec := doRequest(t, srv, http.MethodPost, "/api/sync", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "missing_user", resp.Code)
}

func TestServer_StartSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"in progress", sync.ErrSyncInProgress, http.StatusConflict},
		{"quota", sync.ErrInsufficientQuota, http.StatusTooManyRequests},
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeEngine{startErr: tt.err}, &fakeJobs{})
			rec := doRequest(t, srv, http.MethodPost, "/api/sync", "u1", "")
			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestServer_StartSyncBadBody(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodPost, "/api/sync", "u1", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Progress(t *testing.T) {
	engine := &fakeEngine{run: &storage.SyncRun{ID: "run-1", Phase: storage.PhaseSyncingVideos, ChannelsProcessed: 4, ChannelsTotal: 9}}
	srv := newTestServer(engine, &fakeJobs{})

	rec := doRequest(t, srv, http.MethodGet, "/api/sync/progress", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var run storage.SyncRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, storage.PhaseSyncingVideos, run.Phase)
	require.Equal(t, 4, run.ChannelsProcessed)
}

func TestServer_ProgressNoActiveSync(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodGet, "/api/sync/progress", "u1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Cancel(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodPost, "/api/sync/cancel", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CancelNoActiveSync(t *testing.T) {
	srv := newTestServer(&fakeEngine{cancelErr: sync.ErrNoActiveSync}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodPost, "/api/sync/cancel", "u1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RunTier(t *testing.T) {
	jobs := &fakeJobs{synced: 7}
	srv := newTestServer(&fakeEngine{}, jobs)

	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/tier/high", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "high", jobs.tier)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 7, resp["synced"])
}

func TestServer_RunTierUnknown(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{tierErr: errors.New(`unknown scheduler tier "hourly"`)})
	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/tier/hourly", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Janitor(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodPost, "/api/jobs/janitor", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeJobs{})
	rec := doRequest(t, srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
