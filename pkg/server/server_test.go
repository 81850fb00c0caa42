package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/config"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/server"
	"github.com/wurt83ow/gitako-sw/pkg/worker"
)

type farm struct {
	mu    sync.Mutex
	posts []string
}

func (f *farm) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		f.mu.Lock()
		f.posts = append(f.posts, r.URL.Path)
		f.mu.Unlock()
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("farm " + r.URL.Path))
}

func setup(t *testing.T) (*httptest.Server, *appcontext.App, *farm) {
	t.Helper()
	f := &farm{}
	upstream := httptest.NewServer(f)
	t.Cleanup(upstream.Close)

	dir := t.TempDir()
	o := config.Defaults()
	o.DataDir = dir
	o.DBPath = filepath.Join(dir, "queue.db")
	o.CacheDBPath = filepath.Join(dir, "caches.db")
	o.SyncInfoPath = filepath.Join(dir, "sync.json")
	o.ServerURL = upstream.URL
	o.Manifest = []string{"/"}

	app, err := appcontext.New(context.Background(), o, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	worker.Register(app.Bus, app)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = app.Bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(server.NewRouter(app))
	t.Cleanup(srv.Close)
	return srv, app, f
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestQueueEndpoints(t *testing.T) {
	srv, _, f := setup(t)

	resp := post(t, srv.URL+"/__sw/queue/forms", `{"field":"x"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/__sw/queue/forms")
	require.NoError(t, err)
	var records []models.QueueRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	resp.Body.Close()
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"field":"x"}`, string(records[0].Payload))

	resp = post(t, srv.URL+"/__sw/sync/sync-forms", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.mu.Lock()
	assert.Equal(t, []string{"/api/forms/sync/"}, f.posts)
	f.mu.Unlock()

	resp = post(t, srv.URL+"/__sw/queue/livestock", `{}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, srv.URL+"/__sw/queue/forms", `{broken`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitOfflineThenOnline(t *testing.T) {
	srv, app, _ := setup(t)

	resp := post(t, srv.URL+"/__sw/offline", "")
	resp.Body.Close()
	assert.False(t, app.Services.Online())

	resp = post(t, srv.URL+"/__sw/submit/harvest", `{"kg":5}`)
	var res map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, true, res["offline"])

	resp = post(t, srv.URL+"/__sw/online", "")
	resp.Body.Close()

	pending, err := app.Queue.Unsynced(context.Background(), models.Forms)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLifecycleAndRouting(t *testing.T) {
	srv, app, _ := setup(t)

	// before activation requests pass straight through
	resp, err := http.Get(srv.URL + "/static/css/mobile.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "farm /static/css/mobile.css", string(body))

	resp = post(t, srv.URL+"/__sw/install", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, app.Lifecycle.Claimed())

	resp, err = http.Get(srv.URL + "/__sw/status")
	require.NoError(t, err)
	var st appcontext.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, []string{"gitako-static-v1.0.0"}, st.Caches)

	resp, err = http.Get(srv.URL + "/api/crops/")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "farm /api/crops/", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "gitako_sw_router_responses_total")
}

func TestDrainEndpoint(t *testing.T) {
	srv, app, _ := setup(t)

	_, err := app.Queue.Save(context.Background(), models.Inventory, map[string]int{"qty": 3})
	require.NoError(t, err)

	resp := post(t, srv.URL+"/__sw/drain", "")
	var res map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, 1, res["synced"])
	assert.Equal(t, 0, res["failed"])
}

func TestDrainEndpoint_SerializedWithOnline(t *testing.T) {
	srv, app, f := setup(t)

	_, err := app.Queue.Save(context.Background(), models.Inventory, map[string]int{"qty": 5})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, path := range []string{"/__sw/drain", "/__sw/online", "/__sw/drain"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, err := http.Post(srv.URL+path, "application/json", nil)
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}(path)
	}
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"/inventory/sync/"}, f.posts)
}
