package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/config"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/lifecycle"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/push"
	"github.com/wurt83ow/gitako-sw/pkg/worker"
)

type notifier struct {
	mu     sync.Mutex
	shown  []push.Notification
	opened []string
}

func (n *notifier) Show(_ context.Context, note push.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, note)
	return nil
}

func (n *notifier) Open(_ context.Context, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, path)
	return nil
}

type server struct {
	mu    sync.Mutex
	posts []string
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.mu.Lock()
		s.posts = append(s.posts, r.URL.Path)
		s.mu.Unlock()
	}
	_, _ = w.Write([]byte(`{}`))
}

func (s *server) Posts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posts...)
}

func setup(t *testing.T) (*appcontext.App, *events.Bus, *server, *notifier) {
	t.Helper()
	srv := &server{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	o := config.Defaults()
	o.DataDir = dir
	o.DBPath = filepath.Join(dir, "queue.db")
	o.CacheDBPath = filepath.Join(dir, "caches.db")
	o.SyncInfoPath = filepath.Join(dir, "sync.json")
	o.ServerURL = ts.URL
	o.Manifest = []string{"/", "/dashboard/"}

	app, err := appcontext.New(context.Background(), o, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	n := &notifier{}
	app.Notifier = n

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

	worker.Register(app.Bus, app)
	return app, app.Bus, srv, n
}

func TestInstallActivates(t *testing.T) {
	app, bus, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Install}))
	assert.Equal(t, lifecycle.StateActivated, app.Lifecycle.State())
	assert.True(t, app.Lifecycle.Claimed())
}

func TestSyncTag(t *testing.T) {
	app, bus, srv, _ := setup(t)
	ctx := context.Background()

	_, err := app.Queue.Save(ctx, models.Forms, map[string]string{"field": "x"})
	require.NoError(t, err)
	_, err = app.Queue.Save(ctx, models.Activities, map[string]string{"task": "weeding"})
	require.NoError(t, err)

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Sync, Tag: "sync-forms"}))
	assert.Equal(t, []string{"/api/forms/sync/"}, srv.Posts())

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Sync, Tag: "sync-unknown"}))
	assert.Len(t, srv.Posts(), 1)
}

func TestOnlineOffline(t *testing.T) {
	app, bus, srv, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Offline}))
	assert.False(t, app.Services.Online())

	res, err := app.Services.Submit(ctx, "harvest", json.RawMessage(`{"kg":4}`))
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, srv.Posts())

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Online}))
	assert.True(t, app.Services.Online())
	assert.Equal(t, []string{"/api/forms/sync/"}, srv.Posts())

	pending, err := app.Queue.Unsynced(ctx, models.Forms)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSkipWaitingMessage(t *testing.T) {
	app, bus, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Message, Data: json.RawMessage(`{"type":"PING"}`)}))
	assert.False(t, app.Lifecycle.ShouldSkipWaiting())

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Message, Data: json.RawMessage(`{"type":"SKIP_WAITING"}`)}))
	assert.True(t, app.Lifecycle.ShouldSkipWaiting())
	// not installed yet, so nothing to activate
	assert.Equal(t, lifecycle.StateParsed, app.Lifecycle.State())
}

func TestPushAndClick(t *testing.T) {
	_, bus, _, n := setup(t)
	ctx := context.Background()

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Push, Data: json.RawMessage(`{"body":"Harvest due"}`)}))
	require.Len(t, n.shown, 1)
	assert.Equal(t, push.DefaultTitle, n.shown[0].Title)
	assert.Equal(t, "Harvest due", n.shown[0].Body)

	for _, action := range []string{push.ActionExplore, push.ActionClose, ""} {
		require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.NotificationClick, Action: action}))
	}
	assert.Equal(t, []string{"/dashboard/", "/"}, n.opened)
}

func TestDrainEvent(t *testing.T) {
	app, bus, srv, _ := setup(t)
	ctx := context.Background()

	_, err := app.Queue.Save(ctx, models.Activities, map[string]string{"task": "weeding"})
	require.NoError(t, err)
	_, err = app.Queue.Save(ctx, models.Inventory, map[string]int{"qty": 2})
	require.NoError(t, err)

	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Drain}))
	assert.Equal(t, []string{"/activities/sync/", "/inventory/sync/"}, srv.Posts())

	// a second drain finds nothing left to send
	require.NoError(t, bus.Dispatch(ctx, events.Event{Type: events.Drain}))
	assert.Len(t, srv.Posts(), 2)
	assert.Equal(t, 0, app.SyncInfo.GetSyncInfo().Synced)
}
