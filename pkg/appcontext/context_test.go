package appcontext

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/gitako-sw/pkg/config"
	"github.com/wurt83ow/gitako-sw/pkg/lifecycle"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

func TestContextRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")

	id, ok := GetRequestID(ctx)
	if !ok || id != "req-1" {
		t.Errorf("Failed to retrieve request id from context. Got: %s, want: %s", id, "req-1")
	}

	id, ok = GetRequestID(WithRequestID(context.Background(), ""))
	assert.True(t, ok)
	assert.Len(t, id, 36)

	_, ok = GetRequestID(context.Background())
	assert.False(t, ok)
}

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	dir := t.TempDir()
	o := config.Defaults()
	o.DataDir = dir
	o.DBPath = filepath.Join(dir, "queue.db")
	o.CacheDBPath = filepath.Join(dir, "caches.db")
	o.SyncInfoPath = filepath.Join(dir, "sync.json")
	o.ServerURL = "http://127.0.0.1:1"
	return o
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, testOptions(t), logger.NewNop())
	require.NoError(t, err)
	defer app.Close()

	assert.True(t, app.Queue.Available())
	assert.Equal(t, "gitako-static-v1.0.0", app.Generations.Static)

	id, err := app.Queue.Save(ctx, models.Forms, map[string]string{"field": "x"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	st, err := app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateParsed, st.State)
	assert.False(t, st.Claimed)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Pending[models.Forms])
	assert.True(t, st.LastSync.IsZero())
}

func TestNew_NetworkOnlyWhenStoreUnavailable(t *testing.T) {
	o := testOptions(t)
	o.DBPath = filepath.Join(o.DataDir, "missing", "queue.db")

	app, err := New(context.Background(), o, logger.NewNop())
	require.NoError(t, err)
	defer app.Close()

	assert.False(t, app.Queue.Available())
	st, err := app.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Storage)
}

func TestNew_InvalidOptions(t *testing.T) {
	o := testOptions(t)
	o.CacheVersion = "next"
	_, err := New(context.Background(), o, logger.NewNop())
	assert.Error(t, err)

	o = testOptions(t)
	o.APIPatterns = []string{"("}
	_, err = New(context.Background(), o, logger.NewNop())
	assert.Error(t, err)
}
