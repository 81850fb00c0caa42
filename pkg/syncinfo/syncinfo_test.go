package syncinfo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncinfo.json")
	sm := NewSyncManager(path)

	fixed := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
	sm.now = func() time.Time { return fixed }

	require.NoError(t, sm.RecordDrain(4, 1))

	// a fresh manager sees what the first one saved
	loaded, err := NewSyncManager(path).LoadSyncInfoFromFile()
	require.NoError(t, err)
	assert.True(t, fixed.Equal(loaded.LastSync))
	assert.Equal(t, 4, loaded.Synced)
	assert.Equal(t, 1, loaded.Failed)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadSyncInfo_MissingFile(t *testing.T) {
	sm := NewSyncManager(filepath.Join(t.TempDir(), "none.json"))

	info, err := sm.LoadSyncInfoFromFile()
	require.NoError(t, err)
	assert.True(t, info.LastSync.IsZero())
}

func TestLoadSyncInfo_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("2024-01-01"), 0644))

	_, err := NewSyncManager(path).LoadSyncInfoFromFile()
	assert.Error(t, err)
}
