// Package syncinfo keeps track of the last time the offline queue was drained.
package syncinfo

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// SyncInfo represents data about the last drain of the offline queue.
type SyncInfo struct {
	LastSync time.Time `json:"last_sync"` // LastSync is when the last drain finished.
	Synced   int       `json:"synced"`    // Synced is how many records that drain delivered.
	Failed   int       `json:"failed"`    // Failed is how many records stayed queued.
}

// SyncManager manages access to and updates of synchronization data.
type SyncManager struct {
	fileMutex sync.RWMutex
	mu        sync.RWMutex
	info      SyncInfo
	filename  string
	now       func() time.Time
}

// NewSyncManager creates a SyncManager backed by fileName. The file is
// created on the first save.
func NewSyncManager(fileName string) *SyncManager {
	return &SyncManager{filename: fileName, now: time.Now}
}

// UpdateSyncInfo updates synchronization data.
func (sm *SyncManager) UpdateSyncInfo(info SyncInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.info = info
}

// GetSyncInfo returns the current synchronization data.
func (sm *SyncManager) GetSyncInfo() SyncInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.info
}

// SaveSyncInfoToFile saves synchronization data to a file.
func (sm *SyncManager) SaveSyncInfoToFile() error {
	sm.fileMutex.Lock()
	defer sm.fileMutex.Unlock()

	data, err := json.Marshal(sm.GetSyncInfo())
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filename, data, 0644)
}

// LoadSyncInfoFromFile loads synchronization data from a file. A missing
// file yields the zero SyncInfo.
func (sm *SyncManager) LoadSyncInfoFromFile() (SyncInfo, error) {
	sm.fileMutex.RLock()
	defer sm.fileMutex.RUnlock()

	content, err := os.ReadFile(sm.filename)
	if errors.Is(err, os.ErrNotExist) {
		return SyncInfo{}, nil
	}
	if err != nil {
		return SyncInfo{}, err
	}

	var info SyncInfo
	if err := json.Unmarshal(content, &info); err != nil {
		return SyncInfo{}, err
	}
	sm.UpdateSyncInfo(info)
	return info, nil
}

// RecordDrain stamps the current time on a finished drain and persists it.
func (sm *SyncManager) RecordDrain(synced, failed int) error {
	sm.UpdateSyncInfo(SyncInfo{
		LastSync: sm.now().UTC(),
		Synced:   synced,
		Failed:   failed,
	})
	return sm.SaveSyncInfoToFile()
}
