package models

import (
	"encoding/json"
	"time"
)

// Collection names a partition of queued offline records.
type Collection string

const (
	Activities Collection = "activities"
	Crops      Collection = "crops"
	Inventory  Collection = "inventory"
	Forms      Collection = "forms"
)

// Index names known to the local store.
const (
	IndexTimestamp = "timestamp"
	IndexSynced    = "synced"
)

const (
	DBName        = "GitakoFarmDB"
	SchemaVersion = 1
)

// SyncOrder is the fixed priority in which collections are drained.
var SyncOrder = []Collection{Activities, Inventory, Forms}

// QueueRecord is a pending user submission kept in the local store.
type QueueRecord struct {
	ID        int64           `json:"id"`
	UID       string          `json:"uid"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// CollectionSchema declares a collection and the indexes it carries.
type CollectionSchema struct {
	Name    Collection
	Indexes []string
}

// HasIndex reports whether the schema declares the named index.
func (cs CollectionSchema) HasIndex(name string) bool {
	for _, idx := range cs.Indexes {
		if idx == name {
			return true
		}
	}
	return false
}

// DefaultSchema returns the collections created at store initialization.
func DefaultSchema() []CollectionSchema {
	return []CollectionSchema{
		{Name: Activities, Indexes: []string{IndexTimestamp, IndexSynced}},
		{Name: Crops, Indexes: []string{IndexTimestamp}},
		{Name: Inventory, Indexes: []string{IndexTimestamp, IndexSynced}},
		{Name: Forms, Indexes: []string{IndexTimestamp, IndexSynced}},
	}
}

// ParseCollection maps a raw name onto a known collection.
func ParseCollection(name string) (Collection, bool) {
	for _, cs := range DefaultSchema() {
		if string(cs.Name) == name {
			return cs.Name, true
		}
	}
	return "", false
}

// OfflineForm is the payload stored for a form submitted while offline.
type OfflineForm struct {
	FormType  string          `json:"formType"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}
