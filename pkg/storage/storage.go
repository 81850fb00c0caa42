// Package storage is the offline queue manager. It owns all access to the
// local store: it saves pending writes, lists the unsynced ones and marks
// them as delivered.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/wurt83ow/gitako-sw/pkg/bdkeeper"
	"github.com/wurt83ow/gitako-sw/pkg/metrics"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

type Storage struct {
	keeper  *bdkeeper.Keeper
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Storage)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Storage) { s.metrics = m }
}

// New wraps keeper. A nil keeper yields a queue that reports
// bdkeeper.ErrStorageUnavailable from every call.
func New(keeper *bdkeeper.Keeper, opts ...Option) *Storage {
	s := &Storage{keeper: keeper, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Available reports whether a local store backs the queue.
func (s *Storage) Available() bool {
	return s.keeper != nil
}

// Save queues payload for later delivery and returns its identifier.
func (s *Storage) Save(ctx context.Context, c models.Collection, payload any) (int64, error) {
	if s.keeper == nil {
		return 0, bdkeeper.ErrStorageUnavailable
	}

	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s payload: %w", c, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return 0, fmt.Errorf("payload for %s is not valid JSON", c)
	}

	rec := models.QueueRecord{
		UID:       uuid.NewString(),
		Payload:   raw,
		Timestamp: s.now().UTC(),
		Synced:    false,
	}
	id, err := s.keeper.Insert(ctx, c, rec)
	if err != nil {
		return 0, err
	}
	s.metrics.Saved(string(c))
	return id, nil
}

func (s *Storage) Get(ctx context.Context, c models.Collection, id int64) (models.QueueRecord, error) {
	if s.keeper == nil {
		return models.QueueRecord{}, bdkeeper.ErrStorageUnavailable
	}
	return s.keeper.Get(ctx, c, id)
}

// Unsynced returns every record of c not yet delivered, oldest first.
func (s *Storage) Unsynced(ctx context.Context, c models.Collection) ([]models.QueueRecord, error) {
	if s.keeper == nil {
		return nil, bdkeeper.ErrStorageUnavailable
	}
	return s.keeper.QueryByIndex(ctx, c, models.IndexSynced, false)
}

// MarkSynced flags a record as delivered. Missing or already synced records
// are left alone.
func (s *Storage) MarkSynced(ctx context.Context, c models.Collection, id int64) error {
	if s.keeper == nil {
		return bdkeeper.ErrStorageUnavailable
	}
	err := s.keeper.Modify(ctx, c, id, func(rec *models.QueueRecord) bool {
		if rec.Synced {
			return false
		}
		rec.Synced = true
		return true
	})
	if errors.Is(err, bdkeeper.ErrNotFound) {
		return nil
	}
	return err
}

// Pending counts unsynced records per syncable collection.
func (s *Storage) Pending(ctx context.Context) (map[models.Collection]int, error) {
	if s.keeper == nil {
		return nil, bdkeeper.ErrStorageUnavailable
	}
	counts := make(map[models.Collection]int, len(models.SyncOrder))
	for _, c := range models.SyncOrder {
		recs, err := s.Unsynced(ctx, c)
		if err != nil {
			return nil, err
		}
		counts[c] = len(recs)
	}
	return counts, nil
}
