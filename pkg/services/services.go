// Package services coordinates the offline queue with the server: it drains
// queued records once connectivity returns and submits forms online-first.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/metrics"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/storage"
	"github.com/wurt83ow/gitako-sw/pkg/syncinfo"
)

// Syncer delivers records and forms to the server.
type Syncer interface {
	SyncRecord(ctx context.Context, collection models.Collection, rec models.QueueRecord) error
	SubmitForm(ctx context.Context, formType string, data any) ([]byte, error)
}

type Service struct {
	queue   *storage.Storage
	sync    Syncer
	log     logger.LoggerInterface
	metrics *metrics.Metrics
	info    *syncinfo.SyncManager
	now     func() time.Time

	online atomic.Bool
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSyncInfo records the outcome of every drain in sm.
func WithSyncInfo(sm *syncinfo.SyncManager) Option {
	return func(s *Service) { s.info = sm }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewServices(queue *storage.Storage, sync Syncer, log logger.LoggerInterface, opts ...Option) *Service {
	s := &Service{
		queue: queue,
		sync:  sync,
		log:   log,
		now:   time.Now,
	}
	s.online.Store(true)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetOnline records the connectivity state reported by the host.
func (s *Service) SetOnline(online bool) {
	s.online.Store(online)
}

func (s *Service) Online() bool {
	return s.online.Load()
}

// CollectionReport sums up the drain of one collection.
type CollectionReport struct {
	Collection models.Collection
	Attempted  int
	Synced     int
	Failed     int
	Err        error
}

// Report sums up a full drain.
type Report struct {
	Collections []CollectionReport
}

func (r Report) Synced() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Synced
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, c := range r.Collections {
		n += c.Failed
	}
	return n
}

// DrainAll replays every unsynced record, collection by collection in
// models.SyncOrder. Failures are logged and counted; the drain always runs to
// the end.
func (s *Service) DrainAll(ctx context.Context) Report {
	var report Report
	for _, c := range models.SyncOrder {
		report.Collections = append(report.Collections, s.drain(ctx, c))
	}
	s.log.Infof("Offline data sync completed: %d synced, %d failed", report.Synced(), report.Failed())
	s.recordDrain(report.Synced(), report.Failed())
	return report
}

// DrainCollection replays the unsynced records of a single collection.
func (s *Service) DrainCollection(ctx context.Context, c models.Collection) CollectionReport {
	cr := s.drain(ctx, c)
	s.recordDrain(cr.Synced, cr.Failed)
	return cr
}

func (s *Service) drain(ctx context.Context, c models.Collection) CollectionReport {
	cr := CollectionReport{Collection: c}

	records, err := s.queue.Unsynced(ctx, c)
	if err != nil {
		s.log.Errorf("Failed to read unsynced %s: %v", c, err)
		cr.Err = err
		return cr
	}

	for _, rec := range records {
		cr.Attempted++
		if err := s.SyncOne(ctx, c, rec); err != nil {
			s.log.Errorf("Failed to sync %s item %d: %v", c, rec.ID, err)
			s.metrics.Synced(string(c), false)
			cr.Failed++
			continue
		}
		if err := s.queue.MarkSynced(ctx, c, rec.ID); err != nil {
			// delivered but still flagged pending; the next drain sends it again
			s.log.Errorf("Failed to mark %s item %d as synced: %v", c, rec.ID, err)
			s.metrics.Synced(string(c), false)
			cr.Failed++
			continue
		}
		s.log.Infof("Synced %s item: %d", c, rec.ID)
		s.metrics.Synced(string(c), true)
		cr.Synced++
	}
	return cr
}

// SyncOne delivers a single record to the endpoint of its collection.
func (s *Service) SyncOne(ctx context.Context, c models.Collection, rec models.QueueRecord) error {
	return s.sync.SyncRecord(ctx, c, rec)
}

func (s *Service) recordDrain(synced, failed int) {
	if s.info == nil {
		return
	}
	if err := s.info.RecordDrain(synced, failed); err != nil {
		s.log.Warnf("Failed to save sync info: %v", err)
	}
}

// SubmitResult is what a form submission resolved to.
type SubmitResult struct {
	Success bool            `json:"success"`
	Offline bool            `json:"offline,omitempty"`
	ID      int64           `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Submit sends a form to the server, falling back to the offline queue when
// the host is offline or the submission fails.
func (s *Service) Submit(ctx context.Context, formType string, data json.RawMessage) (SubmitResult, error) {
	if formType == "" {
		return SubmitResult{}, errors.New("form type is required")
	}
	if !json.Valid(data) {
		return SubmitResult{}, fmt.Errorf("form %s: data is not valid JSON", formType)
	}

	if s.Online() {
		body, err := s.sync.SubmitForm(ctx, formType, data)
		if err == nil {
			s.log.Infof("Form %s submitted successfully", formType)
			return SubmitResult{Success: true, Data: body}, nil
		}
		s.log.Warnf("Failed to submit form %s online: %v", formType, err)
	}
	return s.SubmitOffline(ctx, formType, data)
}

// SubmitOffline queues a form for the next drain.
func (s *Service) SubmitOffline(ctx context.Context, formType string, data json.RawMessage) (SubmitResult, error) {
	form := models.OfflineForm{
		FormType:  formType,
		Data:      data,
		Timestamp: s.now().UnixMilli(),
	}
	id, err := s.queue.Save(ctx, models.Forms, form)
	if err != nil {
		s.log.Errorf("Failed to save form %s offline: %v", formType, err)
		return SubmitResult{Success: false, Error: err.Error()}, err
	}
	s.log.Infof("Form %s saved offline as %d. Will sync when connected.", formType, id)
	return SubmitResult{Success: true, Offline: true, ID: id}, nil
}
