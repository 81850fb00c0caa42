// Package gksync is the HTTP collaborator used to deliver queued records and
// online form submissions to the farm-management server.
package gksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrSyncFailed         = errors.New("sync failed")
)

const (
	CSRFCookieName    = "csrftoken"
	CSRFHeader        = "X-CSRFToken"
	IdempotencyHeader = "X-Idempotency-Key"
)

// SyncEndpoints maps each syncable collection onto its replay path.
var SyncEndpoints = map[models.Collection]string{
	models.Activities: "/activities/sync/",
	models.Inventory:  "/inventory/sync/",
	models.Forms:      "/api/forms/sync/",
}

// SyncError reports a replay answered with a non-2xx status.
type SyncError struct {
	Collection models.Collection
	StatusCode int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: server returned status %d", e.Collection, e.StatusCode)
}

func (e *SyncError) Unwrap() error { return ErrSyncFailed }

// TokenSource yields the anti-forgery token for outgoing writes.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// CookieToken reads the token from a cookie jar shared with the cache router.
type CookieToken struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (ct CookieToken) Token(ctx context.Context) (string, bool) {
	if ct.Jar == nil || ct.URL == nil {
		return "", false
	}
	name := ct.Name
	if name == "" {
		name = CSRFCookieName
	}
	for _, c := range ct.Jar.Cookies(ct.URL) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// CSRFEditor sets the anti-forgery header when src has a token.
func CSRFEditor(src TokenSource) RequestEditorFn {
	return func(ctx context.Context, req *http.Request) error {
		if src == nil {
			return nil
		}
		if token, ok := src.Token(ctx); ok {
			req.Header.Set(CSRFHeader, token)
		}
		return nil
	}
}

// IdempotencyEditor tags a replay with the record uid.
func IdempotencyEditor(uid string) RequestEditorFn {
	return func(ctx context.Context, req *http.Request) error {
		if uid != "" {
			req.Header.Set(IdempotencyHeader, uid)
		}
		return nil
	}
}

type Sync struct {
	client *ClientWithResponses
}

func NewSync(serverURL string, opts ...ClientOption) (*Sync, error) {
	c, err := NewClientWithResponses(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Sync{client: c}, nil
}

// SyncRecord posts rec's payload to the endpoint of collection.
func (s *Sync) SyncRecord(ctx context.Context, collection models.Collection, rec models.QueueRecord) error {
	if _, ok := SyncEndpoints[collection]; !ok {
		return fmt.Errorf("%w: no endpoint for collection %q", ErrSyncFailed, collection)
	}
	resp, err := s.client.PostSyncWithResponse(ctx, collection, rec.Payload, IdempotencyEditor(rec.UID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if !resp.OK() {
		return &SyncError{Collection: collection, StatusCode: resp.StatusCode()}
	}
	return nil
}

// SubmitForm posts data to the live form endpoint and returns the decoded
// response body.
func (s *Sync) SubmitForm(ctx context.Context, formType string, data any) ([]byte, error) {
	resp, err := s.client.PostFormWithResponse(ctx, formType, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("submit %s: server returned status: %s", formType, resp.Status())
	}
	if len(resp.Body) == 0 || !json.Valid(resp.Body) {
		return []byte("null"), nil
	}
	return resp.Body, nil
}
