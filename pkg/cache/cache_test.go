package cache_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wurt83ow/gitako-sw/pkg/cache"
)

func setup(t *testing.T) *cache.Storage {
	t.Helper()
	s, err := cache.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// get builds a client-side request, so a #fragment lands in URL.Fragment.
func get(url string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		panic(err)
	}
	return req
}

func stored(body string) *cache.Response {
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/css"}},
		Body:   []byte(body),
	}
}

func TestOpenKeysHas(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	for _, name := range []string{"gitako-static-v1.0.0", "gitako-dynamic-v1.0.0", "gitako-static-v1.0.0"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gitako-static-v1.0.0", "gitako-dynamic-v1.0.0"}, keys)

	ok, err := s.Has(ctx, "gitako-dynamic-v1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Has(ctx, "gitako-farm")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutMatch(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c, err := s.Open(ctx, "gitako-static-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, get("http://farm.local/static/css/main.css"), stored("body{}")))

	resp, ok, err := c.Match(ctx, get("http://farm.local/static/css/main.css"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	assert.Equal(t, "body{}", string(resp.Body))
	assert.False(t, resp.StoredAt.IsZero())

	// fragments are not part of the key
	withFragment := get("http://farm.local/static/css/main.css#top")
	require.Equal(t, "top", withFragment.URL.Fragment)
	_, ok, err = c.Match(ctx, withFragment)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = c.Match(ctx, get("http://farm.local/static/css/other.css"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPut_OnlyGET(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c, err := s.Open(ctx, "gitako-dynamic-v1.0.0")
	require.NoError(t, err)

	post := httptest.NewRequest(http.MethodPost, "http://farm.local/api/crops/", nil)
	assert.ErrorIs(t, c.Put(ctx, post, stored("{}")), cache.ErrNotCacheable)

	_, ok, err := s.Match(ctx, post)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutAll_AllOrNothing(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	c, err := s.Open(ctx, "gitako-static-v1.0.0")
	require.NoError(t, err)

	err = c.PutAll(ctx, []cache.Entry{
		{Request: get("http://farm.local/"), Response: stored("home")},
		{Request: httptest.NewRequest(http.MethodPut, "http://farm.local/x", nil), Response: stored("x")},
	})
	require.Error(t, err)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = c.PutAll(ctx, []cache.Entry{
		{Request: get("http://farm.local/"), Response: stored("home")},
		{Request: get("http://farm.local/dashboard/"), Response: stored("dash")},
	})
	require.NoError(t, err)

	keys, err = c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://farm.local/", "http://farm.local/dashboard/"}, keys)
}

func TestStorageMatch_AcrossGenerations(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	static, err := s.Open(ctx, "gitako-static-v1.0.0")
	require.NoError(t, err)
	dynamic, err := s.Open(ctx, "gitako-dynamic-v1.0.0")
	require.NoError(t, err)

	require.NoError(t, dynamic.Put(ctx, get("http://farm.local/api/crops/"), stored("dynamic")))
	resp, ok, err := s.Match(ctx, get("http://farm.local/api/crops/"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dynamic", string(resp.Body))

	// older generation wins
	require.NoError(t, static.Put(ctx, get("http://farm.local/api/crops/"), stored("static")))
	resp, ok, err = s.Match(ctx, get("http://farm.local/api/crops/"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "static", string(resp.Body))
}

func TestDelete(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	old, err := s.Open(ctx, "gitako-static-v0.9.0")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, get("http://farm.local/"), stored("old")))

	ok, err := s.Delete(ctx, "gitako-static-v0.9.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "gitako-static-v0.9.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, hit, err := s.Match(ctx, get("http://farm.local/"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResponseRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(http.StatusCreated)
	_, _ = rec.WriteString(`{"id":1}`)
	orig := rec.Result()

	r, err := cache.NewResponse(orig)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, r.Status)

	// orig stays readable
	body, err := io.ReadAll(orig.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(body))

	req := get("http://farm.local/api/crops/1/")
	out := r.HTTPResponse(req)
	assert.Equal(t, http.StatusCreated, out.StatusCode)
	assert.Equal(t, "application/json", out.Header.Get("Content-Type"))
	assert.Equal(t, int64(8), out.ContentLength)
	assert.Same(t, req, out.Request)
	body, err = io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(body))
}

func TestKey(t *testing.T) {
	a := cache.Key(get("http://farm.local/a"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, cache.Key(get("http://farm.local/a")))
	assert.NotEqual(t, a, cache.Key(get("http://farm.local/b")))
	assert.NotEqual(t, a, cache.Key(httptest.NewRequest(http.MethodHead, "http://farm.local/a", nil)))
}

func TestNewResponse_DropsCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.Header().Add("Set-Cookie", "sessionid=old-session")
	rec.Header().Add("Set-Cookie", "csrftoken=old-token")
	rec.Header().Set("Set-Cookie2", "legacy=1")
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(`[]`)
	orig := rec.Result()

	r, err := cache.NewResponse(orig)
	require.NoError(t, err)
	assert.Empty(t, r.Header.Values("Set-Cookie"))
	assert.Empty(t, r.Header.Values("Set-Cookie2"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

	// the live response keeps its cookies
	assert.Len(t, orig.Header.Values("Set-Cookie"), 2)

	// entries stored before cookies were filtered are cleaned on replay
	r.Header.Set("Set-Cookie", "sessionid=stale")
	out := r.HTTPResponse(get("http://farm.local/api/crops/"))
	assert.Empty(t, out.Header.Values("Set-Cookie"))
}

type failingBody struct{ data []byte }

func (b *failingBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, errors.New("connection reset")
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *failingBody) Close() error { return nil }

func TestNewResponse_ReadError(t *testing.T) {
	orig := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       &failingBody{data: []byte("partial")},
	}

	_, err := cache.NewResponse(orig)
	require.Error(t, err)

	// what was read stays available to the caller
	body, err := io.ReadAll(orig.Body)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(body))
}
