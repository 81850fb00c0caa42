// Package router intercepts outgoing requests and answers them from the
// network or the cache generations, depending on the request's class.
package router

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/wurt83ow/gitako-sw/pkg/cache"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/metrics"
)

// ErrOfflineRouteExhausted means neither network nor cache could answer.
// Callers only ever see it as a placeholder response carrying
// OfflineRouteHeader.
var ErrOfflineRouteExhausted = errors.New("offline route exhausted")

const OfflineRouteHeader = "X-Offline-Route"

//go:embed offline.html
var offlineHTML []byte

// Response sources reported to metrics.
const (
	sourceNetwork     = "network"
	sourceCache       = "cache"
	sourceFallback    = "fallback"
	sourceOffline     = "offline"
	sourcePassthrough = "passthrough"
)

// HttpRequestDoer performs HTTP requests.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Gate reports whether the worker controls requests yet.
type Gate interface {
	Claimed() bool
}

type Router struct {
	rules   Rules
	caches  *cache.Storage
	gens    cache.Generations
	net     HttpRequestDoer
	gate    Gate
	log     logger.LoggerInterface
	metrics *metrics.Metrics
	landing string
}

type Option func(*Router)

func WithGate(g Gate) Option {
	return func(r *Router) { r.gate = g }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithOfflineLanding sets the cached page served to navigations that fail
// entirely. Default "/dashboard/".
func WithOfflineLanding(path string) Option {
	return func(r *Router) { r.landing = path }
}

// NoFollow returns a copy of c that hands 3xx responses back to the caller
// instead of following them.
func NoFollow(c *http.Client) *http.Client {
	out := http.Client{}
	if c != nil {
		out = *c
	}
	out.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &out
}

// New builds a Router forwarding through net. An *http.Client is wrapped with
// NoFollow: redirects always reach the browser untouched.
func New(rules Rules, caches *cache.Storage, gens cache.Generations, net HttpRequestDoer, log logger.LoggerInterface, opts ...Option) *Router {
	if c, ok := net.(*http.Client); ok {
		net = NoFollow(c)
	}
	r := &Router{
		rules:   rules,
		caches:  caches,
		gens:    gens,
		net:     net,
		log:     log,
		landing: "/dashboard/",
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify resolves req against the origin and returns its class.
func (r *Router) Classify(req *http.Request) Class {
	return r.rules.Classify(r.outgoing(req.Context(), req))
}

// Handle answers req. It never fails: when nothing can answer, a placeholder
// response is synthesized.
func (r *Router) Handle(ctx context.Context, req *http.Request) *http.Response {
	out := r.outgoing(ctx, req)

	if r.gate != nil && !r.gate.Claimed() {
		return r.passthrough(out)
	}
	if out.Method != http.MethodGet {
		return r.passthrough(out)
	}

	class := r.rules.Classify(out)
	switch class {
	case StaticAsset:
		return r.cacheFirst(ctx, out)
	case APIRequest:
		resp, ok := r.networkFirst(ctx, out, class)
		if ok {
			return resp
		}
		return r.offlineJSON(out)
	case PageRequest:
		resp, ok := r.networkFirst(ctx, out, class)
		if ok {
			return resp
		}
		return r.offlinePage(ctx, out)
	default:
		return r.other(ctx, out)
	}
}

// ServeHTTP writes the answer from Handle to w.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp := r.Handle(req.Context(), req)
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	removeHopHeaders(header)
	header.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		r.log.Warnf("Failed to write response for %s: %v", req.URL, err)
	}
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request) *http.Response {
	if resp, ok := r.match(ctx, req); ok {
		r.metrics.Routed(StaticAsset.String(), sourceCache)
		return resp
	}

	resp, err := r.net.Do(req)
	if err != nil {
		r.log.Warnf("Failed to fetch static asset %s: %v", req.URL, err)
		if cached, ok := r.match(ctx, req); ok {
			r.metrics.Routed(StaticAsset.String(), sourceCache)
			return cached
		}
		r.metrics.Routed(StaticAsset.String(), sourceOffline)
		return r.exhausted(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
	}

	if ok2xx(resp.StatusCode) {
		r.store(ctx, r.gens.Static, req, resp)
	}
	r.metrics.Routed(StaticAsset.String(), sourceNetwork)
	return resp
}

// networkFirst returns false when neither the network nor the cache answered.
func (r *Router) networkFirst(ctx context.Context, req *http.Request, class Class) (*http.Response, bool) {
	resp, err := r.net.Do(req)
	if err == nil {
		if ok2xx(resp.StatusCode) {
			r.store(ctx, r.gens.Dynamic, req, resp)
		}
		r.metrics.Routed(class.String(), sourceNetwork)
		return resp, true
	}

	r.log.Infof("Network failed for %s request %s, checking cache: %v", class, req.URL, err)
	if cached, ok := r.match(ctx, req); ok {
		r.metrics.Routed(class.String(), sourceCache)
		return cached, true
	}
	return nil, false
}

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

func (r *Router) offlineJSON(req *http.Request) *http.Response {
	body, _ := json.Marshal(offlineBody{
		Error:   "Offline",
		Message: "This feature is not available offline",
		Offline: true,
	})
	r.metrics.Routed(APIRequest.String(), sourceOffline)
	return r.exhausted(req, http.StatusServiceUnavailable, "application/json", body)
}

func (r *Router) offlinePage(ctx context.Context, req *http.Request) *http.Response {
	for _, path := range []string{r.landing, "/"} {
		if path == "" {
			continue
		}
		fallback, err := http.NewRequestWithContext(ctx, http.MethodGet, r.resolve(&url.URL{Path: path}).String(), nil)
		if err != nil {
			continue
		}
		if resp, ok := r.match(ctx, fallback); ok {
			r.metrics.Routed(PageRequest.String(), sourceFallback)
			resp.Request = req
			return resp
		}
	}
	r.metrics.Routed(PageRequest.String(), sourceOffline)
	return r.exhausted(req, http.StatusOK, "text/html; charset=utf-8", offlineHTML)
}

func (r *Router) other(ctx context.Context, req *http.Request) *http.Response {
	resp, err := r.net.Do(req)
	if err == nil {
		r.metrics.Routed(Other.String(), sourceNetwork)
		return resp
	}
	if cached, ok := r.match(ctx, req); ok {
		r.metrics.Routed(Other.String(), sourceCache)
		return cached
	}
	r.metrics.Routed(Other.String(), sourceOffline)
	return r.exhausted(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}

func (r *Router) passthrough(req *http.Request) *http.Response {
	resp, err := r.net.Do(req)
	if err != nil {
		r.log.Warnf("Failed to fetch %s %s: %v", req.Method, req.URL, err)
		r.metrics.Routed(Other.String(), sourceOffline)
		return r.exhausted(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
	}
	r.metrics.Routed(Other.String(), sourcePassthrough)
	return resp
}

func (r *Router) match(ctx context.Context, req *http.Request) (*http.Response, bool) {
	if r.caches == nil {
		return nil, false
	}
	stored, ok, err := r.caches.Match(ctx, req)
	if err != nil {
		r.log.Warnf("Cache lookup failed for %s: %v", req.URL, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return stored.HTTPResponse(req), true
}

// store keeps a copy of resp in the named generation. resp stays readable.
func (r *Router) store(ctx context.Context, generation string, req *http.Request, resp *http.Response) {
	if r.caches == nil {
		return
	}
	stored, err := cache.NewResponse(resp)
	if err != nil {
		r.log.Warnf("Failed to buffer %s: %v", req.URL, err)
		return
	}
	c, err := r.caches.Open(ctx, generation)
	if err == nil {
		err = c.Put(ctx, req, stored)
	}
	if err != nil {
		r.log.Warnf("Failed to cache %s in %s: %v", req.URL, generation, err)
	}
}

func (r *Router) exhausted(req *http.Request, status int, contentType string, body []byte) *http.Response {
	r.log.Debugf("%v: %s %s", ErrOfflineRouteExhausted, req.Method, req.URL)
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(OfflineRouteHeader, "exhausted")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// outgoing returns a copy of req addressed with an absolute URL and ready to
// be sent by a client.
func (r *Router) outgoing(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.URL = r.resolve(req.URL)
	out.Host = ""
	out.RequestURI = ""
	removeHopHeaders(out.Header)
	return out
}

func (r *Router) resolve(u *url.URL) *url.URL {
	if u.IsAbs() || r.rules.Origin == nil {
		return u
	}
	return r.rules.Origin.ResolveReference(u)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func ok2xx(code int) bool {
	return code >= 200 && code < 300
}
