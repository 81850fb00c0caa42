// Package lifecycle drives the worker through install and activation:
// pre-populating the static cache, dropping stale generations and claiming
// clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/wurt83ow/gitako-sw/pkg/cache"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	StateParsed     = "parsed"
	StateInstalling = "installing"
	StateInstalled  = "installed"
	StateActivating = "activating"
	StateActivated  = "activated"
	StateRedundant  = "redundant"
)

const (
	EventInstall      = "install"
	EventInstallDone  = "install_done"
	EventInstallFail  = "install_fail"
	EventActivate     = "activate"
	EventActivateDone = "activate_done"
)

// DefaultManifest is pre-cached into the static generation on install.
var DefaultManifest = []string{
	"/",
	"/dashboard/",
	"/static/css/mobile.css",
	"/static/js/pwa.js",
	"/static/css/dashboard.css",
	"/static/css/financials.css",
	"https://fonts.googleapis.com/css?family=Roboto:300,400,500",
	"https://fonts.googleapis.com/css?family=Material+Icons&display=block",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.7.2/css/all.min.css",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
	"https://cdn.jsdelivr.net/npm/chart.js",
	"/manifest.json",
}

const defaultFetchLimit = 4

// CachePopulationError reports a manifest that could not be pre-cached.
// Nothing from the manifest is stored when it occurs.
type CachePopulationError struct {
	Generation string
	URL        string
	Err        error
}

func (e *CachePopulationError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("failed to populate %s: %v", e.Generation, e.Err)
	}
	return fmt.Sprintf("failed to populate %s: %s: %v", e.Generation, e.URL, e.Err)
}

func (e *CachePopulationError) Unwrap() error { return e.Err }

// HttpRequestDoer performs HTTP requests.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Controller struct {
	mu      sync.Mutex
	machine *fsm.FSM

	caches   *cache.Storage
	gens     cache.Generations
	manifest []string
	origin   *url.URL
	net      HttpRequestDoer
	log      logger.LoggerInterface
	metrics  *metrics.Metrics
	limit    int

	skipWaiting atomic.Bool
	claimed     atomic.Bool
	populateErr atomic.Pointer[CachePopulationError]
}

type Option func(*Controller)

func WithManifest(urls []string) Option {
	return func(c *Controller) { c.manifest = urls }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFetchLimit caps concurrent manifest fetches.
func WithFetchLimit(n int) Option {
	return func(c *Controller) { c.limit = n }
}

func New(caches *cache.Storage, gens cache.Generations, origin *url.URL, net HttpRequestDoer, log logger.LoggerInterface, opts ...Option) *Controller {
	c := &Controller{
		caches:   caches,
		gens:     gens,
		manifest: DefaultManifest,
		origin:   origin,
		net:      net,
		log:      log,
		limit:    defaultFetchLimit,
	}
	for _, o := range opts {
		o(c)
	}

	c.machine = fsm.NewFSM(
		StateParsed,
		fsm.Events{
			{Name: EventInstall, Src: []string{StateParsed, StateRedundant}, Dst: StateInstalling},
			{Name: EventInstallDone, Src: []string{StateInstalling}, Dst: StateInstalled},
			{Name: EventInstallFail, Src: []string{StateInstalling}, Dst: StateRedundant},
			{Name: EventActivate, Src: []string{StateInstalled, StateActivating}, Dst: StateActivating},
			{Name: EventActivateDone, Src: []string{StateActivating}, Dst: StateActivated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debugf("Worker lifecycle %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() string {
	return c.machine.Current()
}

// Claimed reports whether activation finished and requests are routed.
func (c *Controller) Claimed() bool {
	return c.claimed.Load()
}

// SkipWaiting asks for activation without waiting for old clients to go away.
func (c *Controller) SkipWaiting() {
	c.skipWaiting.Store(true)
}

func (c *Controller) ShouldSkipWaiting() bool {
	return c.skipWaiting.Load()
}

// PopulationError returns the failure of the last install, if any.
func (c *Controller) PopulationError() error {
	if e := c.populateErr.Load(); e != nil {
		return e
	}
	return nil
}

// Install pre-populates the static generation from the manifest. A failed
// pre-population is logged and does not fail the install; skip-waiting is
// signalled only when it succeeds. An error is returned only when the
// install itself cannot proceed.
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.machine.Event(ctx, EventInstall); err != nil {
		return fmt.Errorf("install from %s: %w", c.State(), err)
	}
	c.log.Infof("Service worker installing...")

	static, err := c.caches.Open(ctx, c.gens.Static)
	if err != nil {
		_ = c.machine.Event(ctx, EventInstallFail)
		return fmt.Errorf("failed to open %s: %w", c.gens.Static, err)
	}

	c.log.Infof("Caching static files...")
	if err := c.populate(ctx, static); err != nil {
		var pe *CachePopulationError
		if !errors.As(err, &pe) {
			pe = &CachePopulationError{Generation: c.gens.Static, Err: err}
		}
		c.populateErr.Store(pe)
		c.log.Errorf("Failed to cache static files: %v", pe)
	} else {
		c.populateErr.Store(nil)
		c.log.Infof("Static files cached successfully")
		c.SkipWaiting()
	}

	return c.machine.Event(ctx, EventInstallDone)
}

func (c *Controller) populate(ctx context.Context, static *cache.Cache) error {
	entries := make([]cache.Entry, len(c.manifest))

	g, gctx := errgroup.WithContext(ctx)
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for i, raw := range c.manifest {
		i, raw := i, raw
		g.Go(func() error {
			entry, err := c.fetch(gctx, raw)
			if err != nil {
				return &CachePopulationError{Generation: c.gens.Static, URL: raw, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return static.PutAll(ctx, entries)
}

func (c *Controller) fetch(ctx context.Context, raw string) (cache.Entry, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return cache.Entry{}, err
	}
	if !u.IsAbs() && c.origin != nil {
		u = c.origin.ResolveReference(u)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	resp, err := c.net.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	stored, err := cache.NewResponse(resp)
	if err != nil {
		return cache.Entry{}, err
	}
	if stored.Status < 200 || stored.Status > 299 {
		return cache.Entry{}, fmt.Errorf("unexpected status %d", stored.Status)
	}
	return cache.Entry{Request: req, Response: stored}, nil
}

// Activate removes every generation other than the live static and dynamic
// ones, then claims clients.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateActivated {
		return nil
	}
	if err := c.machine.Event(ctx, EventActivate); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return fmt.Errorf("activate from %s: %w", c.State(), err)
		}
	}
	c.log.Infof("Service worker activating...")

	names, err := c.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}
	for _, name := range names {
		if c.gens.Live(name) {
			continue
		}
		c.log.Infof("Deleting old cache: %s", name)
		if _, err := c.caches.Delete(ctx, name); err != nil {
			return fmt.Errorf("failed to delete cache %s: %w", name, err)
		}
		c.metrics.GenerationDeleted()
	}

	if err := c.machine.Event(ctx, EventActivateDone); err != nil {
		return err
	}
	c.claimed.Store(true)
	c.log.Infof("Service worker activated")
	return nil
}
