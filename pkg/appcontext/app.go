package appcontext

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/wurt83ow/gitako-sw/pkg/bdkeeper"
	"github.com/wurt83ow/gitako-sw/pkg/cache"
	"github.com/wurt83ow/gitako-sw/pkg/config"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/gksync"
	"github.com/wurt83ow/gitako-sw/pkg/lifecycle"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
	"github.com/wurt83ow/gitako-sw/pkg/metrics"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/push"
	"github.com/wurt83ow/gitako-sw/pkg/router"
	"github.com/wurt83ow/gitako-sw/pkg/services"
	"github.com/wurt83ow/gitako-sw/pkg/storage"
	"github.com/wurt83ow/gitako-sw/pkg/syncinfo"
)

// App is built once per process and shared by reference.
type App struct {
	Options     *config.Options
	Log         logger.LoggerInterface
	Metrics     *metrics.Metrics
	HTTP        *http.Client
	Keeper      *bdkeeper.Keeper
	Queue       *storage.Storage
	Sync        *gksync.Sync
	Services    *services.Service
	SyncInfo    *syncinfo.SyncManager
	Caches      *cache.Storage
	Generations cache.Generations
	Router      *router.Router
	Lifecycle   *lifecycle.Controller
	Bus         *events.Bus
	Notifier    push.Notifier
}

// New wires every component from opts. A local store that cannot be opened
// leaves the app in network-only mode rather than failing.
func New(ctx context.Context, opts *config.Options, log logger.LoggerInterface) (*App, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	origin, err := opts.Origin()
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	gens, err := cache.NewGenerations(opts.CachePrefix, opts.CacheVersion)
	if err != nil {
		return nil, err
	}
	timeout, err := opts.Timeout()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Jar: jar, Timeout: timeout}

	app := &App{
		Options:     opts,
		Log:         log,
		Metrics:     metrics.New(),
		HTTP:        httpClient,
		Generations: gens,
		Bus:         events.NewBus(log, 64),
		Notifier:    push.LogNotifier{Log: log},
		SyncInfo:    syncinfo.NewSyncManager(opts.SyncInfoPath),
	}

	app.Keeper = openKeeper(ctx, opts, log)
	app.Queue = storage.New(app.Keeper, storage.WithMetrics(app.Metrics))

	app.Sync, err = gksync.NewSync(opts.ServerURL,
		gksync.WithHTTPClient(httpClient),
		gksync.WithRequestEditorFn(gksync.CSRFEditor(gksync.CookieToken{
			Jar:  jar,
			URL:  origin,
			Name: gksync.CSRFCookieName,
		})),
	)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Services = services.NewServices(app.Queue, app.Sync, log,
		services.WithMetrics(app.Metrics),
		services.WithSyncInfo(app.SyncInfo),
	)

	app.Caches, err = cache.Open(ctx, opts.CacheDBPath)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Lifecycle = lifecycle.New(app.Caches, gens, origin, httpClient, log,
		lifecycle.WithManifest(opts.Manifest),
		lifecycle.WithMetrics(app.Metrics),
	)

	rules, err := router.NewRules(origin, opts.StaticPrefix, opts.APIPatterns)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid API pattern: %w", err)
	}
	app.Router = router.New(rules, app.Caches, gens, router.NoFollow(httpClient), log,
		router.WithGate(app.Lifecycle),
		router.WithMetrics(app.Metrics),
		router.WithOfflineLanding(opts.OfflineLanding),
	)
	return app, nil
}

func openKeeper(ctx context.Context, opts *config.Options, log logger.LoggerInterface) *bdkeeper.Keeper {
	keeper, err := bdkeeper.Open(ctx, opts.DBPath)
	if err == nil {
		err = keeper.InitSchema(ctx, opts.SchemaVersion, models.DefaultSchema())
		if err != nil {
			keeper.Close()
			keeper = nil
		}
	}
	if err != nil {
		log.Errorf("Failed to open %s, offline storage disabled: %v", models.DBName, err)
		return nil
	}
	log.Infof("%s opened: %s", models.DBName, opts.DBPath)
	return keeper
}

// Close releases the stores and stops the event bus.
func (a *App) Close() error {
	if a.Bus != nil {
		a.Bus.Close()
	}
	var errs []error
	if err := a.Keeper.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Caches.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.HTTP != nil {
		a.HTTP.CloseIdleConnections()
	}
	return errors.Join(errs...)
}

// Status is a point-in-time summary of the worker.
type Status struct {
	State      string                    `json:"state"`
	Claimed    bool                      `json:"claimed"`
	Online     bool                      `json:"online"`
	Storage    bool                      `json:"storage"`
	Pending    map[models.Collection]int `json:"pending"`
	Caches     []string                  `json:"caches"`
	LastSync   time.Time                 `json:"last_sync"`
	LastSynced int                       `json:"last_synced"`
	LastFailed int                       `json:"last_failed"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{
		State:   a.Lifecycle.State(),
		Claimed: a.Lifecycle.Claimed(),
		Online:  a.Services.Online(),
		Storage: a.Queue.Available(),
	}
	if st.Storage {
		pending, err := a.Queue.Pending(ctx)
		if err != nil {
			return st, err
		}
		st.Pending = pending
	}
	names, err := a.Caches.Keys(ctx)
	if err != nil {
		return st, err
	}
	st.Caches = names

	info, err := a.SyncInfo.LoadSyncInfoFromFile()
	if err != nil {
		a.Log.Warnf("Failed to read sync info: %v", err)
	}
	st.LastSync, st.LastSynced, st.LastFailed = info.LastSync, info.Synced, info.Failed
	return st, nil
}
