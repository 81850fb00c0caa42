// Package worker subscribes the application's components to the worker
// events.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/wurt83ow/gitako-sw/pkg/appcontext"
	"github.com/wurt83ow/gitako-sw/pkg/events"
	"github.com/wurt83ow/gitako-sw/pkg/lifecycle"
	"github.com/wurt83ow/gitako-sw/pkg/models"
	"github.com/wurt83ow/gitako-sw/pkg/push"
)

// MessageSkipWaiting is the message type that activates a waiting worker.
const MessageSkipWaiting = "SKIP_WAITING"

// SyncTags maps background-sync tags onto the collection they drain.
var SyncTags = map[string]models.Collection{
	"sync-forms":      models.Forms,
	"sync-activities": models.Activities,
	"sync-inventory":  models.Inventory,
}

type message struct {
	Type string `json:"type"`
}

// Register subscribes app to every event type on bus.
func Register(bus *events.Bus, app *appcontext.App) {
	w := &handlers{app: app, now: time.Now}

	bus.Subscribe(events.Install, w.install)
	bus.Subscribe(events.Activate, w.activate)
	bus.Subscribe(events.Message, w.message)
	bus.Subscribe(events.Sync, w.sync)
	bus.Subscribe(events.Drain, w.drain)
	bus.Subscribe(events.Online, w.online)
	bus.Subscribe(events.Offline, w.offline)
	bus.Subscribe(events.Push, w.push)
	bus.Subscribe(events.NotificationClick, w.notificationClick)
}

type handlers struct {
	app *appcontext.App
	now func() time.Time
}

func (w *handlers) install(ctx context.Context, _ events.Event) error {
	if err := w.app.Lifecycle.Install(ctx); err != nil {
		return err
	}
	if w.app.Lifecycle.ShouldSkipWaiting() {
		return w.app.Lifecycle.Activate(ctx)
	}
	return nil
}

func (w *handlers) activate(ctx context.Context, _ events.Event) error {
	return w.app.Lifecycle.Activate(ctx)
}

func (w *handlers) message(ctx context.Context, e events.Event) error {
	w.app.Log.Infof("Message received: %s", string(e.Data))

	var m message
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &m) != nil {
		return nil
	}
	if m.Type != MessageSkipWaiting {
		return nil
	}
	w.app.Lifecycle.SkipWaiting()
	if w.app.Lifecycle.State() == lifecycle.StateInstalled {
		return w.app.Lifecycle.Activate(ctx)
	}
	return nil
}

func (w *handlers) sync(ctx context.Context, e events.Event) error {
	w.app.Log.Infof("Background sync triggered: %s", e.Tag)

	c, ok := SyncTags[e.Tag]
	if !ok {
		w.app.Log.Warnf("Unknown sync tag %q", e.Tag)
		return nil
	}
	cr := w.app.Services.DrainCollection(ctx, c)
	if cr.Err != nil {
		return fmt.Errorf("sync %s: %w", e.Tag, cr.Err)
	}
	return nil
}

func (w *handlers) drain(ctx context.Context, _ events.Event) error {
	w.app.Services.DrainAll(ctx)
	return nil
}

func (w *handlers) online(ctx context.Context, _ events.Event) error {
	w.app.Log.Infof("Back online, syncing offline data...")
	w.app.Services.SetOnline(true)
	w.app.Services.DrainAll(ctx)
	return nil
}

func (w *handlers) offline(context.Context, events.Event) error {
	w.app.Log.Infof("Gone offline, submissions will be queued")
	w.app.Services.SetOnline(false)
	return nil
}

func (w *handlers) push(ctx context.Context, e events.Event) error {
	n := push.Build(e.Data, w.now())
	return w.app.Notifier.Show(ctx, n)
}

func (w *handlers) notificationClick(ctx context.Context, e events.Event) error {
	path, ok := push.ClickTarget(e.Action)
	if !ok {
		return nil
	}
	return w.app.Notifier.Open(ctx, path)
}
