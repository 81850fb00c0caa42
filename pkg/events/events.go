// Package events is the worker's event loop: named events are queued and
// handed to their subscribers one at a time on a single goroutine.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/wurt83ow/gitako-sw/pkg/logger"
)

type Type string

const (
	Install           Type = "install"
	Activate          Type = "activate"
	Message           Type = "message"
	Sync              Type = "sync"
	Drain             Type = "drain"
	Online            Type = "online"
	Offline           Type = "offline"
	Push              Type = "push"
	NotificationClick Type = "notificationclick"
)

var (
	ErrClosed  = errors.New("event bus closed")
	ErrBusFull = errors.New("event bus queue full")
)

// Event is one occurrence delivered to subscribers. Tag carries the
// background-sync tag, Action the notification action and Data any JSON
// payload (message body, push data).
type Event struct {
	Type   Type            `json:"type"`
	Tag    string          `json:"tag,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Handler func(ctx context.Context, e Event) error

type envelope struct {
	event Event
	done  chan error
}

type Bus struct {
	log logger.LoggerInterface

	mu       sync.RWMutex
	handlers map[Type][]Handler

	queue     chan envelope
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBus creates a bus holding at most size undelivered events.
func NewBus(log logger.LoggerInterface, size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{
		log:      log,
		handlers: make(map[Type][]Handler),
		queue:    make(chan envelope, size),
		closed:   make(chan struct{}),
	}
}

func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish queues e and returns without waiting for it to be handled.
func (b *Bus) Publish(e Event) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- envelope{event: e}:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrBusFull, e.Type)
	}
}

// Dispatch queues e and waits until every subscriber has handled it. The
// subscribers' errors are joined.
func (b *Bus) Dispatch(ctx context.Context, e Event) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	env := envelope{event: e, done: make(chan error, 1)}
	select {
	case b.queue <- env:
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued events until ctx is done or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case env := <-b.queue:
			err := b.deliver(ctx, env.event)
			if env.done != nil {
				env.done <- err
			} else if err != nil {
				b.log.Errorf("Failed to handle %s event: %v", env.event.Type, err)
			}
		}
	}
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *Bus) deliver(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debugf("No handlers for %s event", e.Type)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
