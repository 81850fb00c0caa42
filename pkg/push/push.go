// Package push turns push payloads into notifications and resolves where a
// notification click leads.
package push

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/wurt83ow/gitako-sw/pkg/logger"
)

const (
	DefaultTitle = "Gitako Farm"
	DefaultBody  = "You have new farm updates!"

	ActionExplore = "explore"
	ActionClose   = "close"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon"`
	Badge   string    `json:"badge"`
	Vibrate []int     `json:"vibrate"`
	Arrival time.Time `json:"dateOfArrival"`
	Actions []Action  `json:"actions"`
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Build makes the notification shown for a push carrying data. Empty or
// unreadable data yields the defaults.
func Build(data []byte, now time.Time) Notification {
	n := Notification{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    "/static/icons/icon-192x192.png",
		Badge:   "/static/icons/badge-72x72.png",
		Vibrate: []int{100, 50, 100},
		Arrival: now,
		Actions: []Action{
			{Action: ActionExplore, Title: "View Updates", Icon: "/static/icons/checkmark.png"},
			{Action: ActionClose, Title: "Close", Icon: "/static/icons/xmark.png"},
		},
	}

	var p payload
	if len(data) == 0 || json.Unmarshal(data, &p) != nil {
		return n
	}
	if p.Title != "" {
		n.Title = p.Title
	}
	if p.Body != "" {
		n.Body = p.Body
	}
	return n
}

// ClickTarget returns the page opened for a click on action, and false
// when the click only dismisses the notification.
func ClickTarget(action string) (string, bool) {
	switch action {
	case ActionExplore:
		return "/dashboard/", true
	case ActionClose:
		return "", false
	default:
		return "/", true
	}
}

// Notifier shows notifications and opens pages on the host.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Open(ctx context.Context, path string) error
}

// LogNotifier writes notifications to the log instead of a display.
type LogNotifier struct {
	Log logger.LoggerInterface
}

func (l LogNotifier) Show(_ context.Context, n Notification) error {
	l.Log.Infof("Notification: %s: %s", n.Title, n.Body)
	return nil
}

func (l LogNotifier) Open(_ context.Context, path string) error {
	l.Log.Infof("Opening window: %s", path)
	return nil
}
