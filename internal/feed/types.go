package feed

import (
	"context"
	"time"

	"invnotify/internal/config"
	"invnotify/internal/notify"
	"invnotify/internal/restapi"
	"invnotify/internal/transport"
)

// Transport is the live connection the store binds to
type Transport interface {
	Status() transport.Status
	Connect(ctx context.Context, token string) error
	Disconnect()
	SendMessage(destination string, payload any) bool
	Subscribe(channel string, handler transport.Handler) *transport.Subscription
	Unsubscribe(channel string)
}

// Fallback is the REST side used for polling and for actions while offline
type Fallback interface {
	UnreadCount(ctx context.Context) (int, error)
	List(ctx context.Context, q restapi.ListQuery) (*restapi.Page, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id int64) error
}

// State is an immutable snapshot handed to watchers
type State struct {
	Connected        bool
	ConnectionStatus transport.Status
	Notifications    []notify.Notification
	UnreadCount      int
	LastMessage      *notify.Message
	Error            string
}

// Unread returns the unread items of the snapshot, newest first
func (s State) Unread() []notify.Notification {
	var out []notify.Notification
	for _, n := range s.Notifications {
		if n.IsUnread() {
			out = append(out, n)
		}
	}
	return out
}

// Watcher receives a snapshot after every change
type Watcher func(State)

// Options configures a Store
type Options struct {
	ListSize            int
	RecentPageSize      int
	PollInterval        time.Duration
	MarkReadDestination string
	SeenCacheSize       int
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ListSize:            cfg.NotificationListSize,
		RecentPageSize:      cfg.RecentPageSize,
		PollInterval:        cfg.GetPollIntervalDuration(),
		MarkReadDestination: cfg.Channels.MarkRead,
		SeenCacheSize:       cfg.DedupCacheSize,
	}
}

// pendingRead is an optimistic mark-read awaiting confirmation
type pendingRead struct {
	prevStatus notify.Status
	known      bool
	decrement  int
}
