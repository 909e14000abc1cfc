package events

import (
	"time"

	"invnotify/internal/notify"
)

// Kind is the closed set of bus event categories
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindError        Kind = "error"
	KindNotification Kind = "notification"
	KindUpdate       Kind = "update"
	KindAlert        Kind = "alert"
	KindSystem       Kind = "system"
	KindBroadcast    Kind = "broadcast"
)

// Kinds lists every category in a stable order
var Kinds = []Kind{
	KindConnected,
	KindDisconnected,
	KindError,
	KindNotification,
	KindUpdate,
	KindAlert,
	KindSystem,
	KindBroadcast,
}

// Valid reports whether k is a known category
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is delivered to listeners
type Event struct {
	Kind    Kind
	Message *notify.Message // message events only
	Reason  string          // disconnected and error events
	Err     error           // error events
	At      time.Time
}

// Listener receives events of one kind
type Listener func(Event)

// ForMessage maps an inbound message kind to the bus category it is published under.
// Heartbeats are not published.
func ForMessage(k notify.Kind) (Kind, bool) {
	switch k {
	case notify.KindNotification, notify.KindCountUpdate:
		return KindNotification, true
	case notify.KindUpdate:
		return KindUpdate, true
	case notify.KindAlert:
		return KindAlert, true
	case notify.KindSystem:
		return KindSystem, true
	case notify.KindBroadcast:
		return KindBroadcast, true
	default:
		return "", false
	}
}
