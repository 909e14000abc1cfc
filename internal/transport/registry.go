package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invnotify/internal/notify"
)

// Subscription is one live channel subscription
type Subscription struct {
	Channel string
	ID      string

	role    notify.Kind
	handler Handler
}

// Registry maps channel keys to live subscriptions and their handlers.
// It only ever mirrors what the current socket has subscribed; the
// Connection clears it whenever the socket goes away.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*Subscription
	byID      map[string]*Subscription
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byChannel: make(map[string]*Subscription),
		byID:      make(map[string]*Subscription),
		logger:    logger.With().Str("component", "channel-registry").Logger(),
	}
}

// Put stores sub, replacing any entry for the same channel. The replaced entry is returned.
func (r *Registry) Put(sub *Subscription) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byChannel[sub.Channel]
	if old != nil {
		delete(r.byID, old.ID)
	}
	r.byChannel[sub.Channel] = sub
	r.byID[sub.ID] = sub
	return old
}

// Get returns the subscription for channel
func (r *Registry) Get(channel string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChannel[channel]
}

// Remove drops the entry for channel and returns it, or nil if absent
func (r *Registry) Remove(channel string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.byChannel[channel]
	if sub == nil {
		return nil
	}
	delete(r.byChannel, channel)
	delete(r.byID, sub.ID)
	return sub
}

// Clear empties the registry and returns what it held
func (r *Registry) Clear() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]*Subscription, 0, len(r.byChannel))
	for _, s := range r.byChannel {
		subs = append(subs, s)
	}
	r.byChannel = make(map[string]*Subscription)
	r.byID = make(map[string]*Subscription)
	return subs
}

// Len returns the number of live subscriptions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Channels returns the subscribed channel keys, sorted
func (r *Registry) Channels() []string {
	r.mu.RLock()
	channels := make([]string, 0, len(r.byChannel))
	for ch := range r.byChannel {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()
	sort.Strings(channels)
	return channels
}

// Dispatch decodes body and hands it to the subscription with the given id.
// Unknown ids are ignored. A body that fails to decode is forwarded raw.
func (r *Registry) Dispatch(id string, body []byte) bool {
	r.mu.RLock()
	sub := r.byID[id]
	r.mu.RUnlock()

	if sub == nil {
		r.logger.Debug().Str("subscription", id).Msg("message for unknown subscription, ignored")
		return false
	}

	msg, err := notify.Decode(sub.Channel, sub.role, body)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("channel", sub.Channel).
			Int("len", len(body)).
			Msg("message decode failed, forwarding raw payload")
	}

	r.invoke(sub, msg)
	return true
}

func (r *Registry) invoke(sub *Subscription, msg *notify.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("channel", sub.Channel).Msg("channel handler panic")
		}
	}()
	start := time.Now()
	sub.handler(msg)
	if d := time.Since(start); d > time.Second {
		r.logger.Warn().Str("channel", sub.Channel).Dur("duration", d).Msg("channel handler slow")
	}
}
