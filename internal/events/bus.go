package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Bus fans events out to listeners. It is independent of any connection:
// listeners registered before a connect keep receiving events across reconnects.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]listenerEntry
	nextID    uint64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		listeners: make(map[Kind][]listenerEntry),
		now:       time.Now,
		logger:    logger.With().Str("component", "event-bus").Logger(),
	}
}

// AddListener registers fn for kind and returns a function that removes it.
// The remover is safe to call more than once.
func (b *Bus) AddListener(kind Kind, fn Listener) func() {
	if !kind.Valid() || fn == nil {
		b.logger.Warn().Str("kind", string(kind)).Msg("listener rejected")
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[kind] = append(b.listeners[kind], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[kind]
	for i, e := range entries {
		if e.id == id {
			// copy so in-flight snapshots are unaffected
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, kind)
			} else {
				b.listeners[kind] = next
			}
			return
		}
	}
}

// Notify delivers ev synchronously to every listener of ev.Kind in
// registration order. A listener that panics is logged and skipped.
func (b *Bus) Notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	snapshot := b.listeners[ev.Kind]
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.invoke(e, ev)
	}
}

func (b *Bus) invoke(e listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("kind", string(ev.Kind)).
				Uint64("listener", e.id).
				Msg("event listener panic")
		}
	}()
	e.fn(ev)
}

// ListenerCount returns the number of listeners registered for kind
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}
