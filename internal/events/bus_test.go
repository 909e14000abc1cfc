package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"invnotify/internal/notify"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := NewBus(zerolog.Nop())

	var got []int
	b.AddListener(KindAlert, func(Event) { got = append(got, 1) })
	b.AddListener(KindAlert, func(Event) { got = append(got, 2) })
	b.AddListener(KindSystem, func(Event) { got = append(got, 99) })

	b.Notify(Event{Kind: KindAlert})

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestBus_PanickingListenerIsIsolated(t *testing.T) {
	b := NewBus(zerolog.Nop())

	second := false
	b.AddListener(KindNotification, func(Event) { panic("broken consumer") })
	b.AddListener(KindNotification, func(Event) { second = true })

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Notify propagated panic: %v", r)
			}
		}()
		b.Notify(Event{Kind: KindNotification})
	}()

	if !second {
		t.Fatal("second listener was not invoked")
	}
}

func TestBus_RemoveIsIdempotent(t *testing.T) {
	b := NewBus(zerolog.Nop())

	calls := 0
	remove := b.AddListener(KindConnected, func(Event) { calls++ })
	other := b.AddListener(KindConnected, func(Event) {})

	remove()
	remove()
	if n := b.ListenerCount(KindConnected); n != 1 {
		t.Fatalf("ListenerCount = %d, want 1", n)
	}

	b.Notify(Event{Kind: KindConnected})
	if calls != 0 {
		t.Fatalf("removed listener called %d times", calls)
	}

	other()
	if n := b.ListenerCount(KindConnected); n != 0 {
		t.Fatalf("ListenerCount = %d, want 0", n)
	}
}

func TestBus_ReentrantRegistrationUsesSnapshot(t *testing.T) {
	b := NewBus(zerolog.Nop())

	late := 0
	var removeSelf func()
	removeSelf = b.AddListener(KindUpdate, func(Event) {
		removeSelf()
		b.AddListener(KindUpdate, func(Event) { late++ })
	})

	b.Notify(Event{Kind: KindUpdate})
	if late != 0 {
		t.Fatalf("listener added during dispatch was invoked in the same round")
	}

	b.Notify(Event{Kind: KindUpdate})
	if late != 1 {
		t.Fatalf("late = %d, want 1", late)
	}
}

func TestBus_RejectsUnknownKind(t *testing.T) {
	b := NewBus(zerolog.Nop())
	remove := b.AddListener(Kind("typo"), func(Event) {})
	remove()
	if n := b.ListenerCount(Kind("typo")); n != 0 {
		t.Fatalf("ListenerCount = %d, want 0", n)
	}
}

func TestBus_ConcurrentNotify(t *testing.T) {
	b := NewBus(zerolog.Nop())

	var mu sync.Mutex
	count := 0
	b.AddListener(KindBroadcast, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Notify(Event{Kind: KindBroadcast})
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Fatalf("count = %d, want 20", count)
	}
}

func TestForMessage(t *testing.T) {
	if k, ok := ForMessage(notify.KindCountUpdate); !ok || k != KindNotification {
		t.Errorf("countUpdate -> %s, %v", k, ok)
	}
	if _, ok := ForMessage(notify.KindHeartbeat); ok {
		t.Error("heartbeat must not be published")
	}
}
