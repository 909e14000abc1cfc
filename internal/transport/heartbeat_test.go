package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(grace time.Duration) (*HeartbeatMonitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewHeartbeatMonitor(time.Hour, 60*time.Second, grace, clock.Now, zerolog.Nop())
	return m, clock
}

func TestHeartbeatMonitor_GraceBeforeFirstBeat(t *testing.T) {
	m, clock := newTestMonitor(60 * time.Second)
	m.Start(func() {})
	defer m.Stop()

	clock.Advance(59 * time.Second)
	if m.expired(clock.Now()) {
		t.Fatal("expired inside the grace period")
	}
	clock.Advance(2 * time.Second)
	if !m.expired(clock.Now()) {
		t.Fatal("not expired after the grace period without any beat")
	}
}

func TestHeartbeatMonitor_NegativeGraceIsLenient(t *testing.T) {
	m, clock := newTestMonitor(-1)
	m.Start(func() {})
	defer m.Stop()

	clock.Advance(24 * time.Hour)
	if m.expired(clock.Now()) {
		t.Fatal("expired before the first beat with a negative grace")
	}

	m.Beat()
	clock.Advance(61 * time.Second)
	if !m.expired(clock.Now()) {
		t.Fatal("not expired 61s after the last beat")
	}
}

func TestHeartbeatMonitor_BeatResetsTimeout(t *testing.T) {
	m, clock := newTestMonitor(60 * time.Second)
	m.Start(func() {})
	defer m.Stop()

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		m.Beat()
		if m.expired(clock.Now()) {
			t.Fatalf("expired at round %d despite beats", i)
		}
	}
	if got := m.LastBeat(); !got.Equal(clock.Now()) {
		t.Errorf("LastBeat = %v, want %v", got, clock.Now())
	}
}

func TestHeartbeatMonitor_StartClearsPreviousBeat(t *testing.T) {
	m, _ := newTestMonitor(60 * time.Second)
	m.Start(func() {})
	m.Beat()
	m.Start(func() {})
	defer m.Stop()

	if !m.LastBeat().IsZero() {
		t.Fatal("LastBeat survived a restart")
	}
}

func TestHeartbeatMonitor_StopAndRunning(t *testing.T) {
	m, _ := newTestMonitor(60 * time.Second)
	if m.Running() {
		t.Fatal("running before Start")
	}
	m.Start(func() {})
	if !m.Running() {
		t.Fatal("not running after Start")
	}
	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatal("running after Stop")
	}
}

func TestHeartbeatMonitor_LoopFiresOnce(t *testing.T) {
	m := NewHeartbeatMonitor(5*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond, nil, zerolog.Nop())

	fired := make(chan struct{}, 4)
	m.Start(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("monitor did not fire")
	}

	time.Sleep(50 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("monitor fired %d extra times", len(fired))
	}
	if m.Running() {
		t.Fatal("monitor still running after firing")
	}
}
