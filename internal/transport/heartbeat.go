package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatMonitor declares the connection lost when no heartbeat arrived
// within the timeout. Only one check loop runs at a time.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	grace    time.Duration // before the first beat; negative means no expiry until then
	now      func() time.Time
	logger   zerolog.Logger

	mu        sync.Mutex
	lastBeat  time.Time
	startedAt time.Time
	stop      chan struct{}
}

// NewHeartbeatMonitor creates an idle monitor
func NewHeartbeatMonitor(interval, timeout, grace time.Duration, now func() time.Time, logger zerolog.Logger) *HeartbeatMonitor {
	if now == nil {
		now = time.Now
	}
	return &HeartbeatMonitor{
		interval: interval,
		timeout:  timeout,
		grace:    grace,
		now:      now,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Start begins monitoring, replacing any running loop. onExpired is called
// once, from the monitor goroutine, after which the loop ends.
func (m *HeartbeatMonitor) Start(onExpired func()) {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
	}
	stop := make(chan struct{})
	m.stop = stop
	m.startedAt = m.now()
	m.lastBeat = time.Time{}
	m.mu.Unlock()

	go m.loop(stop, onExpired)
}

// Stop ends monitoring. It does not wait for the loop goroutine.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Running reports whether a loop is active
func (m *HeartbeatMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Beat records a liveness signal
func (m *HeartbeatMonitor) Beat() {
	m.mu.Lock()
	m.lastBeat = m.now()
	m.mu.Unlock()
}

// LastBeat returns the time of the last heartbeat, zero if none since Start
func (m *HeartbeatMonitor) LastBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// expired reports whether the connection should be considered lost at now
func (m *HeartbeatMonitor) expired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastBeat.IsZero() {
		if m.grace < 0 {
			return false
		}
		return now.Sub(m.startedAt) > m.grace
	}
	return now.Sub(m.lastBeat) > m.timeout
}

func (m *HeartbeatMonitor) loop(stop chan struct{}, onExpired func()) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := m.now()
			if !m.expired(now) {
				continue
			}

			m.mu.Lock()
			if m.stop != stop {
				// replaced or stopped while checking
				m.mu.Unlock()
				return
			}
			m.stop = nil
			last := m.lastBeat
			m.mu.Unlock()

			m.logger.Warn().
				Time("lastHeartbeat", last).
				Dur("timeout", m.timeout).
				Msg("heartbeat lost, forcing reconnect")
			onExpired()
			return
		}
	}
}
