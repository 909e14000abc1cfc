package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"invnotify/internal/config"
	"invnotify/internal/notify"
)

// Status is the externally visible connection status
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// phase is the internal state machine. Status is derived from it.
type phase int

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseConnected
	phaseRecovering // waiting on a backoff timer
	phaseFailed     // terminal until an explicit connect
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseConnecting:
		return "connecting"
	case phaseConnected:
		return "connected"
	case phaseRecovering:
		return "recovering"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// dialMode tells a finished dial how to treat failure and the attempt counter
type dialMode int

const (
	modeExplicit  dialMode = iota // caller asked; resets attempts, no retry on failure
	modeRecovery                  // backoff timer fired; keeps attempts, retries on failure
	modeHeartbeat                 // forced by heartbeat loss; resets attempts, retries on failure
)

func (m dialMode) String() string {
	switch m {
	case modeExplicit:
		return "explicit"
	case modeRecovery:
		return "recovery"
	case modeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Errors
var (
	ErrEmptyToken       = errors.New("token is required")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrDisconnected     = errors.New("disconnected")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// Handler receives decoded messages for one channel. It runs on the read
// goroutine; messages of one channel arrive in transport order.
type Handler func(msg *notify.Message)

// Stopper cancels a scheduled function
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Options configures a Connection
type Options struct {
	URL                    string
	Host                   string
	HandshakeTimeout       time.Duration
	ReconnectBaseDelay     time.Duration
	MaxReconnectAttempts   int
	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatGracePeriod   time.Duration
	Channels               config.ChannelConfig

	// Identity resolves the user id used in personal channel names. When it is
	// nil or returns "", the user-name header of CONNECTED is used.
	Identity func() string

	Dialer         *websocket.Dialer
	AfterFunc      AfterFunc
	Now            func() time.Time
	OnStatusChange func(from, to Status)
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:                    cfg.ServerURL,
		Host:                   cfg.StompHost,
		HandshakeTimeout:       cfg.GetHandshakeTimeoutDuration(),
		ReconnectBaseDelay:     cfg.GetReconnectBaseDelayDuration(),
		MaxReconnectAttempts:   cfg.MaxReconnectAttempts,
		HeartbeatCheckInterval: cfg.GetHeartbeatCheckIntervalDuration(),
		HeartbeatTimeout:       cfg.GetHeartbeatTimeoutDuration(),
		HeartbeatGracePeriod:   cfg.GetHeartbeatGracePeriodDuration(),
		Channels:               cfg.Channels,
	}
}

// Attempt is the pending handle of one connect. Concurrent callers of
// Connect share it until it is resolved and the connection it produced ends.
type Attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *Attempt {
	return &Attempt{done: make(chan struct{})}
}

func rejectedAttempt(err error) *Attempt {
	a := newAttempt()
	a.resolve(err)
	return a
}

func (a *Attempt) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed once the attempt resolved
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome; nil while pending or on success
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attempt resolves or ctx ends
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
