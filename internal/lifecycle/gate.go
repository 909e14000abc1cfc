package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"invnotify/internal/notify"
	"invnotify/internal/transport"
)

// ErrNoSession is returned by Token while nobody is signed in
var ErrNoSession = errors.New("no active session")

// Connector is the connection the gate drives. Disconnect must also cancel a
// scheduled reconnect and be a no-op when nothing is open.
type Connector interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Status() transport.Status
}

// Session is the signed-in user
type Session struct {
	Token  string
	UserID string
}

// Gate keeps the live connection open exactly while a session exists and the
// current surface is not restricted. It is level-triggered: every evaluation
// compares the inputs with the connection as it is now, so any sequence of
// input changes converges on the last one.
type Gate struct {
	conn     Connector
	notifier notify.Notifier
	logger   zerolog.Logger
	trigger  chan struct{}

	mu          sync.Mutex
	session     *Session
	restricted  bool
	version     uint64
	ready       bool
	err         error
	activeToken string
	asked       bool
	cancelEval  context.CancelFunc
}

// NewGate creates a gate with no session
func NewGate(conn Connector, notifier notify.Notifier, logger zerolog.Logger) *Gate {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Gate{
		conn:     conn,
		notifier: notifier,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		trigger:  make(chan struct{}, 1),
	}
}

// SetSession signs a user in, or rotates the token of the current one
func (g *Gate) SetSession(s Session) {
	g.update(func() {
		if g.session == nil || g.session.UserID != s.UserID {
			g.asked = false
		}
		g.session = &s
	})
}

// ClearSession signs the user out
func (g *Gate) ClearSession() {
	g.update(func() {
		g.session = nil
		g.asked = false
	})
}

// SetRestricted marks the current surface as one that must not hold a connection
func (g *Gate) SetRestricted(restricted bool) {
	g.update(func() {
		g.restricted = restricted
	})
}

func (g *Gate) update(fn func()) {
	g.mu.Lock()
	fn()
	g.version++
	cancel := g.cancelEval
	g.mu.Unlock()

	// an evaluation waiting on a stale connect gives way to the new inputs
	if cancel != nil {
		cancel()
	}
	select {
	case g.trigger <- struct{}{}:
	default:
	}
}

// Ready reports whether the connection the current inputs want is established.
// It turns false as soon as the connection drops, even while recovery runs.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()
	return ready && g.conn.Status() == transport.StatusConnected
}

// Err returns the error of the last failed connect, nil after a success
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// UserID returns the signed-in user id, or "" without a session
func (g *Gate) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return ""
	}
	return g.session.UserID
}

// Token implements oauth2.TokenSource over the current session
func (g *Gate) Token() (*oauth2.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil || g.session.Token == "" {
		return nil, ErrNoSession
	}
	return &oauth2.Token{AccessToken: g.session.Token, TokenType: "Bearer"}, nil
}

// Run evaluates the inputs now and after every change until ctx ends
func (g *Gate) Run(ctx context.Context) {
	for {
		if err := g.Evaluate(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn().Err(err).Msg("connect failed, polling stays active")
		}
		select {
		case <-ctx.Done():
			return
		case <-g.trigger:
		}
	}
}

// Evaluate brings the connection in line with the current inputs once
func (g *Gate) Evaluate(ctx context.Context) error {
	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.cancelEval = cancel
	version := g.version
	var session Session
	hasSession := g.session != nil
	if hasSession {
		session = *g.session
	}
	restricted := g.restricted
	active := g.activeToken
	ask := hasSession && session.UserID != "" && !g.asked
	if ask {
		g.asked = true
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.version == version {
			g.cancelEval = nil
		}
		g.mu.Unlock()
	}()

	if ask {
		g.notifier.RequestPermission()
	}

	if !hasSession || restricted {
		g.commit(version, false, nil, "")
		// a pending reconnect reads as disconnected, so close unconditionally
		g.logger.Debug().Bool("session", hasSession).Bool("restricted", restricted).Msg("closing connection")
		g.conn.Disconnect()
		return nil
	}

	status := g.conn.Status()
	if status == transport.StatusConnected && active == session.Token {
		g.commit(version, true, nil, active)
		return nil
	}
	if active != "" && active != session.Token {
		g.logger.Info().Msg("token rotated, reconnecting")
		g.conn.Disconnect()
	}

	err := g.conn.Connect(evalCtx, session.Token)
	if err != nil && evalCtx.Err() != nil && ctx.Err() == nil {
		// superseded by newer inputs; the next pass decides
		return nil
	}
	if err != nil {
		g.commit(version, false, err, "")
		return err
	}
	g.commit(version, true, nil, session.Token)
	return nil
}

// commit records an outcome unless the inputs changed while it was computed
func (g *Gate) commit(version uint64, ready bool, err error, token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.version != version {
		return
	}
	g.ready = ready
	g.err = err
	g.activeToken = token
}
