package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"invnotify/internal/config"
	"invnotify/internal/events"
	"invnotify/internal/notify"
	"invnotify/internal/stomp"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
)

// Connection owns the single STOMP-over-websocket connection, the channel
// registry and the heartbeat monitor. All state transitions go through its
// methods under mu. Lock order: mu, then the registry lock, then writeMu.
type Connection struct {
	opts     Options
	dialer   *websocket.Dialer
	bus      *events.Bus
	registry *Registry
	monitor  *HeartbeatMonitor
	logger   zerolog.Logger

	mu         sync.Mutex
	phase      phase
	attempts   int
	lastFailed bool
	gen        uint64 // bumped on every new socket or teardown; stale callbacks compare it
	token      string
	identity   string
	attempt    *Attempt
	conn       *websocket.Conn
	cancelDial context.CancelFunc
	timer      Stopper

	writeMu sync.Mutex
}

// NewConnection creates an idle connection publishing to bus
func NewConnection(opts Options, bus *events.Bus, logger zerolog.Logger) *Connection {
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatCheckInterval <= 0 {
		opts.HeartbeatCheckInterval = time.Duration(config.DefaultHeartbeatCheckInterval) * time.Millisecond
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = time.Duration(config.DefaultHeartbeatTimeout) * time.Millisecond
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	logger = logger.With().Str("component", "transport").Logger()
	return &Connection{
		opts:     opts,
		dialer:   dialer,
		bus:      bus,
		registry: NewRegistry(logger),
		monitor:  NewHeartbeatMonitor(opts.HeartbeatCheckInterval, opts.HeartbeatTimeout, opts.HeartbeatGracePeriod, opts.Now, logger),
		logger:   logger,
	}
}

// statusLocked derives the public status from the phase
func (c *Connection) statusLocked() Status {
	switch c.phase {
	case phaseConnecting:
		return StatusConnecting
	case phaseConnected:
		return StatusConnected
	case phaseRecovering:
		if c.lastFailed {
			return StatusError
		}
		return StatusDisconnected
	case phaseFailed:
		return StatusError
	default:
		return StatusDisconnected
	}
}

// Status returns the current connection status
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// ReconnectAttempts returns the number of automatic attempts in the current recovery cycle
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Recovering reports whether an automatic reconnect is scheduled or in flight
func (c *Connection) Recovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseRecovering || (c.phase == phaseConnecting && c.attempts > 0)
}

// Identity returns the identity used for the default channels of the current connection
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// LastHeartbeat returns the last heartbeat time, zero if none on this connection
func (c *Connection) LastHeartbeat() time.Time {
	return c.monitor.LastBeat()
}

// Channels returns the currently subscribed channel keys
func (c *Connection) Channels() []string {
	return c.registry.Channels()
}

// SubscriptionCount returns the number of live subscriptions
func (c *Connection) SubscriptionCount() int {
	return c.registry.Len()
}

func (c *Connection) statusChanged(from, to Status) {
	if from == to {
		return
	}
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("status changed")
	if c.opts.OnStatusChange != nil {
		c.opts.OnStatusChange(from, to)
	}
}

// Connect starts (or joins) a connection attempt and waits for its outcome
func (c *Connection) Connect(ctx context.Context, token string) error {
	return c.ConnectAsync(token).Wait(ctx)
}

// ConnectAsync returns the handle of the attempt in flight, or of the live
// connection, or starts a new attempt. It never opens two sockets at once.
func (c *Connection) ConnectAsync(token string) *Attempt {
	if token == "" {
		c.logger.Warn().Msg("connect called without token")
		return rejectedAttempt(ErrEmptyToken)
	}

	c.mu.Lock()
	if c.attempt != nil && (c.phase == phaseConnecting || c.phase == phaseConnected) {
		a := c.attempt
		c.mu.Unlock()
		return a
	}
	before := c.statusLocked()
	a, launch := c.startLocked(token, modeExplicit)
	after := c.statusLocked()
	c.mu.Unlock()

	c.statusChanged(before, after)
	launch()
	return a
}

// startLocked moves to connecting and prepares a dial. The returned launch
// function starts it and must be called after mu is released.
func (c *Connection) startLocked(token string, mode dialMode) (*Attempt, func()) {
	c.stopTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	c.gen++
	gen := c.gen
	c.token = token
	c.phase = phaseConnecting
	c.lastFailed = false
	if mode != modeRecovery {
		c.attempts = 0
	}

	a := newAttempt()
	c.attempt = a

	var ctx context.Context
	var cancel context.CancelFunc
	if c.opts.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.cancelDial = cancel

	c.logger.Info().
		Str("mode", mode.String()).
		Int("attempt", c.attempts).
		Str("url", c.opts.URL).
		Msg("connecting")

	return a, func() { go c.dial(ctx, cancel, gen, token, mode, a) }
}

func (c *Connection) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, token string, mode dialMode, a *Attempt) {
	defer cancel()

	conn, user, err := c.handshake(ctx, token)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		a.resolve(ErrDisconnected)
		return
	}
	c.cancelDial = nil
	before := c.statusLocked()

	if err != nil {
		c.attempt = nil
		retry := false
		if mode != modeExplicit && !errors.Is(err, ErrUnauthorized) {
			retry = c.scheduleRecoveryLocked()
			c.lastFailed = true
		} else {
			c.phase = phaseFailed
		}
		after := c.statusLocked()
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Warn().
			Err(err).
			Str("mode", mode.String()).
			Int("attempts", attempts).
			Bool("retry", retry).
			Msg("connect failed")
		c.statusChanged(before, after)
		c.bus.Notify(events.Event{Kind: events.KindError, Err: err, Reason: humanReason(err)})
		a.resolve(err)
		return
	}

	identity := ""
	if c.opts.Identity != nil {
		identity = c.opts.Identity()
	}
	if identity == "" {
		identity = user
	}

	c.conn = conn
	c.phase = phaseConnected
	c.attempts = 0
	c.identity = identity

	c.subscribeDefaultsLocked(conn, identity)
	c.monitor.Start(func() { c.onHeartbeatExpired(gen) })
	go c.readLoop(gen, conn)

	after := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info().
		Str("identity", identity).
		Int("subscriptions", c.registry.Len()).
		Msg("connected")
	c.statusChanged(before, after)
	c.bus.Notify(events.Event{Kind: events.KindConnected})
	a.resolve(nil)
}

// handshake dials with the bearer token and completes the STOMP CONNECT exchange.
// It returns the user-name announced by the server.
func (c *Connection) handshake(ctx context.Context, token string) (*websocket.Conn, string, error) {
	header := http.Header{}
	header.Set(stomp.HeaderAuthorization, "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", fmt.Errorf("%w: handshake rejected with HTTP %d", ErrUnauthorized, resp.StatusCode)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return nil, "", fmt.Errorf("failed to connect websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	// unblock reads if the attempt is cancelled or times out
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, stomp.Encode(stomp.NewConnect(c.opts.Host, token))); err != nil {
		conn.Close()
		return nil, "", c.handshakeErr(ctx, fmt.Errorf("failed to send CONNECT: %w", err))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, "", c.handshakeErr(ctx, fmt.Errorf("failed to read CONNECTED: %w", err))
		}
		frames, err := stomp.ParseAll(data)
		if err != nil {
			conn.Close()
			return nil, "", fmt.Errorf("invalid handshake reply: %w", err)
		}
		for _, f := range frames {
			switch f.Command {
			case "":
				continue
			case stomp.CommandConnected:
				if !stop() {
					// the context ended and closed the socket first
					return nil, "", c.handshakeErr(ctx, ErrDisconnected)
				}
				conn.SetWriteDeadline(time.Time{})
				return conn, f.Header.Get(stomp.HeaderUserName), nil
			case stomp.CommandError:
				conn.Close()
				return nil, "", fmt.Errorf("%w: %s", ErrUnauthorized, f.Header.Get(stomp.HeaderMessage))
			default:
				conn.Close()
				return nil, "", fmt.Errorf("unexpected %s frame during handshake", f.Command)
			}
		}
	}
}

func (c *Connection) handshakeErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrDisconnected
	}
	return err
}

// scheduleRecoveryLocked arms the next backoff attempt, or fails the
// connection once the ceiling is reached. Delay is base * attempt.
func (c *Connection) scheduleRecoveryLocked() bool {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.phase = phaseFailed
		c.logger.Error().Int("attempts", c.attempts).Msg("reconnect attempts exhausted, giving up")
		return false
	}
	c.attempts++
	delay := c.opts.ReconnectBaseDelay * time.Duration(c.attempts)
	c.phase = phaseRecovering
	gen := c.gen
	c.timer = c.opts.AfterFunc(delay, func() { c.onRecoveryTimer(gen) })

	c.logger.Info().
		Int("attempt", c.attempts).
		Int("maxAttempts", c.opts.MaxReconnectAttempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
	return true
}

func (c *Connection) onRecoveryTimer(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != phaseRecovering {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	before := c.statusLocked()
	_, launch := c.startLocked(c.token, modeRecovery)
	after := c.statusLocked()
	c.mu.Unlock()

	c.statusChanged(before, after)
	launch()
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// teardownLocked releases the socket, the registry and the monitor. When
// graceful, UNSUBSCRIBE and DISCONNECT frames are sent first.
func (c *Connection) teardownLocked(graceful bool) {
	c.gen++
	c.monitor.Stop()
	subs := c.registry.Clear()

	conn := c.conn
	c.conn = nil
	if conn == nil {
		return
	}
	if graceful {
		for _, sub := range subs {
			_ = c.writeFrame(conn, stomp.NewUnsubscribe(sub.ID))
		}
		_ = c.writeFrame(conn, stomp.NewDisconnect(""))
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	conn.Close()
}

// Disconnect closes the connection, cancels pending attempts and timers and
// clears every subscription. It is a no-op when already idle.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.phase == phaseIdle {
		c.mu.Unlock()
		return
	}
	before := c.statusLocked()

	c.stopTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	pending := c.attempt
	c.attempt = nil
	subs := c.registry.Len()
	c.teardownLocked(true)

	c.phase = phaseIdle
	c.attempts = 0
	c.lastFailed = false
	c.identity = ""
	after := c.statusLocked()
	c.mu.Unlock()

	if pending != nil {
		pending.resolve(ErrDisconnected)
	}
	c.logger.Info().Int("subscriptions", subs).Str("was", string(before)).Msg("disconnected")
	c.statusChanged(before, after)
	if before != StatusDisconnected {
		c.bus.Notify(events.Event{Kind: events.KindDisconnected, Reason: "client disconnect"})
	}
}

func (c *Connection) onHeartbeatExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != phaseConnected {
		c.mu.Unlock()
		return
	}
	before := c.statusLocked()
	c.teardownLocked(false)
	_, launch := c.startLocked(c.token, modeHeartbeat)
	after := c.statusLocked()
	c.mu.Unlock()

	c.statusChanged(before, StatusDisconnected)
	c.bus.Notify(events.Event{Kind: events.KindDisconnected, Reason: "heartbeat timeout"})
	c.statusChanged(StatusDisconnected, after)
	launch()
}

func (c *Connection) onDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.phase != phaseConnected {
		c.mu.Unlock()
		return
	}
	before := c.statusLocked()
	c.teardownLocked(false)
	c.attempt = nil
	c.scheduleRecoveryLocked()
	after := c.statusLocked()
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("connection lost")
	c.statusChanged(before, after)
	c.bus.Notify(events.Event{Kind: events.KindDisconnected, Reason: humanReason(err), Err: err})
}

func (c *Connection) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onDrop(gen, err)
			return
		}

		frames, err := stomp.ParseAll(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("len", len(data)).Msg("frame parse error")
			continue
		}
		for _, f := range frames {
			c.handleFrame(f)
		}
	}
}

func (c *Connection) handleFrame(f *stomp.Frame) {
	switch f.Command {
	case "":
		c.monitor.Beat()
	case stomp.CommandMessage:
		c.registry.Dispatch(f.Header.Get(stomp.HeaderSubscription), f.Body)
	case stomp.CommandError:
		msg := f.Header.Get(stomp.HeaderMessage)
		c.logger.Error().Str("message", msg).Bytes("details", f.Body).Msg("server error frame")
		c.bus.Notify(events.Event{Kind: events.KindError, Reason: msg, Err: fmt.Errorf("server error: %s", msg)})
	case stomp.CommandReceipt:
		c.logger.Debug().Str("receipt", f.Header.Get(stomp.HeaderReceiptID)).Msg("receipt")
	default:
		c.logger.Debug().Str("command", f.Command).Msg("unexpected frame ignored")
	}
}

func (c *Connection) writeFrame(conn *websocket.Conn, f *stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, stomp.Encode(f))
}

// SendMessage sends payload to destination. It returns false, without
// retrying, when the connection is not up or the write fails.
func (c *Connection) SendMessage(destination string, payload any) bool {
	body, err := encodePayload(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("destination", destination).Msg("send: payload encoding failed")
		return false
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.phase == phaseConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		c.logger.Warn().Str("destination", destination).Msg("send: not connected")
		return false
	}
	if err := c.writeFrame(conn, stomp.NewSend(destination, stomp.ContentTypeJSON, body)); err != nil {
		c.logger.Warn().Err(err).Str("destination", destination).Msg("send failed")
		return false
	}
	return true
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// Subscribe registers handler for channel. It returns nil when not connected.
// Subscribing an already subscribed channel replaces the previous handler.
func (c *Connection) Subscribe(channel string, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != phaseConnected || c.conn == nil {
		c.logger.Warn().Str("channel", channel).Msg("subscribe: not connected")
		return nil
	}
	return c.subscribeLocked(c.conn, channel, notify.KindUpdate, handler)
}

func (c *Connection) subscribeLocked(conn *websocket.Conn, channel string, role notify.Kind, handler Handler) *Subscription {
	if handler == nil {
		handler = func(*notify.Message) {}
	}
	sub := &Subscription{
		Channel: channel,
		ID:      "sub-" + uuid.NewString(),
		role:    role,
		handler: handler,
	}

	if old := c.registry.Get(channel); old != nil {
		if err := c.writeFrame(conn, stomp.NewUnsubscribe(old.ID)); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("failed to release replaced subscription")
		}
	}
	if err := c.writeFrame(conn, stomp.NewSubscribe(sub.ID, channel)); err != nil {
		c.registry.Remove(channel)
		c.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed")
		return nil
	}
	c.registry.Put(sub)
	c.logger.Debug().Str("channel", channel).Str("id", sub.ID).Msg("subscribed")
	return sub
}

// Unsubscribe releases channel. It is a no-op when the channel is not subscribed.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := c.registry.Remove(channel)
	if sub == nil {
		return
	}
	if c.conn != nil {
		if err := c.writeFrame(c.conn, stomp.NewUnsubscribe(sub.ID)); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("unsubscribe write failed")
		}
	}
	c.logger.Debug().Str("channel", channel).Msg("unsubscribed")
}

type route struct {
	channel string
	role    notify.Kind
}

func (c *Connection) defaultRoutes(identity string) []route {
	ch := c.opts.Channels
	return []route{
		{config.Resolve(ch.Notifications, identity), notify.KindNotification},
		{config.Resolve(ch.System, identity), notify.KindSystem},
		{config.Resolve(ch.Updates, identity), notify.KindUpdate},
		{config.Resolve(ch.Alerts, identity), notify.KindAlert},
		{config.Resolve(ch.Broadcast, identity), notify.KindBroadcast},
		{config.Resolve(ch.Heartbeat, identity), notify.KindHeartbeat},
	}
}

// subscribeDefaultsLocked subscribes the personal queues and global topics.
// Without an identity it silently does nothing.
func (c *Connection) subscribeDefaultsLocked(conn *websocket.Conn, identity string) {
	if identity == "" {
		c.logger.Debug().Msg("no identity, default channels skipped")
		return
	}
	for _, r := range c.defaultRoutes(identity) {
		c.subscribeLocked(conn, r.channel, r.role, c.defaultHandler(r.role))
	}
}

// defaultHandler publishes messages of a default channel on the bus under the
// channel's category. Heartbeats only feed the monitor.
func (c *Connection) defaultHandler(role notify.Kind) Handler {
	kind, publish := events.ForMessage(role)
	return func(msg *notify.Message) {
		if role == notify.KindHeartbeat || msg.Kind == notify.KindHeartbeat {
			c.monitor.Beat()
			return
		}
		if publish {
			c.bus.Notify(events.Event{Kind: kind, Message: msg})
		}
	}
}

func humanReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "authentication rejected by server"
	case errors.Is(err, ErrHandshakeTimeout):
		return "server did not answer in time"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "server closed the connection"
	default:
		return err.Error()
	}
}
