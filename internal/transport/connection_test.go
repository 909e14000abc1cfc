package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invnotify/internal/config"
	"invnotify/internal/events"
	"invnotify/internal/notify"
	"invnotify/internal/stomptest"
)

const (
	testToken = "secret-token"
	testUser  = "7"
	waitFor   = 3 * time.Second
	tick      = 10 * time.Millisecond
)

// fakeTimers records backoff delays and fires immediately
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
}

type noopStopper struct{}

func (noopStopper) Stop() bool { return true }

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) Stopper {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	go fn()
	return noopStopper{}
}

func (f *fakeTimers) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.delays))
	copy(out, f.delays)
	return out
}

// recorder collects bus events
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) listen(bus *events.Bus) {
	for _, k := range events.Kinds {
		bus.AddListener(k, func(ev events.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	srv    *stomptest.Server
	conn   *Connection
	bus    *events.Bus
	rec    *recorder
	timers *fakeTimers
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	srv := stomptest.NewServer(testToken, testUser)
	t.Cleanup(srv.Close)

	timers := &fakeTimers{}
	opts := Options{
		URL:                  srv.URL(),
		Host:                 "localhost",
		HandshakeTimeout:     2 * time.Second,
		ReconnectBaseDelay:   3 * time.Second,
		MaxReconnectAttempts: 5,
		Channels:             config.Default().Channels,
		AfterFunc:            timers.AfterFunc,
	}
	if mutate != nil {
		mutate(&opts)
	}

	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	rec.listen(bus)

	conn := NewConnection(opts, bus, zerolog.Nop())
	t.Cleanup(conn.Disconnect)

	return &harness{srv: srv, conn: conn, bus: bus, rec: rec, timers: timers}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.conn.Connect(ctx, testToken))
	// the broker processes SUBSCRIBE frames asynchronously
	require.Eventually(t, func() bool {
		return len(h.srv.SubscriptionIDs()) == h.conn.SubscriptionCount()
	}, waitFor, tick)
}

func defaultChannels() []string {
	return []string{
		"/topic/broadcast",
		"/topic/heartbeat",
		"/user/7/queue/alerts",
		"/user/7/queue/notifications",
		"/user/7/queue/system",
		"/user/7/queue/updates",
	}
}

func TestConnection_ConnectSubscribesDefaults(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	assert.Equal(t, StatusConnected, h.conn.Status())
	assert.Equal(t, "7", h.conn.Identity())
	assert.Equal(t, defaultChannels(), h.conn.Channels())
	assert.Equal(t, defaultChannels(), h.srv.Subscriptions())
	assert.Len(t, h.rec.of(events.KindConnected), 1)
}

func TestConnection_IdentityProviderWins(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Identity = func() string { return "42" }
	})
	h.connect(t)

	assert.Contains(t, h.conn.Channels(), "/user/42/queue/notifications")
}

func TestConnection_NoIdentitySkipsDefaults(t *testing.T) {
	srv := stomptest.NewServer(testToken, "")
	defer srv.Close()

	conn := NewConnection(Options{URL: srv.URL(), MaxReconnectAttempts: 5, Channels: config.Default().Channels},
		events.NewBus(zerolog.Nop()), zerolog.Nop())
	defer conn.Disconnect()

	require.NoError(t, conn.Connect(context.Background(), testToken))
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Equal(t, 0, conn.SubscriptionCount())
	assert.True(t, conn.SendMessage("/app/ping", "{}"))
}

func TestConnection_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	a1 := h.conn.ConnectAsync(testToken)
	a2 := h.conn.ConnectAsync(testToken)
	require.Same(t, a1, a2)

	require.NoError(t, a1.Wait(context.Background()))
	require.Same(t, a1, h.conn.ConnectAsync(testToken))
	assert.Equal(t, 1, h.srv.Upgrades())
}

func TestConnection_StatusTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	h := newHarness(t, func(o *Options) {
		o.OnStatusChange = func(from, to Status) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}
	})

	h.connect(t)
	h.conn.Disconnect()
	h.conn.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, seen)
	assert.Len(t, h.rec.of(events.KindDisconnected), 1)
}

func TestConnection_EmptyToken(t *testing.T) {
	h := newHarness(t, nil)
	err := h.conn.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyToken)
	assert.Equal(t, StatusDisconnected, h.conn.Status())
	assert.Equal(t, 0, h.srv.Upgrades())
}

func TestConnection_UnauthorizedIsTerminal(t *testing.T) {
	h := newHarness(t, nil)

	err := h.conn.Connect(context.Background(), "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, StatusError, h.conn.Status())
	require.Len(t, h.rec.of(events.KindError), 1)
	assert.NotEmpty(t, h.rec.of(events.KindError)[0].Reason)
	assert.Empty(t, h.timers.Delays())
}

func TestConnection_StompErrorReply(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.RejectConnect(true)

	err := h.conn.Connect(context.Background(), testToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StatusError, h.conn.Status())
}

func TestConnection_HandshakeTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HandshakeTimeout = 100 * time.Millisecond })
	h.srv.StallConnect(true)

	err := h.conn.Connect(context.Background(), testToken)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Equal(t, StatusError, h.conn.Status())
}

func TestConnection_DisconnectCancelsPendingAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.StallConnect(true)

	a := h.conn.ConnectAsync(testToken)
	require.Eventually(t, func() bool { return h.srv.Upgrades() == 1 }, waitFor, tick)
	h.conn.Disconnect()

	assert.ErrorIs(t, a.Wait(context.Background()), ErrDisconnected)
	assert.Equal(t, StatusDisconnected, h.conn.Status())
}

func TestConnection_DisconnectClearsRegistry(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	oldIDs := h.srv.SubscriptionIDs()
	require.Len(t, oldIDs, 6)

	h.conn.Disconnect()

	assert.Equal(t, 0, h.conn.SubscriptionCount())
	assert.Empty(t, h.conn.Channels())
	assert.Equal(t, StatusDisconnected, h.conn.Status())
	require.Eventually(t, func() bool { return h.srv.Sessions() == 0 }, waitFor, tick)
	assert.Equal(t, 0, h.srv.Publish("/user/7/queue/notifications", []byte(`{"unreadCount":1}`)))

	// stale subscription ids have no effect
	for _, id := range oldIDs {
		assert.False(t, h.conn.registry.Dispatch(id, []byte(`{}`)))
	}
	assert.Empty(t, h.rec.of(events.KindNotification))
}

func TestConnection_SendMessage(t *testing.T) {
	h := newHarness(t, nil)

	assert.False(t, h.conn.SendMessage("/app/notifications/mark-read", notify.MarkReadRequest{NotificationID: 42}))

	h.connect(t)
	require.True(t, h.conn.SendMessage("/app/notifications/mark-read", notify.MarkReadRequest{NotificationID: 42}))

	require.Eventually(t, func() bool { return len(h.srv.Sent()) == 1 }, waitFor, tick)
	sent := h.srv.Sent()[0]
	assert.Equal(t, "/app/notifications/mark-read", sent.Destination)
	assert.Equal(t, "application/json", sent.ContentType)
	assert.JSONEq(t, `{"notificationId":42}`, string(sent.Body))
}

func TestConnection_DefaultChannelsPublishOnBus(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.srv.Publish("/user/7/queue/notifications", []byte(`{"kind":"notification","notification":{"id":42,"status":"UNREAD","priority":"HIGH","title":"Low stock"},"unreadCount":3}`))
	h.srv.Publish("/user/7/queue/updates", []byte(`{"data":{"productId":9}}`))
	h.srv.Publish("/user/7/queue/alerts", []byte(`{broken`))
	h.srv.Publish("/topic/broadcast", []byte(`{"message":"maintenance"}`))
	h.srv.Publish("/user/7/queue/system", []byte(`{"message":"restart"}`))

	require.Eventually(t, func() bool {
		return len(h.rec.of(events.KindNotification)) == 1 &&
			len(h.rec.of(events.KindUpdate)) == 1 &&
			len(h.rec.of(events.KindAlert)) == 1 &&
			len(h.rec.of(events.KindBroadcast)) == 1 &&
			len(h.rec.of(events.KindSystem)) == 1
	}, waitFor, tick)

	n := h.rec.of(events.KindNotification)[0].Message
	require.NotNil(t, n.Notification)
	assert.Equal(t, int64(42), n.Notification.ID)
	assert.Equal(t, 3, *n.UnreadCount)

	alert := h.rec.of(events.KindAlert)[0].Message
	assert.False(t, alert.Decoded)
	assert.Equal(t, "{broken", string(alert.Raw))

	assert.Equal(t, "maintenance", h.rec.of(events.KindBroadcast)[0].Message.Text)
}

func TestConnection_HeartbeatTopicUpdatesLastHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.True(t, h.conn.LastHeartbeat().IsZero())

	h.srv.Publish("/topic/heartbeat", []byte(`{"kind":"heartbeat"}`))

	require.Eventually(t, func() bool { return !h.conn.LastHeartbeat().IsZero() }, waitFor, tick)
	assert.Empty(t, h.rec.of(events.KindBroadcast))
}

func TestConnection_SubscribeReplacesAndUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	assert.Nil(t, h.conn.Subscribe("/topic/stock", func(*notify.Message) {}))

	h.connect(t)

	var mu sync.Mutex
	var got []string
	first := h.conn.Subscribe("/topic/stock", func(*notify.Message) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	require.NotNil(t, first)
	second := h.conn.Subscribe("/topic/stock", func(*notify.Message) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
	})
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool { return len(h.srv.Subscriptions()) == 7 }, waitFor, tick)
	require.Equal(t, 1, h.srv.Publish("/topic/stock", []byte(`{}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"second"}, got)
	mu.Unlock()

	h.conn.Unsubscribe("/topic/stock")
	h.conn.Unsubscribe("/topic/stock")
	assert.Equal(t, 6, h.conn.SubscriptionCount())
	require.Eventually(t, func() bool { return len(h.srv.Subscriptions()) == 6 }, waitFor, tick)
}

func TestConnection_BackoffDelaysAndReset(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.srv.FailNextUpgrades(3)
	h.srv.DropAll()

	require.Eventually(t, func() bool {
		return h.conn.Status() == StatusConnected && len(h.rec.of(events.KindConnected)) == 2
	}, waitFor, tick)

	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second}, h.timers.Delays())
	assert.Equal(t, 0, h.conn.ReconnectAttempts())
	assert.Len(t, h.rec.of(events.KindDisconnected), 1)
	assert.Len(t, h.rec.of(events.KindError), 3)
	assert.Equal(t, defaultChannels(), h.conn.Channels())
}

func TestConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.srv.FailNextUpgrades(100)
	h.srv.DropAll()

	require.Eventually(t, func() bool {
		return len(h.rec.of(events.KindError)) == 5 && h.conn.Status() == StatusError
	}, waitFor, tick)

	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second}, h.timers.Delays())
	assert.Equal(t, 5, h.conn.ReconnectAttempts())
	assert.False(t, h.conn.Recovering())

	// stays down until an explicit connect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusError, h.conn.Status())
	assert.Len(t, h.timers.Delays(), 5)

	h.srv.FailNextUpgrades(0)
	h.connect(t)
	assert.Equal(t, StatusConnected, h.conn.Status())
	assert.Equal(t, 0, h.conn.ReconnectAttempts())
}

func TestConnection_HeartbeatLossForcesReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatCheckInterval = 10 * time.Millisecond
		o.HeartbeatTimeout = 40 * time.Millisecond
		o.HeartbeatGracePeriod = 40 * time.Millisecond
	})
	h.connect(t)

	require.Eventually(t, func() bool {
		return len(h.rec.of(events.KindConnected)) >= 2
	}, waitFor, tick)

	disc := h.rec.of(events.KindDisconnected)
	require.NotEmpty(t, disc)
	assert.Equal(t, "heartbeat timeout", disc[0].Reason)
	assert.Empty(t, h.timers.Delays(), "heartbeat recovery must not use the backoff counter")
	assert.GreaterOrEqual(t, h.srv.Upgrades(), 2)
}

func TestConnection_HeartbeatReconnectFailureStartsBackoffAtOne(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.HeartbeatCheckInterval = 10 * time.Millisecond
		o.HeartbeatTimeout = 40 * time.Millisecond
		o.HeartbeatGracePeriod = 40 * time.Millisecond
		o.MaxReconnectAttempts = 1
	})
	h.connect(t)
	h.srv.FailNextUpgrades(100)

	require.Eventually(t, func() bool { return h.conn.Status() == StatusError && !h.conn.Recovering() }, waitFor, tick)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.timers.Delays())
}

func TestConnection_ExplicitFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.FailNextUpgrades(1)

	err := h.conn.Connect(context.Background(), testToken)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, StatusError, h.conn.Status())
	assert.Empty(t, h.timers.Delays())

	h.connect(t)
	assert.Equal(t, StatusConnected, h.conn.Status())
}
