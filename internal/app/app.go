package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"invnotify/internal/config"
	"invnotify/internal/events"
	"invnotify/internal/feed"
	"invnotify/internal/lifecycle"
	"invnotify/internal/notify"
	"invnotify/internal/restapi"
	"invnotify/internal/transport"
)

// App owns the long-lived notification client: one connection, one bus,
// one store and the gate deciding when the connection should exist
type App struct {
	cfg    *config.Config
	bus    *events.Bus
	conn   *transport.Connection
	api    *restapi.Client
	store  *feed.Store
	gate   *lifecycle.Gate
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New wires the components from cfg
func New(cfg *config.Config, notifier notify.Notifier, logger zerolog.Logger) (*App, error) {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	bus := events.NewBus(logger)

	var gate *lifecycle.Gate
	var store *feed.Store

	opts := transport.OptionsFromConfig(cfg)
	opts.Identity = func() string { return gate.UserID() }
	opts.OnStatusChange = func(from, to transport.Status) {
		if store != nil {
			store.StatusChanged(from, to)
		}
	}
	conn := transport.NewConnection(opts, bus, logger)

	gate = lifecycle.NewGate(conn, notifier, logger)

	var breaker restapi.CircuitBreakerConfig
	if cfg.IsCircuitBreakerEnabled() {
		breaker = restapi.CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		}
		logger.Info().
			Int("failureThreshold", breaker.FailureThreshold).
			Dur("recoveryTimeout", breaker.RecoveryTimeout).
			Msg("circuit breaker enabled")
	}
	api := restapi.NewClient(cfg.APIURL, gate, restapi.Options{
		Timeout:        cfg.GetRequestTimeoutDuration(),
		CircuitBreaker: breaker,
	}, logger)

	var err error
	store, err = feed.NewStore(feed.OptionsFromConfig(cfg), conn, api, bus, notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &App{
		cfg:    cfg,
		bus:    bus,
		conn:   conn,
		api:    api,
		store:  store,
		gate:   gate,
		logger: logger,
	}, nil
}

// Start runs the gate and the poll loop in the background
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return fmt.Errorf("app already stopped")
	}
	if a.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.gate.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.store.Run(runCtx)
	}()

	a.logger.Info().
		Str("server", a.cfg.ServerURL).
		Str("api", a.cfg.APIURL).
		Dur("pollInterval", a.cfg.GetPollIntervalDuration()).
		Msg("notification client started")
	return nil
}

// Stop closes the connection and waits for background work to end
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info().Msg("shutting down notification client...")
	if cancel != nil {
		cancel()
	}
	a.conn.Disconnect()
	a.store.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	a.logger.Info().Msg("notification client stopped")
	return nil
}

// SignIn sets the session the connection is opened with
func (a *App) SignIn(token, userID string) {
	a.gate.SetSession(lifecycle.Session{Token: token, UserID: userID})
}

// SignOut clears the session, closes the connection and empties the feed
func (a *App) SignOut() {
	a.gate.ClearSession()
	a.store.Reset()
}

// Bus returns the event bus
func (a *App) Bus() *events.Bus {
	return a.bus
}

// Store returns the notification store
func (a *App) Store() *feed.Store {
	return a.store
}

// Gate returns the lifecycle gate
func (a *App) Gate() *lifecycle.Gate {
	return a.gate
}

// Connection returns the live connection
func (a *App) Connection() *transport.Connection {
	return a.conn
}

// API returns the REST client
func (a *App) API() *restapi.Client {
	return a.api
}
