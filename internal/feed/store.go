package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"invnotify/internal/config"
	"invnotify/internal/events"
	"invnotify/internal/notify"
	"invnotify/internal/restapi"
	"invnotify/internal/transport"
)

// Store keeps the notification state shown to the user in sync with live
// pushes and, while the connection is down, with the REST API. Watchers may
// be called from several goroutines.
type Store struct {
	opts     Options
	conn     Transport
	api      Fallback
	notifier notify.Notifier
	seen     *Deduplicator
	logger   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	removers []func()

	mu            sync.Mutex
	notifications []notify.Notification
	unread        int
	lastMessage   *notify.Message
	errMsg        string
	panelVisible  bool
	pending       map[int64]pendingRead
	watchers      map[uint64]Watcher
	nextWatcher   uint64
}

// NewStore creates a store bound to conn and listening on bus
func NewStore(opts Options, conn Transport, api Fallback, bus *events.Bus, notifier notify.Notifier, logger zerolog.Logger) (*Store, error) {
	if opts.ListSize <= 0 {
		opts.ListSize = config.DefaultNotificationListSize
	}
	if opts.RecentPageSize <= 0 {
		opts.RecentPageSize = config.DefaultRecentPageSize
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = config.DefaultDedupCacheSize
	}
	if opts.MarkReadDestination == "" {
		opts.MarkReadDestination = config.DefaultMarkReadDestination
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	seen, err := NewDeduplicator(opts.SeenCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:     opts,
		conn:     conn,
		api:      api,
		notifier: notifier,
		seen:     seen,
		logger:   logger.With().Str("component", "feed").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[int64]pendingRead),
		watchers: make(map[uint64]Watcher),
	}

	s.removers = append(s.removers,
		bus.AddListener(events.KindNotification, s.onNotification),
		bus.AddListener(events.KindUpdate, s.onMessage),
		bus.AddListener(events.KindAlert, s.onMessage),
		bus.AddListener(events.KindSystem, s.onMessage),
		bus.AddListener(events.KindBroadcast, s.onMessage),
		bus.AddListener(events.KindConnected, s.onConnected),
		bus.AddListener(events.KindDisconnected, s.onDisconnected),
		bus.AddListener(events.KindError, s.onError),
	)
	return s, nil
}

// Close detaches the store from the bus and stops background work
func (s *Store) Close() {
	s.cancel()
	for _, remove := range s.removers {
		remove()
	}
	s.mu.Lock()
	s.watchers = make(map[uint64]Watcher)
	s.mu.Unlock()
}

// Reset drops what the previous session loaded, including the ids that
// already raised a native alert, so the next user starts from an empty feed
func (s *Store) Reset() {
	s.mu.Lock()
	s.notifications = nil
	s.unread = 0
	s.lastMessage = nil
	s.errMsg = ""
	s.pending = make(map[int64]pendingRead)
	s.mu.Unlock()

	s.seen.Clear()
	s.changed()
}

// Snapshot returns the current state
func (s *Store) Snapshot() State {
	status := s.conn.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(status)
}

func (s *Store) snapshotLocked(status transport.Status) State {
	list := make([]notify.Notification, len(s.notifications))
	copy(list, s.notifications)
	return State{
		Connected:        status == transport.StatusConnected,
		ConnectionStatus: status,
		Notifications:    list,
		UnreadCount:      s.unread,
		LastMessage:      s.lastMessage,
		Error:            s.errMsg,
	}
}

// Watch calls fn with the current state and after every change until the
// returned cancel func is called
func (s *Store) Watch(fn Watcher) func() {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()

	s.call(fn, s.Snapshot())

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) changed() {
	status := s.conn.Status()
	s.mu.Lock()
	state := s.snapshotLocked(status)
	watchers := make([]Watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		s.call(w, state)
	}
}

func (s *Store) call(fn Watcher, state State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("watcher panicked")
		}
	}()
	fn(state)
}

// StatusChanged refreshes watchers on connection status transitions that
// have no bus event, such as entering connecting
func (s *Store) StatusChanged(from, to transport.Status) {
	s.changed()
}

// SetPanelVisible tells the poll loop whether the notification list is on screen
func (s *Store) SetPanelVisible(visible bool) {
	s.mu.Lock()
	s.panelVisible = visible
	s.mu.Unlock()
}

// Connect opens the live connection with token
func (s *Store) Connect(ctx context.Context, token string) error {
	if err := s.conn.Connect(ctx, token); err != nil {
		s.mu.Lock()
		s.errMsg = err.Error()
		s.mu.Unlock()
		s.changed()
		return err
	}
	return nil
}

// Disconnect closes the live connection
func (s *Store) Disconnect() {
	s.conn.Disconnect()
}

// SendMessage sends payload to destination over the live connection
func (s *Store) SendMessage(destination string, payload any) bool {
	return s.conn.SendMessage(destination, payload)
}

// Subscribe adds a channel on the live connection
func (s *Store) Subscribe(channel string, handler transport.Handler) *transport.Subscription {
	return s.conn.Subscribe(channel, handler)
}

// Unsubscribe removes a channel from the live connection
func (s *Store) Unsubscribe(channel string) {
	s.conn.Unsubscribe(channel)
}

// MarkAsRead flips the item to READ locally right away and confirms it over
// the live channel, or over REST when the channel is unavailable. A failed
// REST call rolls the local change back.
func (s *Store) MarkAsRead(ctx context.Context, id int64) error {
	s.mu.Lock()
	s.pending[id] = s.applyReadLocked(id)
	s.mu.Unlock()
	s.changed()

	if s.conn.SendMessage(s.opts.MarkReadDestination, notify.MarkReadRequest{NotificationID: id}) {
		s.confirm(id)
		return nil
	}

	if err := s.api.MarkRead(ctx, id); err != nil {
		s.rollback(id)
		s.logger.Warn().Err(err).Int64("id", id).Msg("mark read failed, reverted")
		return fmt.Errorf("failed to mark notification %d as read: %w", id, err)
	}
	s.confirm(id)
	return nil
}

func (s *Store) applyReadLocked(id int64) pendingRead {
	if _, inFlight := s.pending[id]; inFlight {
		return s.pending[id]
	}

	p := pendingRead{prevStatus: notify.StatusUnread}
	if i := s.indexLocked(id); i >= 0 {
		p.known = true
		p.prevStatus = s.notifications[i].Status
		if p.prevStatus == notify.StatusRead {
			return p
		}
		s.notifications[i].Status = notify.StatusRead
	}
	if s.unread > 0 {
		p.decrement = 1
		s.unread--
	}
	return p
}

func (s *Store) confirm(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Store) rollback(id int64) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	if p.known {
		if i := s.indexLocked(id); i >= 0 && s.notifications[i].Status == notify.StatusRead {
			s.notifications[i].Status = p.prevStatus
		}
	}
	s.unread += p.decrement
	s.mu.Unlock()
	s.changed()
}

// MarkAllAsRead marks everything read over REST, then locally
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	if err := s.api.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].Status = notify.StatusRead
	}
	s.unread = 0
	s.mu.Unlock()
	s.changed()
	return nil
}

// Delete removes a notification over REST, then locally
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete notification %d: %w", id, err)
	}
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		if s.notifications[i].IsUnread() {
			s.unread = notify.ClampCount(s.unread - 1)
		}
		s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
	}
	delete(s.pending, id)
	s.mu.Unlock()
	s.changed()
	return nil
}

// Refresh reloads the unread count and the recent page from REST
func (s *Store) Refresh(ctx context.Context) error {
	if err := s.refreshCount(ctx); err != nil {
		return err
	}
	return s.refreshList(ctx)
}

func (s *Store) refreshCount(ctx context.Context) error {
	n, err := s.api.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unread count: %w", err)
	}
	s.mu.Lock()
	alert := s.setCountLocked(n)
	s.mu.Unlock()
	s.signal(alert, nil)
	s.changed()
	return nil
}

func (s *Store) refreshList(ctx context.Context) error {
	page, err := s.api.List(ctx, restapi.ListQuery{Size: s.opts.RecentPageSize})
	if err != nil {
		return fmt.Errorf("failed to fetch notifications: %w", err)
	}
	s.mu.Lock()
	s.mergeLocked(page.Content)
	s.mu.Unlock()
	s.changed()
	return nil
}

// alertSignal is the toast to raise after a count rise, computed under the lock
type alertSignal struct {
	raised bool
	newest *notify.Notification
}

// setCountLocked replaces the unread count and reports a rise from a nonzero value
func (s *Store) setCountLocked(n int) alertSignal {
	n = notify.ClampCount(n)
	// keep in-flight optimistic reads applied
	for _, p := range s.pending {
		n = notify.ClampCount(n - p.decrement)
	}
	prev := s.unread
	s.unread = n
	if prev == 0 || n <= prev {
		return alertSignal{}
	}
	sig := alertSignal{raised: true}
	for i := range s.notifications {
		if s.notifications[i].IsUnread() {
			item := s.notifications[i]
			sig.newest = &item
			break
		}
	}
	return sig
}

func (s *Store) signal(alert alertSignal, native *notify.Notification) {
	if alert.raised {
		s.notifier.PlayAlert()
		if alert.newest != nil {
			s.notifier.ShowToast(*alert.newest)
		}
	}
	if native != nil {
		s.notifier.ShowNative(*native)
	}
}

func (s *Store) indexLocked(id int64) int {
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertLocked replaces an item in place or prepends it. It returns true for new items.
func (s *Store) upsertLocked(n notify.Notification) bool {
	if _, ok := s.pending[n.ID]; ok {
		n.Status = notify.StatusRead
	}
	if i := s.indexLocked(n.ID); i >= 0 {
		s.notifications[i] = n
		return false
	}
	s.notifications = append([]notify.Notification{n}, s.notifications...)
	if len(s.notifications) > s.opts.ListSize {
		s.notifications = s.notifications[:s.opts.ListSize]
	}
	return true
}

// mergeLocked folds a fetched page into the list by id, newest first
func (s *Store) mergeLocked(items []notify.Notification) {
	for _, n := range items {
		if _, ok := s.pending[n.ID]; ok {
			n.Status = notify.StatusRead
		}
		if i := s.indexLocked(n.ID); i >= 0 {
			s.notifications[i] = n
			continue
		}
		s.notifications = append(s.notifications, n)
	}
	sort.SliceStable(s.notifications, func(i, j int) bool {
		return s.notifications[i].CreatedAt.After(s.notifications[j].CreatedAt.Time)
	})
	if len(s.notifications) > s.opts.ListSize {
		s.notifications = s.notifications[:s.opts.ListSize]
	}
}

func (s *Store) onNotification(ev events.Event) {
	msg := ev.Message
	if msg == nil {
		return
	}

	var alert alertSignal
	var native *notify.Notification

	s.mu.Lock()
	if msg.Notification != nil {
		n := *msg.Notification
		if s.upsertLocked(n) && n.IsCritical() && n.IsUnread() && !s.seen.IsDuplicate(n.ID) {
			native = &n
		}
	}
	if msg.UnreadCount != nil {
		alert = s.setCountLocked(*msg.UnreadCount)
	}
	s.mu.Unlock()

	s.signal(alert, native)
	s.changed()
}

func (s *Store) onMessage(ev events.Event) {
	if ev.Message == nil {
		return
	}
	s.mu.Lock()
	s.lastMessage = ev.Message
	s.mu.Unlock()
	s.changed()
}

func (s *Store) onConnected(events.Event) {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
	s.changed()

	// pushes missed while offline are not replayed
	go func() {
		if err := s.refreshCount(s.ctx); err != nil {
			s.logger.Debug().Err(err).Msg("unread count resync failed")
		}
	}()
}

func (s *Store) onDisconnected(events.Event) {
	s.changed()
}

func (s *Store) onError(ev events.Event) {
	reason := ev.Reason
	if reason == "" && ev.Err != nil {
		reason = ev.Err.Error()
	}
	s.mu.Lock()
	s.errMsg = reason
	s.mu.Unlock()
	s.changed()
}
