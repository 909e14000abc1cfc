// Package stomptest provides an in-process STOMP-over-websocket broker for tests.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"invnotify/internal/stomp"
)

const writeWait = 5 * time.Second

// Sent is a SEND frame received from a client
type Sent struct {
	Destination string
	ContentType string
	Body        []byte
}

// Server is a minimal broker: it authenticates the bearer token, answers
// CONNECT, tracks SUBSCRIBE/UNSUBSCRIBE per session, records SEND frames and
// delivers published messages to matching subscriptions.
type Server struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string
	user     string

	mu           sync.Mutex
	sessions     map[*session]bool
	sent         []Sent
	failUpgrades int
	stallConnect bool
	rejectStomp  bool

	upgrades  int64
	connects  int64
	messageID uint64
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string]string // subscription id -> destination
}

// NewServer starts a broker accepting token and announcing user in CONNECTED
func NewServer(token, user string) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		token:    token,
		user:     user,
		sessions: make(map[*session]bool),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the ws:// endpoint
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Close drops every session and stops the server
func (s *Server) Close() {
	s.DropAll()
	s.server.Close()
}

// FailNextUpgrades makes the next n handshakes answer 503
func (s *Server) FailNextUpgrades(n int) {
	s.mu.Lock()
	s.failUpgrades = n
	s.mu.Unlock()
}

// StallConnect makes the broker ignore CONNECT frames
func (s *Server) StallConnect(stall bool) {
	s.mu.Lock()
	s.stallConnect = stall
	s.mu.Unlock()
}

// RejectConnect makes the broker answer CONNECT with an ERROR frame
func (s *Server) RejectConnect(reject bool) {
	s.mu.Lock()
	s.rejectStomp = reject
	s.mu.Unlock()
}

// SetToken changes the accepted token
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Upgrades returns the number of successful websocket upgrades
func (s *Server) Upgrades() int {
	return int(atomic.LoadInt64(&s.upgrades))
}

// Connects returns the number of answered CONNECT frames
func (s *Server) Connects() int {
	return int(atomic.LoadInt64(&s.connects))
}

// Sessions returns the number of open sessions
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Subscriptions returns the destinations subscribed across open sessions, sorted
func (s *Server) Subscriptions() []string {
	var dests []string
	for _, sess := range s.snapshot() {
		sess.subsMu.Lock()
		for _, d := range sess.subs {
			dests = append(dests, d)
		}
		sess.subsMu.Unlock()
	}
	sort.Strings(dests)
	return dests
}

// SubscriptionIDs returns the subscription ids of open sessions
func (s *Server) SubscriptionIDs() []string {
	var ids []string
	for _, sess := range s.snapshot() {
		sess.subsMu.Lock()
		for id := range sess.subs {
			ids = append(ids, id)
		}
		sess.subsMu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Sent returns every SEND frame received so far
func (s *Server) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sent))
	copy(out, s.sent)
	return out
}

// Publish delivers body to every subscription of destination and returns the delivery count
func (s *Server) Publish(destination string, body []byte) int {
	delivered := 0
	for _, sess := range s.snapshot() {
		sess.subsMu.Lock()
		var ids []string
		for id, d := range sess.subs {
			if d == destination {
				ids = append(ids, id)
			}
		}
		sess.subsMu.Unlock()

		for _, id := range ids {
			msgID := strconv.FormatUint(atomic.AddUint64(&s.messageID, 1), 10)
			if sess.write(stomp.Encode(stomp.NewMessage(destination, id, msgID, body))) == nil {
				delivered++
			}
		}
	}
	return delivered
}

// SendRaw writes data verbatim to every open session
func (s *Server) SendRaw(data []byte) {
	for _, sess := range s.snapshot() {
		_ = sess.write(data)
	}
}

// DropAll closes every session without a STOMP goodbye
func (s *Server) DropAll() {
	for _, sess := range s.snapshot() {
		sess.conn.Close()
	}
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failUpgrades > 0 {
		s.failUpgrades--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	token := s.token
	s.mu.Unlock()

	if r.Header.Get(stomp.HeaderAuthorization) != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	atomic.AddInt64(&s.upgrades, 1)

	sess := &session{conn: conn, subs: make(map[string]string)}
	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.ParseAll(data)
		if err != nil {
			_ = sess.write(stomp.Encode(stomp.NewError("malformed frame", err.Error())))
			return
		}
		for _, f := range frames {
			if !s.handle(sess, f) {
				return
			}
		}
	}
}

// handle processes one client frame; false ends the session
func (s *Server) handle(sess *session, f *stomp.Frame) bool {
	switch f.Command {
	case "":
		return true
	case stomp.CommandConnect, stomp.CommandStomp:
		s.mu.Lock()
		stall, reject, token := s.stallConnect, s.rejectStomp, s.token
		s.mu.Unlock()
		if stall {
			return true
		}
		if reject || f.Header.Get(stomp.HeaderAuthorization) != "Bearer "+token {
			_ = sess.write(stomp.Encode(stomp.NewError("access denied", "invalid credentials")))
			return false
		}
		atomic.AddInt64(&s.connects, 1)
		return sess.write(stomp.Encode(stomp.NewConnected(s.user))) == nil
	case stomp.CommandSubscribe:
		sess.subsMu.Lock()
		sess.subs[f.Header.Get(stomp.HeaderID)] = f.Header.Get(stomp.HeaderDestination)
		sess.subsMu.Unlock()
	case stomp.CommandUnsubscribe:
		sess.subsMu.Lock()
		delete(sess.subs, f.Header.Get(stomp.HeaderID))
		sess.subsMu.Unlock()
	case stomp.CommandSend:
		body := make([]byte, len(f.Body))
		copy(body, f.Body)
		s.mu.Lock()
		s.sent = append(s.sent, Sent{
			Destination: f.Header.Get(stomp.HeaderDestination),
			ContentType: f.Header.Get(stomp.HeaderContentType),
			Body:        body,
		})
		s.mu.Unlock()
	case stomp.CommandDisconnect:
		if receipt := f.Header.Get(stomp.HeaderReceipt); receipt != "" {
			_ = sess.write(stomp.Encode(stomp.NewReceipt(receipt)))
		}
		return false
	}
	return true
}

func (sess *session) write(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}
