package notify

import (
	"encoding/json"
	"strings"
	"time"
)

// Status of a notification
type Status string

const (
	StatusUnread Status = "UNREAD"
	StatusRead   Status = "READ"
)

// Priority of a notification
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Kind discriminates inbound messages
type Kind string

const (
	KindNotification Kind = "notification"
	KindCountUpdate  Kind = "countUpdate"
	KindUpdate       Kind = "update"
	KindAlert        Kind = "alert"
	KindSystem       Kind = "system"
	KindBroadcast    Kind = "broadcast"
	KindHeartbeat    Kind = "heartbeat"
)

var knownKinds = map[Kind]bool{
	KindNotification: true,
	KindCountUpdate:  true,
	KindUpdate:       true,
	KindAlert:        true,
	KindSystem:       true,
	KindBroadcast:    true,
	KindHeartbeat:    true,
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Notification is the UI-facing notification record
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  Priority  `json:"priority"`
	Status    Status    `json:"status"`
	ActionURL string    `json:"actionUrl,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
}

// IsUnread returns true if the notification has not been read
func (n *Notification) IsUnread() bool {
	return n.Status != StatusRead
}

// IsCritical returns true for CRITICAL priority
func (n *Notification) IsCritical() bool {
	return n.Priority == PriorityCritical
}

// Message is a decoded inbound payload. Raw always holds the undecoded body.
type Message struct {
	Kind         Kind            `json:"kind"`
	Channel      string          `json:"-"`
	Notification *Notification   `json:"notification,omitempty"`
	UnreadCount  *int            `json:"unreadCount,omitempty"`
	Text         string          `json:"message,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    Timestamp       `json:"timestamp,omitempty"`
	Raw          json.RawMessage `json:"-"`
	Decoded      bool            `json:"-"`
}

// IsCountOnly returns true when the message carries an unread count but no item
func (m *Message) IsCountOnly() bool {
	return m.Notification == nil && m.UnreadCount != nil
}

// MarkReadRequest is the payload sent to the mark-read destination
type MarkReadRequest struct {
	NotificationID int64 `json:"notificationId"`
}

// ClampCount never lets an unread count go below zero
func ClampCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp accepts RFC3339 and zone-less ISO-8601 (interpreted as UTC)
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	// epoch millis
	if len(data) > 0 && data[0] != '"' {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}
