package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage accepts both "kind" and the "type" alias some publishers use
type wireMessage struct {
	Message
	Type string `json:"type,omitempty"`
}

// Decode parses an inbound body received on channel. The returned message is
// never nil: on failure it carries the raw body with Decoded=false and the
// channel's fallback kind, so the caller can still forward it.
func Decode(channel string, fallback Kind, body []byte) (*Message, error) {
	raw := make(json.RawMessage, len(body))
	copy(raw, body)

	msg := &Message{Kind: fallback, Channel: channel, Raw: raw}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return msg, fmt.Errorf("empty body on %s", channel)
	}

	switch trimmed[0] {
	case '{':
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return msg, fmt.Errorf("failed to decode message on %s: %w", channel, err)
		}
		msg.Text = text
		msg.Decoded = true
		return msg, nil
	default:
		return msg, fmt.Errorf("unsupported payload on %s: not a JSON object", channel)
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return msg, fmt.Errorf("failed to decode message on %s: %w", channel, err)
	}

	decoded := w.Message
	decoded.Channel = channel
	decoded.Raw = raw
	decoded.Decoded = true
	decoded.Kind = resolveKind(w.Kind, w.Type, &decoded, fallback)

	if decoded.UnreadCount != nil {
		c := ClampCount(*decoded.UnreadCount)
		decoded.UnreadCount = &c
	}
	return &decoded, nil
}

func resolveKind(kind Kind, typ string, m *Message, fallback Kind) Kind {
	for _, candidate := range []string{string(kind), typ} {
		if candidate == "" {
			continue
		}
		for known := range knownKinds {
			if strings.EqualFold(candidate, string(known)) {
				return known
			}
		}
	}
	if m.Notification != nil {
		return KindNotification
	}
	if m.UnreadCount != nil {
		return KindCountUpdate
	}
	return fallback
}
