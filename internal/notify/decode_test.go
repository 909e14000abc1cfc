package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Notification(t *testing.T) {
	body := `{"kind":"notification","notification":{"id":42,"status":"UNREAD","priority":"HIGH","title":"Low stock","createdAt":"2024-03-01T10:15:00"},"unreadCount":3}`

	msg, err := Decode("/user/7/queue/notifications", KindNotification, []byte(body))
	require.NoError(t, err)

	assert.True(t, msg.Decoded)
	assert.Equal(t, KindNotification, msg.Kind)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, int64(42), msg.Notification.ID)
	assert.Equal(t, PriorityHigh, msg.Notification.Priority)
	assert.True(t, msg.Notification.IsUnread())
	assert.True(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC).Equal(msg.Notification.CreatedAt.Time))
	require.NotNil(t, msg.UnreadCount)
	assert.Equal(t, 3, *msg.UnreadCount)
	assert.JSONEq(t, body, string(msg.Raw))
}

func TestDecode_InfersKind(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		fallback Kind
		want     Kind
	}{
		{"count only", `{"unreadCount":5}`, KindNotification, KindCountUpdate},
		{"item without kind", `{"notification":{"id":1}}`, KindNotification, KindNotification},
		{"type alias", `{"type":"HEARTBEAT"}`, KindBroadcast, KindHeartbeat},
		{"channel role", `{"data":{"productId":3}}`, KindUpdate, KindUpdate},
		{"unknown kind", `{"kind":"mystery"}`, KindSystem, KindSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode("c", tt.fallback, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Kind)
		})
	}
}

func TestDecode_ClampsNegativeCount(t *testing.T) {
	msg, err := Decode("c", KindNotification, []byte(`{"unreadCount":-4}`))
	require.NoError(t, err)
	assert.Equal(t, 0, *msg.UnreadCount)
}

func TestDecode_MalformedKeepsRaw(t *testing.T) {
	msg, err := Decode("/topic/broadcast", KindBroadcast, []byte(`{not json`))
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.False(t, msg.Decoded)
	assert.Equal(t, KindBroadcast, msg.Kind)
	assert.Equal(t, "{not json", string(msg.Raw))
}

func TestDecode_PlainText(t *testing.T) {
	msg, err := Decode("/topic/broadcast", KindBroadcast, []byte(`"maintenance at 22:00"`))
	require.NoError(t, err)
	assert.Equal(t, "maintenance at 22:00", msg.Text)

	msg, err = Decode("/topic/broadcast", KindBroadcast, []byte(`maintenance`))
	require.Error(t, err)
	assert.Equal(t, "maintenance", string(msg.Raw))
}

func TestTimestamp_Formats(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"2024-03-01T10:15:00.123+02:00"`)))
	assert.Equal(t, 8, ts.UTC().Hour())

	require.NoError(t, ts.UnmarshalJSON([]byte(`1709288100000`)))
	assert.Equal(t, int64(1709288100000), ts.UnixMilli())

	require.NoError(t, ts.UnmarshalJSON([]byte(`null`)))
	assert.True(t, ts.IsZero())

	assert.Error(t, ts.UnmarshalJSON([]byte(`"yesterday"`)))
}

func TestClampCount(t *testing.T) {
	assert.Equal(t, 0, ClampCount(-1))
	assert.Equal(t, 0, ClampCount(0))
	assert.Equal(t, 9, ClampCount(9))
}
