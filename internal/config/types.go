package config

import (
	"strings"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	ServerURL              string                `json:"serverUrl" toml:"serverUrl" env:"SERVER_URL"`
	APIURL                 string                `json:"apiUrl" toml:"apiUrl" env:"API_URL"`
	StompHost              string                `json:"stompHost" toml:"stompHost" env:"STOMP_HOST"`
	LogLevel               string                `json:"logLevel" toml:"logLevel" env:"LOG_LEVEL"`
	HandshakeTimeout       int                   `json:"handshakeTimeout" toml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`             // ms - dial + CONNECT/CONNECTED exchange
	ReconnectBaseDelay     int                   `json:"reconnectBaseDelay" toml:"reconnectBaseDelay" env:"RECONNECT_BASE_DELAY"`     // ms - multiplied by the attempt number
	MaxReconnectAttempts   int                   `json:"maxReconnectAttempts" toml:"maxReconnectAttempts" env:"MAX_RECONNECT_ATTEMPTS"`
	HeartbeatCheckInterval int                   `json:"heartbeatCheckInterval" toml:"heartbeatCheckInterval" env:"HEARTBEAT_CHECK_INTERVAL"` // ms
	HeartbeatTimeout       int                   `json:"heartbeatTimeout" toml:"heartbeatTimeout" env:"HEARTBEAT_TIMEOUT"`                   // ms - silence longer than this is a lost connection
	HeartbeatGracePeriod   int                   `json:"heartbeatGracePeriod" toml:"heartbeatGracePeriod" env:"HEARTBEAT_GRACE_PERIOD"`       // ms - negative means never expire before the first beat
	PollInterval           int                   `json:"pollInterval" toml:"pollInterval" env:"POLL_INTERVAL"`                               // ms
	RequestTimeout         int                   `json:"requestTimeout" toml:"requestTimeout" env:"REQUEST_TIMEOUT"`                         // ms - REST calls
	NotificationListSize   int                   `json:"notificationListSize" toml:"notificationListSize" env:"NOTIFICATION_LIST_SIZE"`
	RecentPageSize         int                   `json:"recentPageSize" toml:"recentPageSize" env:"RECENT_PAGE_SIZE"`
	DedupCacheSize         int                   `json:"dedupCacheSize" toml:"dedupCacheSize" env:"DEDUP_CACHE_SIZE"`
	CircuitBreaker         *CircuitBreakerConfig `json:"circuitBreaker,omitempty" toml:"circuitBreaker,omitempty" envPrefix:"CIRCUIT_BREAKER_"`
	Channels               ChannelConfig         `json:"channels" toml:"channels" envPrefix:"CHANNEL_"`
}

// CircuitBreakerConfig guards the REST fallback
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" toml:"enabled" env:"ENABLED"`
	FailureThreshold    int  `json:"failureThreshold" toml:"failureThreshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout     int  `json:"recoveryTimeout" toml:"recoveryTimeout" env:"RECOVERY_TIMEOUT"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" toml:"halfOpenMaxRequests" env:"HALF_OPEN_MAX_REQUESTS"`
}

// ChannelConfig holds destination templates. {id} is replaced with the user identity.
type ChannelConfig struct {
	Notifications string `json:"notifications" toml:"notifications" env:"NOTIFICATIONS"`
	System        string `json:"system" toml:"system" env:"SYSTEM"`
	Updates       string `json:"updates" toml:"updates" env:"UPDATES"`
	Alerts        string `json:"alerts" toml:"alerts" env:"ALERTS"`
	Broadcast     string `json:"broadcast" toml:"broadcast" env:"BROADCAST"`
	Heartbeat     string `json:"heartbeat" toml:"heartbeat" env:"HEARTBEAT"`
	MarkRead      string `json:"markRead" toml:"markRead" env:"MARK_READ"`
}

// Default values
const (
	DefaultServerURL              = "ws://localhost:8080/ws"
	DefaultAPIURL                 = "http://localhost:8080/api"
	DefaultLogLevel               = "info"
	DefaultHandshakeTimeout       = 15000 // ms
	DefaultReconnectBaseDelay     = 3000  // ms - 3s, 6s, 9s, 12s, 15s
	DefaultMaxReconnectAttempts   = 5
	DefaultHeartbeatCheckInterval = 30000 // ms
	DefaultHeartbeatTimeout       = 60000 // ms
	DefaultHeartbeatGracePeriod   = 60000 // ms - after connect, before the first beat
	DefaultPollInterval           = 30000 // ms
	DefaultRequestTimeout         = 10000 // ms
	DefaultNotificationListSize   = 50
	DefaultRecentPageSize         = 10
	DefaultDedupCacheSize         = 1000

	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 30000 // ms
	DefaultHalfOpenMaxRequests = 2

	DefaultNotificationsChannel = "/user/{id}/queue/notifications"
	DefaultSystemChannel        = "/user/{id}/queue/system"
	DefaultUpdatesChannel       = "/user/{id}/queue/updates"
	DefaultAlertsChannel        = "/user/{id}/queue/alerts"
	DefaultBroadcastChannel     = "/topic/broadcast"
	DefaultHeartbeatChannel     = "/topic/heartbeat"
	DefaultMarkReadDestination  = "/app/notifications/mark-read"
)

// GetHandshakeTimeoutDuration returns handshake timeout as time.Duration
func (c *Config) GetHandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Millisecond
}

// GetReconnectBaseDelayDuration returns reconnect base delay as time.Duration
func (c *Config) GetReconnectBaseDelayDuration() time.Duration {
	return time.Duration(c.ReconnectBaseDelay) * time.Millisecond
}

// GetHeartbeatCheckIntervalDuration returns heartbeat check interval as time.Duration
func (c *Config) GetHeartbeatCheckIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatCheckInterval) * time.Millisecond
}

// GetHeartbeatTimeoutDuration returns heartbeat timeout as time.Duration
func (c *Config) GetHeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Millisecond
}

// GetHeartbeatGracePeriodDuration returns the grace period as time.Duration.
// A negative value is preserved.
func (c *Config) GetHeartbeatGracePeriodDuration() time.Duration {
	return time.Duration(c.HeartbeatGracePeriod) * time.Millisecond
}

// GetPollIntervalDuration returns poll interval as time.Duration
func (c *Config) GetPollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// IsCircuitBreakerEnabled returns true if the breaker is configured and enabled
func (c *Config) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// GetRecoveryTimeoutDuration returns recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// Resolve substitutes the user identity into a destination template
func Resolve(template, identity string) string {
	return strings.ReplaceAll(template, "{id}", identity)
}

// Defaults returns the six default destinations for the given identity, in subscription order
func (c ChannelConfig) Defaults(identity string) []string {
	return []string{
		Resolve(c.Notifications, identity),
		Resolve(c.System, identity),
		Resolve(c.Updates, identity),
		Resolve(c.Alerts, identity),
		Resolve(c.Broadcast, identity),
		Resolve(c.Heartbeat, identity),
	}
}
