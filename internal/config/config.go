package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "INVNOTIFY_"

// Load reads and parses the configuration file. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a validated config built only from defaults
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.StompHost == "" {
		if u, err := url.Parse(cfg.ServerURL); err == nil {
			cfg.StompHost = u.Hostname()
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HeartbeatCheckInterval == 0 {
		cfg.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	// HeartbeatGracePeriod: 0 is replaced, negative is kept (lenient until the first beat)
	if cfg.HeartbeatGracePeriod == 0 {
		cfg.HeartbeatGracePeriod = DefaultHeartbeatGracePeriod
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.NotificationListSize == 0 {
		cfg.NotificationListSize = DefaultNotificationListSize
	}
	if cfg.RecentPageSize == 0 {
		cfg.RecentPageSize = DefaultRecentPageSize
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}

	if cfg.CircuitBreaker != nil {
		if cfg.CircuitBreaker.FailureThreshold == 0 {
			cfg.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
		}
		if cfg.CircuitBreaker.RecoveryTimeout == 0 {
			cfg.CircuitBreaker.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cfg.CircuitBreaker.HalfOpenMaxRequests == 0 {
			cfg.CircuitBreaker.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
		}
	}

	ch := &cfg.Channels
	if ch.Notifications == "" {
		ch.Notifications = DefaultNotificationsChannel
	}
	if ch.System == "" {
		ch.System = DefaultSystemChannel
	}
	if ch.Updates == "" {
		ch.Updates = DefaultUpdatesChannel
	}
	if ch.Alerts == "" {
		ch.Alerts = DefaultAlertsChannel
	}
	if ch.Broadcast == "" {
		ch.Broadcast = DefaultBroadcastChannel
	}
	if ch.Heartbeat == "" {
		ch.Heartbeat = DefaultHeartbeatChannel
	}
	if ch.MarkRead == "" {
		ch.MarkRead = DefaultMarkReadDestination
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("serverUrl: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("serverUrl must use ws or wss scheme, got '%s'", u.Scheme)
	}

	a, err := url.Parse(cfg.APIURL)
	if err != nil {
		return fmt.Errorf("apiUrl: %w", err)
	}
	if a.Scheme != "http" && a.Scheme != "https" {
		return fmt.Errorf("apiUrl must use http or https scheme, got '%s'", a.Scheme)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.HandshakeTimeout < 0 {
		return fmt.Errorf("handshakeTimeout must be non-negative")
	}
	if cfg.ReconnectBaseDelay < 0 {
		return fmt.Errorf("reconnectBaseDelay must be non-negative")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("maxReconnectAttempts must be non-negative")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return fmt.Errorf("heartbeatCheckInterval must be positive")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeatTimeout must be positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.NotificationListSize < 0 {
		return fmt.Errorf("notificationListSize must be non-negative")
	}
	if cfg.RecentPageSize < 0 {
		return fmt.Errorf("recentPageSize must be non-negative")
	}
	if cfg.DedupCacheSize < 0 {
		return fmt.Errorf("dedupCacheSize must be non-negative")
	}

	if cfg.CircuitBreaker != nil && cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold < 0 {
			return fmt.Errorf("circuitBreaker.failureThreshold must be non-negative")
		}
		if cfg.CircuitBreaker.RecoveryTimeout < 0 {
			return fmt.Errorf("circuitBreaker.recoveryTimeout must be non-negative")
		}
	}

	personal := map[string]string{
		"notifications": cfg.Channels.Notifications,
		"system":        cfg.Channels.System,
		"updates":       cfg.Channels.Updates,
		"alerts":        cfg.Channels.Alerts,
	}
	for name, tmpl := range personal {
		if !strings.Contains(tmpl, "{id}") {
			return fmt.Errorf("channels.%s must contain the {id} placeholder", name)
		}
	}

	seen := make(map[string]bool)
	for _, dest := range cfg.Channels.Defaults("{id}") {
		if seen[dest] {
			return errors.New("channels must be distinct: duplicate '" + dest + "'")
		}
		seen[dest] = true
	}

	return nil
}
