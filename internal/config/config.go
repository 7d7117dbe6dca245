// Package config loads, validates, and documents the hub's configuration.
//
// Configuration is a flat JSON file with BCON_-prefixed environment
// variable overrides, validated once at startup; validation failure is
// fatal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// RateLimits holds the per-role and pre-auth admission limits consumed by
// the rate limiter.
type RateLimits struct {
	GuestPerMinute                          int `json:"guest_per_minute"`
	PlayerPerMinute                         int `json:"player_per_minute"`
	AdminPerMinute                          int `json:"admin_per_minute"`
	SystemRequestsPerMinute                 int `json:"system_requests_per_minute"`
	UnauthenticatedAdapterAttemptsPerMinute int `json:"unauthenticated_adapter_attempts_per_minute"`
}

// ServerInfo is free-form metadata about the deployment, echoed back from
// get_server_info replies and the /health endpoint.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Config is the fully validated hub configuration.
type Config struct {
	AdapterPort   int    `json:"adapter_port"`
	ClientPort    int    `json:"client_port"`
	AdapterSecret string `json:"adapter_secret"`
	ClientSecret  string `json:"client_secret"`
	Issuer        string `json:"issuer"`

	RateLimits      RateLimits `json:"rate_limits"`
	AllowedOrigins  []string   `json:"allowed_origins"`
	ServerInfo      ServerInfo `json:"server_info"`

	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	ConnectionTimeoutSeconds int `json:"connection_timeout_seconds"`

	WindowDurationSeconds int `json:"window_duration_seconds"`
	BanThreshold          int `json:"ban_threshold"`
	BanDurationHours      int `json:"ban_duration_hours"`

	AckTimeoutSeconds int `json:"ack_timeout_seconds"`
	MetricsIntervalMS int `json:"metrics_interval_ms"`

	KVByteBudget int `json:"kv_byte_budget"`

	LogLevel string `json:"log_level"`
}

// Default returns a Config with working defaults for everything except the
// two signing secrets, which have no safe default.
func Default() *Config {
	return &Config{
		AdapterPort:   8082,
		ClientPort:    8081,
		AdapterSecret: "",
		ClientSecret:  "",
		Issuer:        "bcon-hub",
		RateLimits: RateLimits{
			GuestPerMinute:                          30,
			PlayerPerMinute:                         120,
			AdminPerMinute:                          300,
			SystemRequestsPerMinute:                 600,
			UnauthenticatedAdapterAttemptsPerMinute: 10,
		},
		AllowedOrigins:           []string{"*"},
		ServerInfo:               ServerInfo{Name: "bcon-hub", Version: "dev"},
		HeartbeatIntervalSeconds: 30,
		ConnectionTimeoutSeconds: 90,
		WindowDurationSeconds:    60,
		BanThreshold:             5,
		BanDurationHours:         1,
		AckTimeoutSeconds:        15,
		MetricsIntervalMS:        1000,
		KVByteBudget:             1 << 20,
		LogLevel:                 "info",
	}
}

// Load reads a JSON config file, applies BCON_-prefixed environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverride applies a BCON_<KEY> environment variable to *dst if set.
func envOverride(key string, dst *string) {
	if v, ok := os.LookupEnv("BCON_" + key); ok {
		*dst = v
	}
}

func envOverrideInt(key string, dst *int) {
	if v, ok := os.LookupEnv("BCON_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// applyEnvOverrides walks the fixed, documented set of overridable keys.
// Deliberately not reflection-driven, so the override surface stays
// auditable at a glance.
func applyEnvOverrides(cfg *Config) {
	envOverrideInt("ADAPTER_PORT", &cfg.AdapterPort)
	envOverrideInt("CLIENT_PORT", &cfg.ClientPort)
	envOverride("ADAPTER_SECRET", &cfg.AdapterSecret)
	envOverride("CLIENT_SECRET", &cfg.ClientSecret)
	envOverride("ISSUER", &cfg.Issuer)
	envOverride("LOG_LEVEL", &cfg.LogLevel)
	envOverrideInt("HEARTBEAT_INTERVAL_SECONDS", &cfg.HeartbeatIntervalSeconds)
	envOverrideInt("CONNECTION_TIMEOUT_SECONDS", &cfg.ConnectionTimeoutSeconds)
	envOverrideInt("WINDOW_DURATION_SECONDS", &cfg.WindowDurationSeconds)
	envOverrideInt("BAN_THRESHOLD", &cfg.BanThreshold)
	envOverrideInt("BAN_DURATION_HOURS", &cfg.BanDurationHours)
	envOverrideInt("ACK_TIMEOUT_SECONDS", &cfg.AckTimeoutSeconds)
	envOverrideInt("RATE_LIMITS_GUEST_PER_MINUTE", &cfg.RateLimits.GuestPerMinute)
	envOverrideInt("RATE_LIMITS_PLAYER_PER_MINUTE", &cfg.RateLimits.PlayerPerMinute)
	envOverrideInt("RATE_LIMITS_ADMIN_PER_MINUTE", &cfg.RateLimits.AdminPerMinute)
	envOverrideInt("RATE_LIMITS_SYSTEM_REQUESTS_PER_MINUTE", &cfg.RateLimits.SystemRequestsPerMinute)
	envOverrideInt("RATE_LIMITS_UNAUTHENTICATED_ADAPTER_ATTEMPTS_PER_MINUTE", &cfg.RateLimits.UnauthenticatedAdapterAttemptsPerMinute)
}

// Validate checks that both secrets are present and long enough, the ports
// are distinct and valid, every rate limit is positive, and the heartbeat
// interval is strictly shorter than the connection timeout.
func (c *Config) Validate() error {
	if len(c.AdapterSecret) < 32 {
		return fmt.Errorf("adapter_secret must be at least 32 characters")
	}
	if len(c.ClientSecret) < 32 {
		return fmt.Errorf("client_secret must be at least 32 characters")
	}
	if c.AdapterPort < 1 || c.AdapterPort > 65535 {
		return fmt.Errorf("adapter_port out of range: %d", c.AdapterPort)
	}
	if c.ClientPort < 1 || c.ClientPort > 65535 {
		return fmt.Errorf("client_port out of range: %d", c.ClientPort)
	}
	if c.AdapterPort == c.ClientPort {
		return fmt.Errorf("adapter_port and client_port must be distinct")
	}
	limits := []int{
		c.RateLimits.GuestPerMinute,
		c.RateLimits.PlayerPerMinute,
		c.RateLimits.AdminPerMinute,
		c.RateLimits.SystemRequestsPerMinute,
		c.RateLimits.UnauthenticatedAdapterAttemptsPerMinute,
	}
	for _, l := range limits {
		if l <= 0 {
			return fmt.Errorf("all rate limits must be > 0")
		}
	}
	if c.HeartbeatIntervalSeconds >= c.ConnectionTimeoutSeconds {
		return fmt.Errorf("heartbeat_interval_seconds must be less than connection_timeout_seconds")
	}
	return nil
}

// commentedField pairs a config key with the human-readable explanation
// emitted alongside it by GenerateExample. JSON has no native comment
// syntax, so the generated document carries a sibling "_comment_<key>"
// string field for each key rather than embedding non-JSON comment syntax
// that would make the emitted file invalid JSON. The document is written
// from a map, so its keys come out in sorted order: every "_comment_" field
// precedes all of the keys, and none sits next to the key it explains.
type commentedField struct {
	Key     string
	Comment string
}

var exampleComments = []commentedField{
	{"adapter_port", "TCP port for the adapter (game-server) listener."},
	{"client_port", "TCP port for the client (browser/app) listener."},
	{"adapter_secret", "HMAC signing secret for adapter tokens, >= 32 characters."},
	{"client_secret", "HMAC signing secret for client tokens, >= 32 characters."},
	{"issuer", "Expected iss claim on incoming tokens, or empty to skip the check."},
	{"rate_limits", "Per-role and pre-auth admission limits, per window_duration_seconds."},
	{"allowed_origins", "Origin header glob patterns permitted at handshake; \"*\" allows all."},
	{"server_info", "Deployment metadata echoed by get_server_info and /health."},
	{"heartbeat_interval_seconds", "How often the hub pings each connection."},
	{"connection_timeout_seconds", "Idle time after the last pong before a connection is dropped."},
	{"window_duration_seconds", "Width of the sliding rate-limit window."},
	{"ban_threshold", "Rate-limit violations within one window before an IP is banned."},
	{"ban_duration_hours", "How long a ban lasts once applied."},
	{"ack_timeout_seconds", "How long a requiresAck message waits for command_result."},
	{"metrics_interval_ms", "How often exported counters are snapshotted."},
	{"kv_byte_budget", "Total byte budget for the in-memory K/V registry store."},
	{"log_level", "zerolog level: trace, debug, info, warn, error."},
}

// GenerateExample writes a commented example configuration file to path.
func GenerateExample(path string) error {
	cfg := Default()
	cfg.AdapterSecret = "replace-with-a-random-32-byte-or-longer-secret"
	cfg.ClientSecret = "replace-with-a-different-32-byte-or-longer-secret"

	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	ordered := make(map[string]json.RawMessage, len(fields)*2)
	for _, c := range exampleComments {
		if v, ok := fields[c.Key]; ok {
			ordered[c.Key] = v
			comment, _ := json.Marshal(c.Comment)
			ordered["_comment_"+c.Key] = comment
		}
	}

	out, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
