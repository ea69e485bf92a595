package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings coordinator. Every timing knob of the
// connection lifecycle (auth window, heartbeat cadence, sweep interval,
// connection caps) is configuration rather than a hardcoded constant: the
// values have drifted across deployments before, so they must be tunable.
type Config struct {
	HTTP    *HTTPConfig    `json:"http"`
	Hub     *HubConfig     `json:"hub"`
	Auth    *AuthConfig    `json:"auth"`
	Journal *JournalConfig `json:"journal"`
	NATS    *NATSConfig    `json:"nats"`
}

// HTTPConfig controls the server listener shared by the REST surface and
// the WebSocket upgrade endpoint.
type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// HubConfig controls connection lifecycle and resource limits.
type HubConfig struct {
	// AuthTimeout bounds how long an accepted socket may sit unauthenticated
	// before it is closed with the auth-timeout code.
	AuthTimeout time.Duration `json:"auth_timeout"`

	// VerifyTimeout bounds a single call into the credential verifier.
	VerifyTimeout time.Duration `json:"verify_timeout"`

	// PingInterval is the heartbeat probe cadence per connection.
	PingInterval time.Duration `json:"ping_interval"`

	// MissThreshold is the number of consecutive unanswered pings after
	// which a connection is evicted with the heartbeat-timeout code.
	MissThreshold int `json:"miss_threshold"`

	// SweepInterval is the cadence of the registry-wide staleness sweep,
	// the backstop for connections whose per-connection timers were lost.
	SweepInterval time.Duration `json:"sweep_interval"`

	// StaleAfter is the liveness age beyond which the sweep evicts a
	// connection regardless of its per-connection heartbeat state.
	StaleAfter time.Duration `json:"stale_after"`

	// MaxPerTenant and MaxPerUser are connection caps. Zero disables a cap.
	MaxPerTenant int `json:"max_per_tenant"`
	MaxPerUser   int `json:"max_per_user"`

	// SendBuffer is the per-connection outbound queue depth. A connection
	// whose buffer is full during fan-out is treated as dead.
	SendBuffer int `json:"send_buffer"`

	// InboundRate and InboundBurst bound client message throughput
	// (messages per second, token-bucket burst).
	InboundRate  float64 `json:"inbound_rate"`
	InboundBurst int     `json:"inbound_burst"`
}

// AuthConfig configures the built-in JWT verifier.
type AuthConfig struct {
	TokenSecret string `json:"token_secret"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// NATSConfig configures the optional event ingest bridge. An empty URL
// disables the bridge; events then arrive only via the REST broadcast
// endpoint.
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// DefaultConfig returns production defaults. The authentication window and
// heartbeat thresholds use seconds-scale values; sub-second windows proved
// too aggressive for mobile POS terminals on restaurant Wi-Fi.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Hub: &HubConfig{
			AuthTimeout:   5 * time.Second,
			VerifyTimeout: 3 * time.Second,
			PingInterval:  15 * time.Second,
			MissThreshold: 3,
			SweepInterval: 30 * time.Second,
			StaleAfter:    90 * time.Second,
			MaxPerTenant:  200,
			MaxPerUser:    4,
			SendBuffer:    100,
			InboundRate:   20,
			InboundBurst:  40,
		},
		Auth: &AuthConfig{
			TokenSecret: "orderhub-dev-secret",
		},
		Journal: &JournalConfig{
			Path:    "./orderhub.db",
			Timeout: 30 * time.Second,
		},
		NATS: &NATSConfig{
			URL:           "",
			SubjectPrefix: "events",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}

	if c.Hub == nil {
		return fmt.Errorf("hub configuration is required")
	}
	if c.Hub.AuthTimeout <= 0 {
		return fmt.Errorf("hub auth timeout must be positive")
	}
	if c.Hub.VerifyTimeout <= 0 {
		return fmt.Errorf("hub verify timeout must be positive")
	}
	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub ping interval must be positive")
	}
	if c.Hub.MissThreshold <= 0 {
		return fmt.Errorf("hub miss threshold must be positive")
	}
	if c.Hub.SweepInterval <= 0 {
		return fmt.Errorf("hub sweep interval must be positive")
	}
	if c.Hub.StaleAfter <= c.Hub.PingInterval {
		return fmt.Errorf("hub stale threshold must exceed the ping interval")
	}
	if c.Hub.MaxPerTenant < 0 || c.Hub.MaxPerUser < 0 {
		return fmt.Errorf("hub connection caps cannot be negative")
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub send buffer must be positive")
	}
	if c.Hub.InboundRate <= 0 || c.Hub.InboundBurst <= 0 {
		return fmt.Errorf("hub inbound rate limit must be positive")
	}

	if c.Auth == nil || c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret is required")
	}

	if c.Journal == nil {
		return fmt.Errorf("journal configuration is required")
	}
	if c.Journal.Path == "" {
		return fmt.Errorf("journal path cannot be empty")
	}
	if c.Journal.Timeout <= 0 {
		return fmt.Errorf("journal timeout must be positive")
	}

	if c.NATS == nil {
		return fmt.Errorf("nats configuration is required")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats subject prefix is required when the bridge is enabled")
	}

	return nil
}

// LoadFromEnv returns defaults overridden by ORDERHUB_* environment
// variables. Invalid values fall back to defaults rather than failing:
// a bad override must not prevent startup.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if host := os.Getenv("ORDERHUB_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if port := os.Getenv("ORDERHUB_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if secret := os.Getenv("ORDERHUB_TOKEN_SECRET"); secret != "" {
		config.Auth.TokenSecret = secret
	}
	if path := os.Getenv("ORDERHUB_JOURNAL_PATH"); path != "" {
		config.Journal.Path = path
	}
	if url := os.Getenv("ORDERHUB_NATS_URL"); url != "" {
		config.NATS.URL = url
	}
	if prefix := os.Getenv("ORDERHUB_NATS_SUBJECT_PREFIX"); prefix != "" {
		config.NATS.SubjectPrefix = prefix
	}

	if v := os.Getenv("ORDERHUB_AUTH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Hub.AuthTimeout = d
		}
	}
	if v := os.Getenv("ORDERHUB_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Hub.PingInterval = d
		}
	}
	if v := os.Getenv("ORDERHUB_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Hub.StaleAfter = d
		}
	}
	if v := os.Getenv("ORDERHUB_MISS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Hub.MissThreshold = n
		}
	}
	if v := os.Getenv("ORDERHUB_MAX_PER_TENANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Hub.MaxPerTenant = n
		}
	}
	if v := os.Getenv("ORDERHUB_MAX_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Hub.MaxPerUser = n
		}
	}

	return config
}

// LoadFromFile loads configuration from a JSON file, overlaying the
// provided base. Durations are expressed in nanoseconds, matching
// encoding/json's handling of time.Duration.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := base
	if config == nil {
		config = DefaultConfig()
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > env > defaults.
// A missing or unreadable file degrades to env-with-defaults.
func LoadConfigWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if loaded, err := LoadFromFile(path, config); err == nil {
			return loaded
		}
	}

	return config
}
