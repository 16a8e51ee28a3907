// Package config defines the typed configuration snapshot consumed by the
// gateway client, dispatcher, and provider client. Config is loaded once at
// startup; a malformed config aborts the process.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the bridgebot agent.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Provider   ProviderConfig   `json:"provider"`
	Permission PermissionConfig `json:"permission"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Context    ContextConfig    `json:"context"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// GatewayConfig points at the bridge: the event socket plus the command API.
type GatewayConfig struct {
	WebsocketURL string `json:"websocket_url"` // e.g. "ws://127.0.0.1:5500/event"
	CommandURL   string `json:"command_url"`   // e.g. "http://127.0.0.1:5500/api"
	Token        string `json:"-"`             // from env BRIDGEBOT_TOKEN only, never persisted

	Heartbeat        string `json:"heartbeat,omitempty"`          // reconnect backoff seed (default "500ms")
	MaxReconnectWait string `json:"max_reconnect_wait,omitempty"` // backoff cap (default "30s")
	SendTimeout      string `json:"send_timeout,omitempty"`       // per-send deadline (default "10s")
}

// ProviderConfig configures the AI completion endpoint.
type ProviderConfig struct {
	APIKey         string  `json:"-"` // from env BRIDGEBOT_API_KEY only
	BaseURL        string  `json:"base_url,omitempty"`
	Model          string  `json:"model,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`          // per-call deadline (default "60s")
	RequestsPerMin int     `json:"requests_per_min,omitempty"` // client-side pacing (default 30)
}

// PermissionConfig is the raw on-disk permission policy. It is parsed and
// validated into a permission.Policy at startup; tiers are strings here
// ("blocked", "default", "trusted", "admin").
type PermissionConfig struct {
	DefaultTier string            `json:"default_tier,omitempty"` // group/default scope tier
	PrivateTier string            `json:"private_tier,omitempty"` // private scope tier
	Admins      []string          `json:"admins,omitempty"`       // sender IDs granted admin
	Overrides   map[string]string `json:"overrides,omitempty"`    // scope key → tier
}

// DispatchConfig controls the dispatcher's concurrency and retry behavior.
type DispatchConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`   // global completion cap (default 8)
	MaxAttempts    int    `json:"max_attempts,omitempty"`     // retry ceiling per stage (default 3)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff (default "2s")
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // backoff cap (default "30s")
	DrainTimeout   string `json:"drain_timeout,omitempty"`    // shutdown drain bound (default "20s")

	// Group trigger gate: the agent replies in groups only when "called".
	Trigger TriggerConfig `json:"trigger,omitempty"`
}

// TriggerConfig scores whether a group message addresses the agent.
// A mention always clears the threshold; keywords accumulate.
type TriggerConfig struct {
	Keywords     map[string]int `json:"keywords,omitempty"`      // substring → score
	MentionScore int            `json:"mention_score,omitempty"` // default 100
	BuffScore    int            `json:"buff_score,omitempty"`    // recent-conversation bonus (default 30)
	Threshold    int            `json:"threshold,omitempty"`     // default 50
}

// ContextConfig bounds the per-scope conversation window.
type ContextConfig struct {
	MaxTurns      int    `json:"max_turns,omitempty"`      // window size N (default 20)
	MaxTurnAge    string `json:"max_turn_age,omitempty"`   // turns older than this are omitted from snapshots (default "20m", "0" = never)
	FlushSchedule string `json:"flush_schedule,omitempty"` // cron expression for periodic full flush (default "* * * * *")
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN comes from env BRIDGEBOT_POSTGRES_DSN only (secret).
// When empty, a local sqlite file is used.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "bridgebot.db"
}

// TelemetryConfig configures OpenTelemetry export of dispatch spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "bridgebot"
	Headers     map[string]string `json:"headers,omitempty"`
}

// LoggingConfig controls log verbosity and chat echo.
type LoggingConfig struct {
	Debug    bool `json:"debug,omitempty"`
	LogChats bool `json:"log_chats,omitempty"` // echo inbound message previews at info level
}

// Validate checks the loaded config for fatal problems. Any error returned
// here aborts startup.
func (c *Config) Validate() error {
	if c.Gateway.WebsocketURL == "" {
		return fmt.Errorf("config: gateway.websocket_url is required")
	}
	if c.Gateway.CommandURL == "" {
		return fmt.Errorf("config: gateway.command_url is required")
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("config: gateway token missing (set BRIDGEBOT_TOKEN)")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("config: provider API key missing (set BRIDGEBOT_API_KEY)")
	}
	for _, field := range []struct {
		name, val string
	}{
		{"gateway.heartbeat", c.Gateway.Heartbeat},
		{"gateway.max_reconnect_wait", c.Gateway.MaxReconnectWait},
		{"gateway.send_timeout", c.Gateway.SendTimeout},
		{"provider.timeout", c.Provider.Timeout},
		{"dispatch.retry_base_delay", c.Dispatch.RetryBaseDelay},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"dispatch.drain_timeout", c.Dispatch.DrainTimeout},
		{"context.max_turn_age", c.Context.MaxTurnAge},
	} {
		if field.val == "" || field.val == "0" {
			continue
		}
		d, err := time.ParseDuration(field.val)
		if err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", field.name, field.val)
		}
	}
	if c.Dispatch.MaxConcurrent < 0 {
		return fmt.Errorf("config: dispatch.max_concurrent must be >= 0")
	}
	return nil
}

// Duration parses s as a Go duration, falling back to def when s is empty
// or "0". Call only after Validate has accepted the config.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" || s == "0" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
