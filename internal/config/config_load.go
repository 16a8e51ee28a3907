package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config with working defaults for everything except the
// gateway addresses and secrets, which must come from the file or env.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			WebsocketURL:     "ws://127.0.0.1:5500/event",
			CommandURL:       "http://127.0.0.1:5500/api",
			Heartbeat:        "500ms",
			MaxReconnectWait: "30s",
			SendTimeout:      "10s",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.deepseek.com/v1",
			Model:          "deepseek-chat",
			MaxTokens:      1024,
			Temperature:    0.7,
			Timeout:        "60s",
			RequestsPerMin: 30,
		},
		Permission: PermissionConfig{
			DefaultTier: "blocked",
			PrivateTier: "default",
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:  8,
			MaxAttempts:    3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
			DrainTimeout:   "20s",
			Trigger: TriggerConfig{
				MentionScore: 100,
				BuffScore:    30,
				Threshold:    50,
			},
		},
		Context: ContextConfig{
			MaxTurns:      20,
			MaxTurnAge:    "20m",
			FlushSchedule: "* * * * *",
		},
		Database: DatabaseConfig{
			SQLitePath: "bridgebot.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (env vars still apply); a file that
// exists but does not parse is a fatal config error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets are
// env-only; addresses may also be overridden for container deployments.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("BRIDGEBOT_TOKEN", &c.Gateway.Token)
	envStr("BRIDGEBOT_API_KEY", &c.Provider.APIKey)
	envStr("BRIDGEBOT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BRIDGEBOT_WS_URL", &c.Gateway.WebsocketURL)
	envStr("BRIDGEBOT_CMD_URL", &c.Gateway.CommandURL)
	envStr("BRIDGEBOT_MODEL", &c.Provider.Model)
	envStr("BRIDGEBOT_PROVIDER_URL", &c.Provider.BaseURL)
}
