package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tinyland-inc/relayclaw/pkg/state"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so admins can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type TelegramConfig struct {
	Token     string              `env:"RELAYCLAW_TELEGRAM_TOKEN"      json:"token"`
	Proxy     string              `env:"RELAYCLAW_TELEGRAM_PROXY"      json:"proxy,omitempty"`
	APIServer string              `env:"RELAYCLAW_TELEGRAM_API_SERVER" json:"api_server,omitempty"`
	Admins    FlexibleStringSlice `env:"RELAYCLAW_TELEGRAM_ADMINS"     json:"admins"`
}

// Relay modes.
const (
	ModePush = "push"
	ModePull = "pull"
	ModeBoth = "both"
)

// Gap policies for items that exhaust their retries.
const (
	GapSkip  = "skip"
	GapBlock = "block"
)

type RelayConfig struct {
	Mode                string `env:"RELAYCLAW_RELAY_MODE"                  json:"mode"`
	DataDir             string `env:"RELAYCLAW_RELAY_DATA_DIR"              json:"data_dir"`
	PollIntervalSeconds int    `env:"RELAYCLAW_RELAY_POLL_INTERVAL_SECONDS" json:"poll_interval_seconds"`
	PollConcurrency     int    `env:"RELAYCLAW_RELAY_POLL_CONCURRENCY"      json:"poll_concurrency"`
	MaxBatch            int    `env:"RELAYCLAW_RELAY_MAX_BATCH"             json:"max_batch"`
	SendIntervalMS      int    `env:"RELAYCLAW_RELAY_SEND_INTERVAL_MS"      json:"send_interval_ms"`
	MaxAttempts         int    `env:"RELAYCLAW_RELAY_MAX_ATTEMPTS"          json:"max_attempts"`
	RetryDelayMS        int    `env:"RELAYCLAW_RELAY_RETRY_DELAY_MS"        json:"retry_delay_ms"`
	LinearBackoff       bool   `env:"RELAYCLAW_RELAY_LINEAR_BACKOFF"        json:"linear_backoff"`
	DedupWindow         int    `env:"RELAYCLAW_RELAY_DEDUP_WINDOW"          json:"dedup_window"`
	GapPolicy           string `env:"RELAYCLAW_RELAY_GAP_POLICY"            json:"gap_policy"`
	AutoDisable         bool   `env:"RELAYCLAW_RELAY_AUTO_DISABLE"          json:"auto_disable"`
	PollAlertAfter      int    `env:"RELAYCLAW_RELAY_POLL_ALERT_AFTER"      json:"poll_alert_after"`
	PreviewBaseURL      string `env:"RELAYCLAW_RELAY_PREVIEW_BASE_URL"      json:"preview_base_url"`
}

type GatewayConfig struct {
	Host string `env:"RELAYCLAW_GATEWAY_HOST" json:"host"`
	Port int    `env:"RELAYCLAW_GATEWAY_PORT" json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Admins: FlexibleStringSlice{},
		},
		Relay: RelayConfig{
			Mode:                ModePush,
			DataDir:             "~/.relayclaw/data",
			PollIntervalSeconds: 45,
			PollConcurrency:     4,
			SendIntervalMS:      1000,
			MaxAttempts:         3,
			RetryDelayMS:        1000,
			DedupWindow:         256,
			GapPolicy:           GapSkip,
			AutoDisable:         true,
			PollAlertAfter:      5,
			PreviewBaseURL:      "https://t.me/s/",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// LoadConfig reads path over the defaults and then applies RELAYCLAW_*
// environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path atomically.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(path, data, 0o600)
}

func (c *Config) Validate() error {
	r := c.Relay
	switch r.Mode {
	case ModePush, ModePull, ModeBoth:
	default:
		return fmt.Errorf("%w: relay.mode must be push, pull or both, got %q", ErrInvalidConfig, r.Mode)
	}
	switch r.GapPolicy {
	case GapSkip, GapBlock:
	default:
		return fmt.Errorf("%w: relay.gap_policy must be skip or block, got %q", ErrInvalidConfig, r.GapPolicy)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%w: relay.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if r.MaxBatch < 0 || r.SendIntervalMS < 0 || r.RetryDelayMS < 0 || r.DedupWindow < 0 {
		return fmt.Errorf("%w: relay limits must not be negative", ErrInvalidConfig)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway.port out of range", ErrInvalidConfig)
	}
	return nil
}

// DataPath returns the state directory with "~" expanded.
func (c *Config) DataPath() string {
	return expandHome(c.Relay.DataDir)
}

// PollInterval is clamped to [15s, 1h].
func (c *Config) PollInterval() time.Duration {
	s := min(max(c.Relay.PollIntervalSeconds, 15), 3600)
	return time.Duration(s) * time.Second
}

func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.Relay.SendIntervalMS) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Relay.RetryDelayMS) * time.Millisecond
}

func (c *Config) PushEnabled() bool {
	return c.Relay.Mode == ModePush || c.Relay.Mode == ModeBoth
}

func (c *Config) PullEnabled() bool {
	return c.Relay.Mode == ModePull || c.Relay.Mode == ModeBoth
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
