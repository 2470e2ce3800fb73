package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, ModePush, cfg.Relay.Mode)
	assert.Equal(t, GapSkip, cfg.Relay.GapPolicy)
	assert.Equal(t, 45*time.Second, cfg.PollInterval())
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"telegram": {"token": "from-file", "admins": [12345, "@ops"]},
		"relay": {"mode": "both", "max_batch": 10}
	}`), 0o600))

	t.Setenv("RELAYCLAW_TELEGRAM_TOKEN", "from-env")
	t.Setenv("RELAYCLAW_RELAY_GAP_POLICY", "block")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, FlexibleStringSlice{"12345", "@ops"}, cfg.Telegram.Admins)
	assert.Equal(t, ModeBoth, cfg.Relay.Mode)
	assert.Equal(t, GapBlock, cfg.Relay.GapPolicy)
	assert.Equal(t, 10, cfg.Relay.MaxBatch)
	assert.True(t, cfg.PushEnabled())
	assert.True(t, cfg.PullEnabled())
	assert.Equal(t, 1000, cfg.Relay.SendIntervalMS, "unset fields keep defaults")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.Mode = "smoke-signals"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Relay.GapPolicy = "retry-forever"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Relay.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestPollIntervalClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.PollIntervalSeconds = 1
	assert.Equal(t, 15*time.Second, cfg.PollInterval())
	cfg.Relay.PollIntervalSeconds = 99999
	assert.Equal(t, time.Hour, cfg.PollInterval())
}

func TestSaveConfigRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Telegram.Token = "123:abc"

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", loaded.Telegram.Token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not survive the rename")
}

func TestDataPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(home, ".relayclaw", "data"), cfg.DataPath())
}
