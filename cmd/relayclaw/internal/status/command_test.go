package status

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/relayclaw/cmd/relayclaw/internal"
	"github.com/tinyland-inc/relayclaw/pkg/config"
)

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Relay.DataDir = filepath.Join(dir, "data")
	cfg.Telegram.Token = "123456789:" + strings.Repeat("A", 31) + "WXYZ"
	cfg.Telegram.Admins = config.FlexibleStringSlice{"42"}
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, config.SaveConfig(configPath, cfg))

	internal.ConfigPath = configPath
	t.Cleanup(func() { internal.ConfigPath = "" })

	cmd := NewStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Config: "+configPath+" ✓")
	assert.Contains(t, text, "Bot token: 123456789:****WXYZ")
	assert.NotContains(t, text, strings.Repeat("A", 31))
	assert.Contains(t, text, "Admins: 1")
	assert.Contains(t, text, "Forwarding: ⏸ stopped")
	assert.FileExists(t, filepath.Join(dir, "data", "settings.json"))
}
