package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

const Logo = "📡"

// ConfigPath is set by the --config flag.
var ConfigPath string

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	if p := os.Getenv("RELAYCLAW_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relayclaw", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// Stores bundles the durable state files under the data directory.
type Stores struct {
	Settings *state.SettingsStore
	Rules    *state.RuleStore
	Cursors  *state.CursorStore
}

// OpenStores loads (or creates) every state file in cfg's data directory.
func OpenStores(cfg *config.Config) (*Stores, error) {
	dir := cfg.DataPath()

	settings, err := state.LoadSettings(filepath.Join(dir, state.SettingsFile))
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	rules, err := state.LoadRules(filepath.Join(dir, state.RulesFile))
	if err != nil {
		return nil, fmt.Errorf("loading replacements: %w", err)
	}
	cursors, err := state.LoadCursors(filepath.Join(dir, state.CursorsFile), cfg.Relay.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("loading cursors: %w", err)
	}
	return &Stores{Settings: settings, Rules: rules, Cursors: cursors}, nil
}

// LockDataDir takes the writer lock on cfg's data directory. The gateway
// and the console both mutate state, so only one of them may run.
func LockDataDir(cfg *config.Config) (*state.DirLock, error) {
	lock, err := state.LockDir(cfg.DataPath())
	if errors.Is(err, state.ErrLocked) {
		return nil, fmt.Errorf("%w; stop it first or use the bot's admin commands", err)
	}
	return lock, err
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
