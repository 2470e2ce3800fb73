// Package migrate imports the state files written by earlier forwarder
// deployments into relayclaw's data directory.
package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/config"
	"github.com/tinyland-inc/relayclaw/pkg/replace"
	"github.com/tinyland-inc/relayclaw/pkg/state"
)

// Legacy file names.
const (
	LegacyConfigFile       = "config.json"
	LegacyBotConfigFile    = "bot_config.json"
	LegacyReplacementsFile = "replacements.json"
	LegacyStateFile        = "persistent_state.json"
)

// ErrNothingToImport is returned when the source directory holds none of
// the legacy files.
var ErrNothingToImport = errors.New("no legacy state files found")

type Options struct {
	SourceDir string // directory holding the legacy files (default: current dir)
	DataDir   string // relayclaw data directory
	Window    int    // dedup window for imported cursors
	DryRun    bool
	Force     bool
}

type Result struct {
	Settings state.Settings
	Rules    replace.RuleSet
	Cursors  map[string]state.SourceCursor
	Admins   []string
	Imported []string // legacy files that were read
	Written  []string // data files that were written
	Warnings []string
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	return fmt.Errorf("expected string or number, got %s", data)
}

// legacyConfig covers both config.json variants: a list of sources or a
// single source_channel.
type legacyConfig struct {
	SourceChannels config.FlexibleStringSlice `json:"source_channels"`
	SourceChannel  flexString                 `json:"source_channel"`
	TargetChannel  flexString                 `json:"target_channel"`
	Running        *bool                      `json:"running"`
}

type legacyBotConfig struct {
	AdminID          flexString                 `json:"admin_id"`
	SourceChannels   config.FlexibleStringSlice `json:"source_channels"`
	TargetChannel    flexString                 `json:"target_channel"`
	Replacements     map[string]string          `json:"replacements"`
	ForwardingActive bool                       `json:"forwarding_active"`
}

type legacyState struct {
	LastMessageIDs    map[string]flexString `json:"last_message_ids"`
	ForwardedMessages []string              `json:"forwarded_messages"`
}

// Run reads every legacy file present in opts.SourceDir and writes the
// equivalent settings, rules and cursors into opts.DataDir.
func Run(opts Options) (*Result, error) {
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}
	if opts.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	result := &Result{Cursors: make(map[string]state.SourceCursor)}
	var (
		settings state.Settings
		target   string
		running  bool
	)

	var cfg legacyConfig
	found, err := readLegacy(filepath.Join(opts.SourceDir, LegacyConfigFile), &cfg)
	if err != nil {
		return nil, err
	}
	if found {
		result.Imported = append(result.Imported, LegacyConfigFile)
		for _, s := range cfg.SourceChannels {
			addSource(&settings, s)
		}
		addSource(&settings, string(cfg.SourceChannel))
		target = string(cfg.TargetChannel)
		// Deployments without the flag always forwarded.
		running = cfg.Running == nil || *cfg.Running
	}

	var botCfg legacyBotConfig
	found, err = readLegacy(filepath.Join(opts.SourceDir, LegacyBotConfigFile), &botCfg)
	if err != nil {
		return nil, err
	}
	if found {
		result.Imported = append(result.Imported, LegacyBotConfigFile)
		for _, s := range botCfg.SourceChannels {
			addSource(&settings, s)
		}
		if target == "" {
			target = string(botCfg.TargetChannel)
		}
		running = running || botCfg.ForwardingActive
		if botCfg.AdminID != "" {
			result.Admins = append(result.Admins, string(botCfg.AdminID))
		}
	}

	found, err = readLegacy(filepath.Join(opts.SourceDir, LegacyReplacementsFile), &result.Rules)
	if err != nil {
		return nil, err
	}
	if found {
		result.Imported = append(result.Imported, LegacyReplacementsFile)
	}
	// bot_config.json kept a single flat map; those become word rules
	// unless replacements.json already defines the key.
	keys := make([]string, 0, len(botCfg.Replacements))
	for k := range botCfg.Replacements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, from := range keys {
		if hasRule(result.Rules, from) {
			continue
		}
		if _, err := result.Rules.Add(replace.Words, from, botCfg.Replacements[from]); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("skipped replacement %q: %v", from, err))
		}
	}

	if target != "" {
		ref := bus.ParseChannelRef(target)
		if settings.HasSource(ref) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("target %s is also a source; target dropped", ref))
		} else {
			settings.Target = &ref
		}
	}
	switch {
	case running && settings.Target != nil && settings.Target.Resolved():
		settings.Enabled = true
	case running:
		result.Warnings = append(result.Warnings,
			"forwarding was running but the target has no numeric id; run /startforward after the bot resolves it")
	}

	var st legacyState
	found, err = readLegacy(filepath.Join(opts.SourceDir, LegacyStateFile), &st)
	if err != nil {
		return nil, err
	}
	if found {
		result.Imported = append(result.Imported, LegacyStateFile)
		cursors, warnings := importCursors(settings, st, opts.Window)
		result.Cursors = cursors
		result.Warnings = append(result.Warnings, warnings...)
	}

	if len(result.Imported) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNothingToImport, opts.SourceDir)
	}
	result.Settings = settings

	if opts.DryRun {
		return result, printDryRun(result)
	}
	if err := write(opts, result); err != nil {
		return nil, err
	}
	return result, nil
}

func readLegacy(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

func addSource(s *state.Settings, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	ref := bus.ParseChannelRef(raw)
	if ref.IsZero() || s.HasSource(ref) {
		return
	}
	s.Sources = append(s.Sources, ref)
}

func hasRule(rs replace.RuleSet, from string) bool {
	for _, c := range replace.Categories {
		for _, r := range rs.Rules(c) {
			if r.From == from {
				return true
			}
		}
	}
	return false
}

// importCursors converts last-seen ids and "<channel>_<id>" forwarded keys
// into cursors keyed by the matching configured source.
func importCursors(settings state.Settings, st legacyState, window int) (map[string]state.SourceCursor, []string) {
	var warnings []string
	cursors := state.NewMemoryCursors(window)

	canonical := func(raw string) bus.ChannelRef {
		ref := bus.ParseChannelRef(raw)
		if src, ok := settings.Lookup(ref); ok {
			return src
		}
		return ref
	}

	channels := make([]string, 0, len(st.LastMessageIDs))
	for ch := range st.LastMessageIDs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		id, err := strconv.ParseInt(string(st.LastMessageIDs[ch]), 10, 64)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipped cursor for %s: %v", ch, err))
			continue
		}
		ref := canonical(ch)
		if !settings.HasSource(ref) {
			warnings = append(warnings, fmt.Sprintf("cursor for %s has no matching source", ch))
		}
		_, _ = cursors.Initialize(ref, id)
	}

	for _, key := range st.ForwardedMessages {
		i := strings.LastIndex(key, "_")
		if i <= 0 {
			continue
		}
		id, err := strconv.ParseInt(key[i+1:], 10, 64)
		if err != nil {
			continue
		}
		ref := canonical(key[:i])
		if cursors.AlreadyForwarded(ref, id) {
			continue
		}
		_ = cursors.MarkForwarded(ref, id)
		_ = cursors.AdvanceCursor(ref, id)
	}

	return cursors.Snapshot(), warnings
}

func write(opts Options, result *Result) error {
	files := []struct {
		name  string
		value any
	}{
		{state.SettingsFile, result.Settings},
		{state.RulesFile, result.Rules},
		{state.CursorsFile, result.Cursors},
	}

	if !opts.Force {
		for _, f := range files {
			path := filepath.Join(opts.DataDir, f.name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	for _, f := range files {
		data, err := json.MarshalIndent(f.value, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", f.name, err)
		}
		path := filepath.Join(opts.DataDir, f.name)
		if err := state.WriteFileAtomic(path, data, 0o600); err != nil {
			return err
		}
		result.Written = append(result.Written, path)
	}
	return nil
}

func printDryRun(result *Result) error {
	fmt.Println("-- Import preview (dry-run)")
	for _, f := range []struct {
		name  string
		value any
	}{
		{state.SettingsFile, result.Settings},
		{state.RulesFile, result.Rules},
		{state.CursorsFile, result.Cursors},
	} {
		data, err := json.MarshalIndent(f.value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("\n%s:\n%s\n", f.name, data)
	}
	return nil
}

// PrintSummary prints what was imported.
func PrintSummary(result *Result) {
	fmt.Printf("Imported %s\n", strings.Join(result.Imported, ", "))
	fmt.Printf("  Sources: %d\n", len(result.Settings.Sources))
	if result.Settings.Target != nil {
		fmt.Printf("  Target: %s\n", result.Settings.Target)
	}
	fmt.Printf("  Replacements: %d\n", result.Rules.Len())
	fmt.Printf("  Cursors: %d\n", len(result.Cursors))
	if len(result.Admins) > 0 {
		fmt.Printf("  Admin ids to add to telegram.admins: %s\n", strings.Join(result.Admins, ", "))
	}
	for _, path := range result.Written {
		fmt.Printf("  ✓ wrote %s\n", path)
	}
	if len(result.Warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range result.Warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
}
