package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tinyland-inc/relayclaw/pkg/logger"
	"github.com/tinyland-inc/relayclaw/pkg/replace"
)

// RuleStore owns the replacement rule set.
type RuleStore struct {
	mu    sync.RWMutex
	path  string
	rules replace.RuleSet
}

func LoadRules(path string) (*RuleStore, error) {
	s := &RuleStore{path: path}
	if err := readJSON(path, &s.rules); err != nil {
		return nil, err
	}
	return s, nil
}

func NewMemoryRules(initial replace.RuleSet) *RuleStore {
	return &RuleStore{rules: initial.Clone()}
}

// Snapshot returns a copy safe to use without holding the store.
func (s *RuleStore) Snapshot() replace.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Clone()
}

// Add inserts or updates a rule and persists the set.
func (s *RuleStore) Add(c replace.Category, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added, err := s.rules.Add(c, from, to)
	if err != nil {
		return false, err
	}
	return added, s.persistLocked()
}

func (s *RuleStore) Remove(c replace.Category, from string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rules.Remove(c, from) {
		return false, nil
	}
	return true, s.persistLocked()
}

func (s *RuleStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	return writeJSON(s.path, s.rules)
}

// Reload re-reads the rules file. A malformed or unreadable file leaves
// the current rules in place.
func (s *RuleStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	var rs replace.RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.rules = rs
	s.mu.Unlock()
	return nil
}

// Watch reloads the rules whenever the file changes on disk, until ctx is
// done. The parent directory is watched because atomic writes replace the
// file by rename.
func (s *RuleStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	name := filepath.Clean(s.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(100 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnCF("state", "Rules watcher error", map[string]any{"error": err.Error()})
		case <-debounce:
			debounce = nil
			if err := s.Reload(); err != nil {
				logger.WarnCF("state", "Ignoring unreadable rules file", map[string]any{
					"path":  s.path,
					"error": err.Error(),
				})
				continue
			}
			logger.InfoCF("state", "Reloaded replacement rules", map[string]any{"rules": s.Snapshot().Len()})
		}
	}
}
