package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
)

// Settings is the forwarding configuration mutated by the admin surface.
type Settings struct {
	Sources   []bus.ChannelRef `json:"sources"`
	Target    *bus.ChannelRef  `json:"target,omitempty"`
	Enabled   bool             `json:"forwarding_enabled"`
	UpdatedAt time.Time        `json:"updated_at,omitzero"`
}

// HasSource reports whether ref is one of the configured sources.
func (s Settings) HasSource(ref bus.ChannelRef) bool {
	_, ok := s.Lookup(ref)
	return ok
}

// Lookup returns the configured source matching ref. Callers key
// per-source state by the returned ref so that push and pull observations
// of one channel share a cursor.
func (s Settings) Lookup(ref bus.ChannelRef) (bus.ChannelRef, bool) {
	for _, src := range s.Sources {
		if src.Same(ref) {
			return src, true
		}
	}
	return bus.ChannelRef{}, false
}

func (s Settings) clone() Settings {
	out := s
	out.Sources = append([]bus.ChannelRef(nil), s.Sources...)
	if s.Target != nil {
		t := *s.Target
		out.Target = &t
	}
	return out
}

// SettingsStore owns Settings. There is a single writer (the admin
// surface); readers take copy-on-read snapshots.
type SettingsStore struct {
	mu       sync.RWMutex
	path     string
	settings Settings
	now      func() time.Time
}

// LoadSettings reads path, creating it with empty defaults on first run.
func LoadSettings(path string) (*SettingsStore, error) {
	s := &SettingsStore{path: path, now: time.Now}
	if err := readJSON(path, &s.settings); err != nil {
		return nil, err
	}
	// A persisted enabled flag without a target violates the invariant
	// (hand edit or legacy import); start disabled instead.
	if s.settings.Enabled && s.settings.Target == nil {
		s.settings.Enabled = false
	}
	return s, nil
}

// NewMemorySettings returns a store that never touches disk.
func NewMemorySettings(initial Settings) *SettingsStore {
	return &SettingsStore{settings: initial.clone(), now: time.Now}
}

func (s *SettingsStore) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

func (s *SettingsStore) HasSource(ref bus.ChannelRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.HasSource(ref)
}

// persistLocked must be called with mu held for writing.
func (s *SettingsStore) persistLocked() error {
	s.settings.UpdatedAt = s.now()
	if s.path == "" {
		return nil
	}
	return writeJSON(s.path, s.settings)
}

// AddSource appends ref unless a source with the same identity exists.
// A stored entry learns ref's ID or handle if it lacked one.
func (s *SettingsStore) AddSource(ref bus.ChannelRef) (bool, error) {
	if ref.IsZero() {
		return false, fmt.Errorf("%w: empty channel reference", ErrConfigurationInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, src := range s.settings.Sources {
		if src.Same(ref) {
			if src.ID == 0 && ref.ID != 0 {
				s.settings.Sources[i].ID = ref.ID
			}
			if src.Handle == "" && ref.Handle != "" {
				s.settings.Sources[i].Handle = bus.NormalizeHandle(ref.Handle)
			}
			return false, s.persistLocked()
		}
	}
	ref.Handle = bus.NormalizeHandle(ref.Handle)
	s.settings.Sources = append(s.settings.Sources, ref)
	return true, s.persistLocked()
}

// RemoveSource returns the removed entry, if any.
func (s *SettingsStore) RemoveSource(ref bus.ChannelRef) (bus.ChannelRef, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, src := range s.settings.Sources {
		if src.Same(ref) {
			s.settings.Sources = append(s.settings.Sources[:i], s.settings.Sources[i+1:]...)
			return src, true, s.persistLocked()
		}
	}
	return bus.ChannelRef{}, false, nil
}

func (s *SettingsStore) SetTarget(ref bus.ChannelRef) error {
	if !ref.Resolved() {
		return fmt.Errorf("%w: target %s is not resolved to a chat id", ErrConfigurationInvalid, ref)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref.Handle = bus.NormalizeHandle(ref.Handle)
	s.settings.Target = &ref
	return s.persistLocked()
}

// SetEnabled toggles forwarding. Enabling requires a resolved target.
func (s *SettingsStore) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled && (s.settings.Target == nil || !s.settings.Target.Resolved()) {
		return fmt.Errorf("%w: target channel is not set", ErrConfigurationInvalid)
	}
	if s.settings.Enabled == enabled {
		return nil
	}
	s.settings.Enabled = enabled
	return s.persistLocked()
}
