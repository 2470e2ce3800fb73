package state

import (
	"sort"
	"sync"
	"time"

	"github.com/tinyland-inc/relayclaw/pkg/bus"
	"github.com/tinyland-inc/relayclaw/pkg/logger"
)

// DefaultDedupWindow is how many forwarded ids are remembered exactly
// above the floor.
const DefaultDedupWindow = 256

// SourceCursor is the per-source progress record.
//
// LastForwarded only moves forward. Ids at or below Floor are treated as
// forwarded; ids above it are forwarded only if present in Recent.
type SourceCursor struct {
	LastForwarded int64     `json:"last_forwarded"`
	Floor         int64     `json:"floor"`
	Recent        []int64   `json:"recent,omitempty"`
	InitializedAt time.Time `json:"initialized_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

func (c SourceCursor) forwarded(id int64) bool {
	if id <= c.Floor {
		return true
	}
	i := sort.Search(len(c.Recent), func(i int) bool { return c.Recent[i] >= id })
	return i < len(c.Recent) && c.Recent[i] == id
}

func (c SourceCursor) clone() SourceCursor {
	c.Recent = append([]int64(nil), c.Recent...)
	return c
}

// CursorStore is the write-through dedup and cursor store, keyed by
// ChannelRef.Key().
type CursorStore struct {
	mu      sync.Mutex
	path    string
	window  int
	cursors map[string]SourceCursor
	now     func() time.Time
}

func LoadCursors(path string, window int) (*CursorStore, error) {
	s := newCursorStore(path, window)
	if err := readJSON(path, &s.cursors); err != nil {
		return nil, err
	}
	if s.cursors == nil {
		s.cursors = make(map[string]SourceCursor)
	}
	for k, c := range s.cursors {
		sort.Slice(c.Recent, func(i, j int) bool { return c.Recent[i] < c.Recent[j] })
		s.cursors[k] = c
	}
	return s, nil
}

// NewMemoryCursors returns a store that never touches disk.
func NewMemoryCursors(window int) *CursorStore {
	return newCursorStore("", window)
}

func newCursorStore(path string, window int) *CursorStore {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &CursorStore{
		path:    path,
		window:  window,
		cursors: make(map[string]SourceCursor),
		now:     time.Now,
	}
}

func (s *CursorStore) AlreadyForwarded(src bus.ChannelRef, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[src.Key()]
	return ok && c.forwarded(id)
}

// MarkForwarded records id as delivered. Calling it twice is a no-op.
func (s *CursorStore) MarkForwarded(src bus.ChannelRef, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := src.Key()
	c := s.cursors[key]
	if c.forwarded(id) {
		return nil
	}

	i := sort.Search(len(c.Recent), func(i int) bool { return c.Recent[i] >= id })
	c.Recent = append(c.Recent, 0)
	copy(c.Recent[i+1:], c.Recent[i:])
	c.Recent[i] = id

	if over := len(c.Recent) - s.window; over > 0 {
		c.Floor = max(c.Floor, c.Recent[over-1])
		c.Recent = append([]int64(nil), c.Recent[over:]...)
	}
	c.UpdatedAt = s.now()
	s.cursors[key] = c
	return s.persistLocked()
}

// AdvanceCursor moves LastForwarded to id if id is larger.
func (s *CursorStore) AdvanceCursor(src bus.ChannelRef, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := src.Key()
	c := s.cursors[key]
	if id <= c.LastForwarded {
		return nil
	}
	c.LastForwarded = id
	c.UpdatedAt = s.now()
	s.cursors[key] = c
	return s.persistLocked()
}

// Initialize creates the record for a source seen for the first time, so
// that nothing up to latest is ever forwarded. It reports false if the
// source already had a record.
func (s *CursorStore) Initialize(src bus.ChannelRef, latest int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := src.Key()
	if _, ok := s.cursors[key]; ok {
		return false, nil
	}
	now := s.now()
	s.cursors[key] = SourceCursor{
		LastForwarded: latest,
		Floor:         latest,
		InitializedAt: now,
		UpdatedAt:     now,
	}
	return true, s.persistLocked()
}

func (s *CursorStore) Cursor(src bus.ChannelRef) (SourceCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[src.Key()]
	return c.clone(), ok
}

// Forget drops a source's record, e.g. after it is removed from the
// configuration.
func (s *CursorStore) Forget(src bus.ChannelRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cursors[src.Key()]; !ok {
		return nil
	}
	delete(s.cursors, src.Key())
	return s.persistLocked()
}

func (s *CursorStore) Snapshot() map[string]SourceCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SourceCursor, len(s.cursors))
	for k, c := range s.cursors {
		out[k] = c.clone()
	}
	return out
}

// Persist forces a write of the current state.
func (s *CursorStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *CursorStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := writeJSON(s.path, s.cursors); err != nil {
		logger.ErrorCF("state", "Failed to persist cursors", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}
