package relay

import (
	"sync"
	"time"
)

// Outcome is the final state of one delivery.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeDropped
	OutcomeFailed
)

// MeterStore aggregates delivery outcomes per source for the status
// command.
type MeterStore struct {
	mu     sync.RWMutex
	meters map[string]*SourceMeter
}

// SourceMeter tracks per-source delivery counts.
type SourceMeter struct {
	Source       string
	Delivered    int64
	Dropped      int64
	Failed       int64
	RateLimited  int64
	LastError    string
	LastActivity time.Time
}

func NewMeterStore() *MeterStore {
	return &MeterStore{
		meters: make(map[string]*SourceMeter),
	}
}

func (s *MeterStore) meter(source string) *SourceMeter {
	m, ok := s.meters[source]
	if !ok {
		m = &SourceMeter{Source: source}
		s.meters[source] = m
	}
	return m
}

// Record adds one delivery outcome. err is kept as the last error when the
// outcome is a failure.
func (s *MeterStore) Record(source string, outcome Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.meter(source)
	switch outcome {
	case OutcomeDelivered:
		m.Delivered++
	case OutcomeDropped:
		m.Dropped++
	case OutcomeFailed:
		m.Failed++
		if err != nil {
			m.LastError = err.Error()
		}
	}
	m.LastActivity = time.Now()
}

// RecordRateLimit counts a server-requested wait.
func (s *MeterStore) RecordRateLimit(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meter(source).RateLimited++
}

func (s *MeterStore) GetSourceMeter(source string) (SourceMeter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meters[source]
	if !ok {
		return SourceMeter{}, false
	}
	return *m, true
}

// GetAllMeters returns a copy of every source meter.
func (s *MeterStore) GetAllMeters() map[string]SourceMeter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]SourceMeter, len(s.meters))
	for k, m := range s.meters {
		result[k] = *m
	}
	return result
}
