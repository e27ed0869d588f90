// Package tracking adapts external pose-estimation output for the engine.
// The engine never starts or stops a tracker; it only reads the newest
// sample.
package tracking

import (
	"sync"
	"time"

	"github.com/normanking/cortexpuppet/internal/motion"
)

// Provider is anything the engine can pull the latest sample from.
type Provider interface {
	Latest() (*motion.Sample, bool)
}

// Store keeps the newest sample. Samples older than maxAge read as absent
// so the puppet falls back to idle motion when a tracker stalls.
type Store struct {
	mu     sync.RWMutex
	sample *motion.Sample
	maxAge time.Duration
	now    func() time.Time
}

func NewStore(maxAge time.Duration) *Store {
	return &Store{maxAge: maxAge, now: time.Now}
}

// Put replaces the stored sample. A zero timestamp is stamped with now.
func (s *Store) Put(sample motion.Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	s.mu.Lock()
	s.sample = &sample
	s.mu.Unlock()
}

func (s *Store) Latest() (*motion.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sample == nil {
		return nil, false
	}
	if s.maxAge > 0 && s.now().Sub(s.sample.Timestamp) > s.maxAge {
		return nil, false
	}
	cp := *s.sample
	return &cp, true
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.sample = nil
	s.mu.Unlock()
}
