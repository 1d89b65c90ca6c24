// Package featureset accumulates geographic features across repeated
// fetches of overlapping regions, deduplicated by identity.
package featureset

import (
	"sync"

	"github.com/shadowmap/datalayer/internal/model"
)

// DuplicatePolicy controls what happens when a feature arrives whose
// identity is already present.
type DuplicatePolicy int

const (
	// KeepFirst ignores later duplicates. This matches the assumption that
	// building footprints are immutable within a session.
	KeepFirst DuplicatePolicy = iota
	// Overwrite replaces the stored feature in place, keeping its position
	// in insertion order.
	Overwrite
)

// Store is an identity-deduplicated, insertion-ordered feature accumulator.
// Growth is unbounded; the owner is expected to Clear on large viewport
// jumps and can watch Size/EstimatedBytes.
type Store struct {
	mu       sync.RWMutex
	policy   DuplicatePolicy
	index    map[string]int
	features []model.Feature
	bytes    int64
}

func New(policy DuplicatePolicy) *Store {
	return &Store{
		policy: policy,
		index:  make(map[string]int),
	}
}

// Add merges features into the store and returns how many were new.
// Features without a usable identity are dropped: the store cannot
// guarantee dedup for anonymous records, so it refuses to accumulate them.
func (s *Store) Add(features []model.Feature) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, f := range features {
		id, ok := f.ID()
		if !ok {
			continue
		}
		if pos, exists := s.index[id]; exists {
			if s.policy == Overwrite {
				s.bytes += estimateBytes(f) - estimateBytes(s.features[pos])
				s.features[pos] = f
			}
			continue
		}
		s.index[id] = len(s.features)
		s.features = append(s.features, f)
		s.bytes += estimateBytes(f)
		added++
	}
	return added
}

// Snapshot returns the accumulated features in insertion order. The slice
// is a copy; the features themselves are shared.
func (s *Store) Snapshot() []model.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Feature, len(s.features))
	copy(out, s.features)
	return out
}

// Has reports whether a feature with the given identity is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.features)
}

// EstimatedBytes is a rough payload estimate for memory accounting.
func (s *Store) EstimatedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]int)
	s.features = nil
	s.bytes = 0
}

func estimateBytes(f model.Feature) int64 {
	n := int64(len(f.Geometry))
	for k, v := range f.Properties {
		n += int64(len(k)) + 16
		if str, ok := v.(string); ok {
			n += int64(len(str))
		}
	}
	return n
}
