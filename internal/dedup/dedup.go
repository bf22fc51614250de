// Package dedup stores processed-message keys so each attested message
// is consumed at most once. The set is append-only: keys are never
// removed by normal operation, and its growth is an accepted cost.
package dedup

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Set is an append-only membership set over 32-byte keys. Add must be
// atomic with itself: exactly one concurrent caller wins a fresh key.
type Set interface {
	// Add marks key as seen and reports true when the key was fresh,
	// false when it had already been marked.
	Add(ctx context.Context, key common.Hash) (bool, error)
	// Seen reports membership without marking.
	Seen(ctx context.Context, key common.Hash) (bool, error)
	Close() error
}

// MemorySet keeps the set in process memory. Single-instance
// deployments without a durability requirement, and tests, use it.
type MemorySet struct {
	mu   sync.Mutex
	keys map[common.Hash]struct{}
}

// NewMemorySet builds an empty in-memory set.
func NewMemorySet() *MemorySet {
	return &MemorySet{keys: make(map[common.Hash]struct{})}
}

func (s *MemorySet) Add(_ context.Context, key common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *MemorySet) Seen(_ context.Context, key common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemorySet) Close() error { return nil }

// Len reports how many keys have been marked.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
