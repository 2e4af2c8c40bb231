// Package store provides redelivery deduplication for at-least-once broker
// consumers, using a Bloom filter fast path in front of an LRU-bounded set.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenStore remembers recently consumed message IDs so a redelivered message
// can be dropped instead of advancing the queue twice.
type SeenStore struct {
	ids               map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.Mutex
	maxEntries        int
	falsePositiveRate float64
}

// NewSeenStore creates a store bounded to maxEntries message IDs with the
// given Bloom false positive rate.
func NewSeenStore(maxEntries int, falsePositiveRate float64) *SeenStore {
	lruCache, _ := lru.New[string, struct{}](maxEntries)

	if maxEntries < 0 {
		panic("maxEntries must be non-negative")
	}

	return &SeenStore{
		ids:               make(map[string]struct{}),
		bloom:             bloom.NewWithEstimates(uint(maxEntries), falsePositiveRate),
		lru:               lruCache,
		maxEntries:        maxEntries,
		falsePositiveRate: falsePositiveRate,
	}
}

// FirstSeen records the message ID and reports whether this is the first time
// it was observed. Redeliveries return false. Messages without an ID cannot
// be deduplicated and are always treated as first deliveries.
func (s *SeenStore) FirstSeen(id string) bool {
	if id == "" {
		return true
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.bloom.TestString(id) {
		if _, exists := s.ids[id]; exists {
			return false
		}
	}

	s.ids[id] = struct{}{}
	s.bloom.AddString(id)
	s.lru.Add(id, struct{}{})

	if len(s.ids) > s.maxEntries {
		s.evictOldest()
	}

	return true
}

// Size returns the number of message IDs currently remembered.
func (s *SeenStore) Size() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.ids)
}

// Clear forgets all remembered message IDs.
func (s *SeenStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ids = make(map[string]struct{})
	s.bloom = bloom.NewWithEstimates(uint(s.maxEntries), s.falsePositiveRate)
	s.lru.Purge()
}

func (s *SeenStore) evictOldest() {
	oldestKey, _, ok := s.lru.GetOldest()
	if !ok {
		return
	}

	delete(s.ids, oldestKey)
	s.lru.Remove(oldestKey)
}
