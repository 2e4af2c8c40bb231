package store

import (
	"fmt"
	"testing"
)

func TestSeenStore_FirstSeen(t *testing.T) {
	store := NewSeenStore(100, 0.001)

	if store.Size() != 0 {
		t.Errorf("Empty store size should be 0, got %d", store.Size())
	}

	if !store.FirstSeen("msg1") {
		t.Error("First observation of msg1 should report true")
	}

	if store.FirstSeen("msg1") {
		t.Error("Redelivery of msg1 should report false")
	}

	if store.Size() != 1 {
		t.Errorf("Store size should be 1, got %d", store.Size())
	}

	if !store.FirstSeen("msg2") || !store.FirstSeen("msg3") {
		t.Error("Distinct message IDs should each report true once")
	}

	if store.Size() != 3 {
		t.Errorf("Store size should be 3, got %d", store.Size())
	}
}

func TestSeenStore_EmptyID(t *testing.T) {
	store := NewSeenStore(100, 0.001)

	// IDs can be absent on some transports; those messages are never deduped.
	if !store.FirstSeen("") || !store.FirstSeen("") {
		t.Error("Empty IDs should always be treated as first deliveries")
	}

	if store.Size() != 0 {
		t.Errorf("Empty IDs should not be stored, size is %d", store.Size())
	}
}

func TestSeenStore_Clear(t *testing.T) {
	store := NewSeenStore(100, 0.001)

	for i := 0; i < 3; i++ {
		store.FirstSeen(fmt.Sprintf("msg%d", i))
	}

	store.Clear()

	if store.Size() != 0 {
		t.Errorf("Store size should be 0 after clear, got %d", store.Size())
	}

	if !store.FirstSeen("msg0") {
		t.Error("Cleared IDs should be first deliveries again")
	}
}

func TestSeenStore_MaxCapacity(t *testing.T) {
	maxEntries := 5
	store := NewSeenStore(maxEntries, 0.001)

	for i := 0; i < maxEntries+3; i++ {
		store.FirstSeen(fmt.Sprintf("msg%d", i))
	}

	if store.Size() > maxEntries {
		t.Errorf("Store size should not exceed %d, got %d", maxEntries, store.Size())
	}

	// The most recently observed IDs must still be deduplicated.
	for _, id := range []string{"msg5", "msg6", "msg7"} {
		if store.FirstSeen(id) {
			t.Errorf("Recent ID %s should still be remembered", id)
		}
	}
}

func TestSeenStore_FalsePositiveRate(t *testing.T) {
	store := NewSeenStore(1000, 0.001)

	numIDs := 500
	for i := 0; i < numIDs; i++ {
		store.FirstSeen(fmt.Sprintf("msg_%d", i))
	}

	// Unseen IDs must almost always pass through as first deliveries.
	blocked := 0
	testCount := 1000
	for i := 0; i < testCount; i++ {
		if !store.FirstSeen(fmt.Sprintf("fresh_%d", i)) {
			blocked++
		}
	}

	rate := float64(blocked) / float64(testCount)
	if rate > 0.01 {
		t.Errorf("False redelivery rate too high: %f (expected < 0.01)", rate)
	}
}

func BenchmarkSeenStore_FirstSeen(b *testing.B) {
	store := NewSeenStore(10000, 0.001)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.FirstSeen(fmt.Sprintf("msg_%d", i))
	}
}
