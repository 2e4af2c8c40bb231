// Package flood rate-limits viewer-originated queue requests so a single
// connection cannot monopolize playlist advancement.
package flood

import (
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window for the per-viewer limit
	windowDuration = 60 * time.Second
	// cleanupInterval is how often expired viewer entries are swept
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long a viewer stays tracked after its last request
	idleTimeout = 10 * time.Minute
)

// Floodgate enforces a per-viewer, per-hook request limit over a sliding
// one-minute window.
type Floodgate struct {
	limitPerMinute int
	entries        map[string]*viewerEntry // key: "hook:viewerID"
	mutex          sync.RWMutex
	stopCleanup    chan struct{}
}

type viewerEntry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a Floodgate allowing limitPerMinute requests per viewer per
// hook. A background sweeper evicts viewers idle past the timeout.
func New(limitPerMinute int) *Floodgate {
	fg := &Floodgate{
		limitPerMinute: limitPerMinute,
		entries:        make(map[string]*viewerEntry),
		stopCleanup:    make(chan struct{}),
	}

	go fg.cleanup()

	return fg
}

// Stop terminates the background sweeper.
func (fg *Floodgate) Stop() {
	close(fg.stopCleanup)
}

// CheckRequest reports whether a request from the viewer on the given hook
// is within the limit. Allowed requests count against the window.
func (fg *Floodgate) CheckRequest(hook, viewerID string) bool {
	key := hook + ":" + viewerID
	now := time.Now()

	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	entry, exists := fg.entries[key]
	if !exists {
		entry = &viewerEntry{
			timestamps: make([]time.Time, 0, fg.limitPerMinute+1),
		}
		fg.entries[key] = entry
	}

	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	validTimestamps := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			validTimestamps = append(validTimestamps, ts)
		}
	}
	entry.timestamps = validTimestamps

	if len(entry.timestamps) >= fg.limitPerMinute {
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	return true
}

func (fg *Floodgate) cleanup() {
	fg.performCleanup()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fg.performCleanup()
		case <-fg.stopCleanup:
			return
		}
	}
}

func (fg *Floodgate) performCleanup() {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range fg.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(fg.entries, key)
		}
	}
}

// Stats is a point-in-time snapshot of the floodgate counters.
type Stats struct {
	ActiveViewers  int `json:"active_viewers"`
	LimitPerMinute int `json:"limit_per_minute"`
	WindowSeconds  int `json:"window_seconds"`
}

// GetStats snapshots the current floodgate state for diagnostics.
func (fg *Floodgate) GetStats() Stats {
	fg.mutex.RLock()
	defer fg.mutex.RUnlock()

	return Stats{
		ActiveViewers:  len(fg.entries),
		LimitPerMinute: fg.limitPerMinute,
		WindowSeconds:  int(windowDuration.Seconds()),
	}
}
