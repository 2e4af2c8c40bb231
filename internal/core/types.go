package core

import (
	"encoding/json"
)

// ItemType classifies what the playback provider reported as currently playing.
type ItemType int

const (
	// ItemTypeUnknown marks a payload the provider could not classify.
	// Unknown items are broadcast but never schedule an advance timer.
	ItemTypeUnknown ItemType = -1
	// ItemTypeTrack represents a regular music track.
	ItemTypeTrack ItemType = 0
	// ItemTypeAd represents an advertisement slot.
	ItemTypeAd ItemType = 1
)

// NowPlayingItem is the session-wide "now playing" snapshot produced each time
// the external track selector advances the queue. Played and PlaytimeSecs are
// assigned exactly once, when the orchestrator consumes the broker event.
type NowPlayingItem struct {
	Type         ItemType        `json:"type"`
	Played       bool            `json:"played"`
	PlaytimeSecs int             `json:"playtime"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// RequestKind identifies the operation a QueueManagerRequest asks for.
type RequestKind int

// RequestKindInit asks the track selector to advance/seed the queue. It is the
// only kind today; the enum exists so new kinds don't change the protocol.
const RequestKindInit RequestKind = 0

// QueueManagerRequest flows viewer→server over the realtime channel and
// server→broker onto the player-request queue. Both hops deliberately share
// this one shape so the contract stays singular.
type QueueManagerRequest struct {
	Kind    RequestKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// QueueManagerResponse wraps the snapshot broadcast to every viewer after an
// advance cycle. One instance per cycle, discarded after broadcast.
type QueueManagerResponse struct {
	Item NowPlayingItem `json:"item"`
}

// HookName derives the multiplexing key used both as the inbound command name
// and the outbound broadcast topic on the shared duplex channel,
// e.g. "HJB.QueueManager".
func HookName(appPrefix, servicePrefix string) string {
	return appPrefix + "." + servicePrefix
}
