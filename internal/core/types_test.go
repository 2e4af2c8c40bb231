package core

import (
	"encoding/json"
	"testing"
)

func TestNowPlayingItem_RoundTrip(t *testing.T) {
	item := NowPlayingItem{
		Type:         ItemTypeTrack,
		Played:       true,
		PlaytimeSecs: 12,
		Payload:      json.RawMessage(`{"title":"some song"}`),
	}

	body, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Failed to marshal item: %v", err)
	}

	var decoded NowPlayingItem
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal item: %v", err)
	}

	if decoded.Type != ItemTypeTrack {
		t.Errorf("Expected type %d, got %d", ItemTypeTrack, decoded.Type)
	}
	if !decoded.Played {
		t.Error("Played flag should survive the round trip")
	}
	if decoded.PlaytimeSecs != 12 {
		t.Errorf("Expected playtime 12, got %d", decoded.PlaytimeSecs)
	}
	if string(decoded.Payload) != `{"title":"some song"}` {
		t.Errorf("Payload changed in transit: %s", decoded.Payload)
	}
}

func TestNowPlayingItem_ZeroValueIsUnplayed(t *testing.T) {
	var item NowPlayingItem
	if item.Played {
		t.Error("Zero value should be unplayed")
	}
	if item.PlaytimeSecs != 0 {
		t.Error("Zero value should have no playtime")
	}
}

func TestItemType_Values(t *testing.T) {
	if ItemTypeUnknown != -1 {
		t.Errorf("Expected unknown type -1, got %d", ItemTypeUnknown)
	}
	if ItemTypeTrack != 0 {
		t.Errorf("Expected track type 0, got %d", ItemTypeTrack)
	}
	if ItemTypeAd != 1 {
		t.Errorf("Expected ad type 1, got %d", ItemTypeAd)
	}
}

func TestQueueManagerRequest_InitEncoding(t *testing.T) {
	req := QueueManagerRequest{Kind: RequestKindInit, Payload: json.RawMessage(`{}`)}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var decoded QueueManagerRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal request: %v", err)
	}
	if decoded.Kind != RequestKindInit {
		t.Errorf("Expected init kind, got %d", decoded.Kind)
	}
}

func TestHookName(t *testing.T) {
	if got := HookName("HJB", "QueueManager"); got != "HJB.QueueManager" {
		t.Errorf("Expected HJB.QueueManager, got %s", got)
	}
	// Deterministic: same inputs always yield the same hook
	if HookName("HJB", "QueueManager") != HookName("HJB", "QueueManager") {
		t.Error("Hook names must be deterministic")
	}
	if HookName("A", "B") == HookName("B", "A") {
		t.Error("Hook names must distinguish app and service prefixes")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.App.Prefix != "HJB" {
		t.Errorf("Expected app prefix HJB, got %s", config.App.Prefix)
	}
	if config.Queue.ServicePrefix != "QueueManager" {
		t.Errorf("Expected service prefix QueueManager, got %s", config.Queue.ServicePrefix)
	}
	if config.Queue.MinPlaytimeSecs != 5 || config.Queue.MaxPlaytimeSecs != 15 {
		t.Errorf("Expected playtime bounds [5,15], got [%d,%d]",
			config.Queue.MinPlaytimeSecs, config.Queue.MaxPlaytimeSecs)
	}
	if config.Queue.MinPlaytimeSecs > config.Queue.MaxPlaytimeSecs {
		t.Error("Minimum playtime must not exceed maximum")
	}
}
