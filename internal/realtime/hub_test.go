package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap"

	"crowdjuke/internal/core"
	"crowdjuke/internal/flood"
)

// fakeConn records emitted frames and lets tests inject inbound payloads.
type fakeConn struct {
	id       string
	mutex    sync.Mutex
	emitted  []emittedFrame
	handlers map[string]func([]byte)
}

type emittedFrame struct {
	hook    string
	payload []byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, handlers: make(map[string]func([]byte))}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) On(hook string, handler func(payload []byte)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handlers[hook] = handler
}

func (c *fakeConn) Emit(hook string, payload []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.emitted = append(c.emitted, emittedFrame{hook: hook, payload: payload})
}

func (c *fakeConn) inject(hook string, payload []byte) {
	c.mutex.Lock()
	handler := c.handlers[hook]
	c.mutex.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (c *fakeConn) frames() []emittedFrame {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]emittedFrame, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// fakeSink records forwarded queue manager requests.
type fakeSink struct {
	mutex    sync.Mutex
	requests []core.QueueManagerRequest
}

func (s *fakeSink) TriggerAdvance(_ context.Context, req core.QueueManagerRequest) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *fakeSink) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.requests)
}

// fakeAdapter is an in-memory pub/sub shared between hubs, echoing
// publishes to every subscriber including the publisher.
type fakeAdapter struct {
	mutex    sync.Mutex
	handlers map[string][]func([]byte)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handlers: make(map[string][]func([]byte))}
}

func (a *fakeAdapter) Publish(_ context.Context, channel string, payload []byte) error {
	a.mutex.Lock()
	handlers := append([]func([]byte){}, a.handlers[channel]...)
	a.mutex.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (a *fakeAdapter) Subscribe(_ context.Context, channel string, handler func(payload []byte)) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.handlers[channel] = append(a.handlers[channel], handler)
	return nil
}

func (a *fakeAdapter) Close() error { return nil }

func testConfig() *core.Config {
	return core.DefaultConfig()
}

func TestHub_BroadcastReachesAllViewers(t *testing.T) {
	hub := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())

	conn1 := newFakeConn("c1")
	conn2 := newFakeConn("c2")
	hub.Register(conn1)
	hub.Register(conn2)

	payload := []byte(`{"item":{"type":0,"played":true,"playtime":7}}`)
	hub.Broadcast("HJB.QueueManager", payload)

	for _, conn := range []*fakeConn{conn1, conn2} {
		frames := conn.frames()
		if len(frames) != 1 {
			t.Fatalf("Expected 1 frame on %s, got %d", conn.ID(), len(frames))
		}
		if frames[0].hook != "HJB.QueueManager" {
			t.Errorf("Expected hook HJB.QueueManager, got %s", frames[0].hook)
		}
		if string(frames[0].payload) != string(payload) {
			t.Errorf("Payload changed in transit: %s", frames[0].payload)
		}
	}
}

func TestHub_UnregisteredViewerMissesBroadcast(t *testing.T) {
	hub := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())

	conn := newFakeConn("c1")
	hub.Register(conn)
	hub.Unregister(conn)

	hub.Broadcast("HJB.QueueManager", []byte(`{}`))

	if len(conn.frames()) != 0 {
		t.Error("Unregistered viewer should not receive broadcasts")
	}
}

func TestHub_ViewerRequestForwardedToSink(t *testing.T) {
	sink := &fakeSink{}
	hub := NewHub(testConfig(), sink, nil, zap.NewNop())

	conn := newFakeConn("c1")
	hub.Register(conn)

	req := core.QueueManagerRequest{Kind: core.RequestKindInit, Payload: json.RawMessage(`{}`)}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	conn.inject("HJB.QueueManager", body)

	if sink.count() != 1 {
		t.Fatalf("Expected 1 forwarded request, got %d", sink.count())
	}
	if sink.requests[0].Kind != core.RequestKindInit {
		t.Errorf("Expected init kind, got %d", sink.requests[0].Kind)
	}
}

func TestHub_MalformedViewerRequestDropped(t *testing.T) {
	sink := &fakeSink{}
	hub := NewHub(testConfig(), sink, nil, zap.NewNop())

	conn := newFakeConn("c1")
	hub.Register(conn)

	conn.inject("HJB.QueueManager", []byte(`{not json`))

	if sink.count() != 0 {
		t.Errorf("Malformed request should be dropped, got %d forwarded", sink.count())
	}
}

func TestHub_FloodgateBlocksExcessRequests(t *testing.T) {
	sink := &fakeSink{}
	gate := flood.New(2)
	defer gate.Stop()
	hub := NewHub(testConfig(), sink, gate, zap.NewNop())

	conn := newFakeConn("c1")
	hub.Register(conn)

	body := []byte(`{"kind":0,"payload":{}}`)
	for i := 0; i < 5; i++ {
		conn.inject("HJB.QueueManager", body)
	}

	if sink.count() != 2 {
		t.Errorf("Expected 2 forwarded requests under limit 2, got %d", sink.count())
	}
}

func TestHub_AdapterFansOutAcrossInstances(t *testing.T) {
	adapter := newFakeAdapter()
	ctx := context.Background()

	hubA := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())
	hubB := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())

	if err := hubA.UseAdapter(ctx, adapter); err != nil {
		t.Fatalf("Failed to attach adapter to hubA: %v", err)
	}
	if err := hubB.UseAdapter(ctx, adapter); err != nil {
		t.Fatalf("Failed to attach adapter to hubB: %v", err)
	}

	connA := newFakeConn("a1")
	connB := newFakeConn("b1")
	hubA.Register(connA)
	hubB.Register(connB)

	payload := []byte(`{"item":{"type":0,"played":true,"playtime":5}}`)
	hubA.Broadcast("HJB.QueueManager", payload)

	// Both the publishing instance's viewer and the remote instance's
	// viewer observe exactly one copy.
	for _, conn := range []*fakeConn{connA, connB} {
		frames := conn.frames()
		if len(frames) != 1 {
			t.Fatalf("Expected 1 frame on %s, got %d", conn.ID(), len(frames))
		}
		if string(frames[0].payload) != string(payload) {
			t.Errorf("Payload changed in transit on %s", conn.ID())
		}
	}
}

func TestHub_BroadcastWithoutAdapterStaysLocal(t *testing.T) {
	hubA := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())
	hubB := NewHub(testConfig(), &fakeSink{}, nil, zap.NewNop())

	connA := newFakeConn("a1")
	connB := newFakeConn("b1")
	hubA.Register(connA)
	hubB.Register(connB)

	hubA.Broadcast("HJB.QueueManager", []byte(`{}`))

	if len(connA.frames()) != 1 {
		t.Error("Local viewer should receive the broadcast")
	}
	if len(connB.frames()) != 0 {
		t.Error("Viewer on an unconnected instance should not receive the broadcast")
	}
}

func TestHub_RegisterHooksIgnoresOtherHooks(t *testing.T) {
	sink := &fakeSink{}
	hub := NewHub(testConfig(), sink, nil, zap.NewNop())

	conn := newFakeConn("c1")
	hub.Register(conn)

	conn.inject("HJB.SomethingElse", []byte(`{"kind":0}`))

	if sink.count() != 0 {
		t.Error("Requests on unbound hooks should not reach the sink")
	}
}
