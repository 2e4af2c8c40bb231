package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dialTestConn(t *testing.T) (*WSConn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConn := make(chan *WSConn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		conn := NewWSConn(ws, zap.NewNop())
		serverConn <- conn
		conn.Serve(nil)
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to dial: %v", err)
	}

	conn := <-serverConn
	return conn, client, func() {
		_ = client.Close()
		srv.Close()
	}
}

func TestWSConn_InboundFrameDispatchedByHook(t *testing.T) {
	conn, client, cleanup := dialTestConn(t)
	defer cleanup()

	received := make(chan []byte, 1)
	conn.On("HJB.QueueManager", func(payload []byte) {
		received <- payload
	})

	frame, err := json.Marshal(Envelope{Hook: "HJB.QueueManager", Payload: json.RawMessage(`{"kind":0}`)})
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"kind":0}` {
			t.Errorf("Unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handler was not invoked")
	}
}

func TestWSConn_EmitDeliversEnvelope(t *testing.T) {
	conn, client, cleanup := dialTestConn(t)
	defer cleanup()

	conn.Emit("HJB.QueueManager", []byte(`{"item":{"type":0,"played":true,"playtime":5}}`))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}

	var frame Envelope
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if frame.Hook != "HJB.QueueManager" {
		t.Errorf("Expected hook HJB.QueueManager, got %s", frame.Hook)
	}
}

func TestWSConn_MalformedFrameDoesNotKillConnection(t *testing.T) {
	conn, client, cleanup := dialTestConn(t)
	defer cleanup()

	received := make(chan []byte, 1)
	conn.On("HJB.QueueManager", func(payload []byte) {
		received <- payload
	})

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	frame, err := json.Marshal(Envelope{Hook: "HJB.QueueManager", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("Connection should survive a malformed frame")
	}
}

func TestWSConn_UniqueIDs(t *testing.T) {
	a := NewWSConn(nil, zap.NewNop())
	b := NewWSConn(nil, zap.NewNop())
	if a.ID() == b.ID() {
		t.Error("Connection IDs should be unique")
	}
	if a.ID() == "" {
		t.Error("Connection ID should not be empty")
	}
}
