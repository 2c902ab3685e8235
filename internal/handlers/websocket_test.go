package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/interfaces"
	"github.com/ternarybob/harmony/internal/services/events"
)

func dialTestSocket(t *testing.T, h *WebSocketHandler) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(h.WebSocketHandler))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func TestWebSocketHelloAndBroadcast(t *testing.T) {
	h := NewWebSocketHandler(nil, arbor.NewLogger(), nil)
	conn := dialTestSocket(t, h)

	hello := readFrame(t, conn)
	if hello.Type != "hello" {
		t.Fatalf("expected hello frame first, got %q", hello.Type)
	}
	payload, ok := hello.Payload.(map[string]interface{})
	instanceID, _ := payload["serverInstanceId"].(string)
	if !ok || instanceID == "" {
		t.Errorf("hello frame missing server instance ID: %+v", hello.Payload)
	}

	if h.ClientCount() != 1 {
		t.Errorf("expected 1 connected client, got %d", h.ClientCount())
	}

	h.Broadcast(WSMessage{Type: "job_status", Payload: map[string]string{"jobID": "job-1"}})
	msg := readFrame(t, conn)
	if msg.Type != "job_status" {
		t.Errorf("expected job_status frame, got %q", msg.Type)
	}
}

func TestWebSocketStreamsJobEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	h := NewWebSocketHandler(bus, arbor.NewLogger(), nil)
	conn := dialTestSocket(t, h)

	if hello := readFrame(t, conn); hello.Type != "hello" {
		t.Fatalf("expected hello frame first, got %q", hello.Type)
	}

	err := bus.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatusChanged,
		Payload: map[string]string{"jobID": "job-1", "status": "running"},
	})
	if err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != string(interfaces.EventJobStatusChanged) {
		t.Errorf("expected %s frame, got %q", interfaces.EventJobStatusChanged, msg.Type)
	}
}

func TestWebSocketEventWhitelist(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	h := NewWebSocketHandler(bus, arbor.NewLogger(), &common.WebSocketConfig{
		AllowedEvents: []string{string(interfaces.EventJobStatusChanged)},
	})
	conn := dialTestSocket(t, h)

	if hello := readFrame(t, conn); hello.Type != "hello" {
		t.Fatalf("expected hello frame first, got %q", hello.Type)
	}

	// The progress event is filtered; only the status event reaches the wire.
	ctx := context.Background()
	if err := bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobProgress, Payload: 50}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}
	if err := bus.PublishSync(ctx, interfaces.Event{Type: interfaces.EventJobStatusChanged, Payload: "done"}); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != string(interfaces.EventJobStatusChanged) {
		t.Errorf("expected filtered stream to deliver job_status, got %q", msg.Type)
	}
}
