package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lexrelay/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testPair upgrades an in-process WebSocket and returns the server-side
// wrapper plus the raw client connection.
func testPair(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		serverSide <- NewConnection(conn, 100, 5*time.Second)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	conn := <-serverSide
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func TestNewConnectionInitialization(t *testing.T) {
	conn, _ := testPair(t)

	if conn.HandleID() == "" {
		t.Error("Expected a generated handle ID")
	}
	if cap(conn.writeCh) != 100 {
		t.Errorf("Expected write channel buffer of 100, got %d", cap(conn.writeCh))
	}
	if conn.IsAuthenticated() {
		t.Error("New connection should not be authenticated")
	}
}

func TestSetUser(t *testing.T) {
	conn, _ := testPair(t)

	conn.SetUser("attorney-42")

	if !conn.IsAuthenticated() {
		t.Error("Connection should be authenticated after SetUser")
	}
	if conn.GetUserID() != "attorney-42" {
		t.Errorf("Expected userID 'attorney-42', got '%s'", conn.GetUserID())
	}
}

func TestWriteEventReachesClient(t *testing.T) {
	conn, client := testPair(t)

	err := conn.WriteEvent(types.EventSystemNotice, map[string]interface{}{
		"message": "maintenance at noon",
	})
	if err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Client read failed: %v", err)
	}

	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if envelope.Event != types.EventSystemNotice {
		t.Errorf("Expected event %s, got %s", types.EventSystemNotice, envelope.Event)
	}
	if envelope.Data["message"] != "maintenance at noon" {
		t.Errorf("Unexpected payload: %v", envelope.Data)
	}
}

func TestWriteJSONInvalidData(t *testing.T) {
	conn, _ := testPair(t)

	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	conn, _ := testPair(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op.
	if err := conn.Close(); err != nil {
		t.Errorf("Second close should be nil, got %v", err)
	}

	if err := conn.WriteEvent(types.EventError, nil); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Error("Done channel should be closed after Close")
	}
}

func TestWriteAfterWriterExit(t *testing.T) {
	conn, client := testPair(t)

	// Sever the transport underneath the writer, then queue a frame so
	// the writer hits the socket error and exits.
	client.Close()
	conn.conn.UnderlyingConn().Close()
	if err := conn.WriteEvent(types.EventSystemNotice, map[string]interface{}{
		"message": "maintenance at noon",
	}); err != nil && err != ErrConnectionClosed {
		t.Fatalf("Queueing write failed unexpectedly: %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Writer exit should close the connection")
	}

	// A broadcast landing after the writer died must fail cleanly, not
	// panic on the write channel.
	if err := conn.WriteEvent(types.EventSystemNotice, map[string]interface{}{
		"message": "late frame",
	}); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed after writer exit, got %v", err)
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	conn, _ := testPair(t)

	before := conn.LastActive()
	time.Sleep(10 * time.Millisecond)
	conn.Touch()

	if !conn.LastActive().After(before) {
		t.Error("Touch should advance LastActive")
	}
}
