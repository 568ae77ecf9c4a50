package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestHubSendsConnectionAckOnMatchedPath(t *testing.T) {
	h := New("test", `^/test/VCP_Key=(.+)$`, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "/test/VCP_Key=secret")
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connection_ack: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "connection_ack" {
		t.Fatalf("expected connection_ack, got %q", frame.Type)
	}
}

func TestHubRejectsUnmatchedPath(t *testing.T) {
	h := New("test", `^/test/VCP_Key=(.+)$`, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wrong/path")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unmatched path, got %d", resp.StatusCode)
	}
}

func TestHubBroadcastReachesOtherSubscribers(t *testing.T) {
	h := NewLogChannel(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := dial(t, srv, "/VCPlog/VCP_Key=k")
	defer a.Close()
	b := dial(t, srv, "/VCPlog/VCP_Key=k")
	defer b.Close()

	// drain connection_ack frames
	_, _, _ = a.ReadMessage()
	_, _, _ = b.ReadMessage()

	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "log" {
		t.Fatalf("expected log frame, got %q", frame.Type)
	}
}
