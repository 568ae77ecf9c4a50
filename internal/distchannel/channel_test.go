package distchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolbridge/core/internal/coreerr"
)

func newTestChannel(t *testing.T) (*Channel, *websocket.Conn, func()) {
	t.Helper()
	ch := New(nil)
	srv := httptest.NewServer(ch)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vcp-distributed-server/VCP_Key=test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	// drain the connection_ack
	_, _, _ = conn.ReadMessage()

	cleanup := func() {
		conn.Close()
		srv.Close()
	}
	return ch, conn, cleanup
}

func waitForSession(t *testing.T, ch *Channel) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ids := ch.SessionIDs()
		if len(ids) == 1 {
			return ids[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no session registered in time")
	return ""
}

func TestConnectionAckSentOnUpgrade(t *testing.T) {
	ch := New(nil)
	srv := httptest.NewServer(ch)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vcp-distributed-server/VCP_Key=test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "connection_ack" {
		t.Errorf("Type = %q, want connection_ack", frame.Type)
	}
}

func TestExecuteSuccessRoundTrip(t *testing.T) {
	ch, conn, cleanup := newTestChannel(t)
	defer cleanup()
	sessID := waitForSession(t, ch)

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		_ = json.Unmarshal(data, &frame)
		if frame.Type != "execute_tool" {
			return
		}
		var exec struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(frame.Data, &exec)

		result, _ := json.Marshal(struct {
			RequestID string `json:"requestId"`
			Status    string `json:"status"`
			Result    string `json:"result"`
		}{RequestID: exec.RequestID, Status: "success", Result: "42"})
		resp, _ := json.Marshal(Frame{Type: "tool_result", Data: result})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
	}()

	res, err := ch.Execute(context.Background(), sessID, "Sum", map[string]string{"a": "1"}, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `"42"` {
		t.Errorf("result = %s, want \"42\"", res)
	}
}

func TestExecuteTimeoutFreesPendingRecord(t *testing.T) {
	ch, _, cleanup := newTestChannel(t)
	defer cleanup()
	sessID := waitForSession(t, ch)

	_, err := ch.Execute(context.Background(), sessID, "Slow", nil, 50*time.Millisecond)
	if !coreerr.Is(err, coreerr.KindDistributedTimeout) {
		t.Fatalf("expected distributed-timeout, got %v", err)
	}
	if n := ch.PendingCount(sessID); n != 0 {
		t.Errorf("PendingCount after timeout = %d, want 0", n)
	}
}

func TestExecuteUnknownSession(t *testing.T) {
	ch := New(nil)
	_, err := ch.Execute(context.Background(), "ghost", "Sum", nil, time.Second)
	if !coreerr.Is(err, coreerr.KindDistributedConnection) {
		t.Fatalf("expected distributed-connection-error, got %v", err)
	}
}

func TestDisconnectRejectsPendingAndDropsSession(t *testing.T) {
	ch, conn, cleanup := newTestChannel(t)
	sessID := waitForSession(t, ch)

	execErrCh := make(chan error, 1)
	go func() {
		_, err := ch.Execute(context.Background(), sessID, "Sum", nil, 2*time.Second)
		execErrCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()
	cleanup()

	select {
	case err := <-execErrCh:
		if !coreerr.Is(err, coreerr.KindDistributedConnection) {
			t.Fatalf("expected distributed-connection-error after disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after session disconnect")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.SessionIDs()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not removed after disconnect")
}

func TestServeHTTPRejectsUnmatchedPath(t *testing.T) {
	ch := New(nil)
	srv := httptest.NewServer(ch)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wrong/path")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServeHTTPRejectsWrongSharedKey(t *testing.T) {
	ch := New(nil)
	ch.SetSharedKey("correct-key")
	srv := httptest.NewServer(ch)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/vcp-distributed-server/VCP_Key=wrong-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServeHTTPAcceptsMatchingSharedKey(t *testing.T) {
	ch := New(nil)
	ch.SetSharedKey("correct-key")
	srv := httptest.NewServer(ch)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vcp-distributed-server/VCP_Key=correct-key"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read connection_ack: %v", err)
	}
}

func TestFetchFileSuccessRoundTrip(t *testing.T) {
	ch, conn, cleanup := newTestChannel(t)
	defer cleanup()
	sessID := waitForSession(t, ch)

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		_ = json.Unmarshal(data, &frame)
		if frame.Type != "fetch_file" {
			return
		}
		var req struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(frame.Data, &req)

		result, _ := json.Marshal(fileResultData{
			RequestID: req.RequestID,
			Status:    "success",
			Content:   "aGVsbG8=",
			Mime:      "text/plain",
		})
		resp, _ := json.Marshal(Frame{Type: "file_result", Data: result})
		_ = conn.WriteMessage(websocket.TextMessage, resp)
	}()

	res, err := ch.FetchFile(context.Background(), sessID, "/remote/hello.txt", time.Second)
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if res.Content != "aGVsbG8=" || res.Mime != "text/plain" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestFetchFileTimeoutFreesPendingRecord(t *testing.T) {
	ch, _, cleanup := newTestChannel(t)
	defer cleanup()
	sessID := waitForSession(t, ch)

	_, err := ch.FetchFile(context.Background(), sessID, "/remote/slow.txt", 50*time.Millisecond)
	if !coreerr.Is(err, coreerr.KindDistributedTimeout) {
		t.Fatalf("expected distributed-timeout, got %v", err)
	}
	if n := ch.PendingCount(sessID); n != 0 {
		t.Errorf("PendingCount after timeout = %d, want 0", n)
	}
}

func TestRegisterToolsEmitsEventAndAck(t *testing.T) {
	ch, conn, cleanup := newTestChannel(t)
	defer cleanup()
	waitForSession(t, ch)
	<-ch.Events() // drain server_connected

	tools, _ := json.Marshal(struct {
		Tools []json.RawMessage `json:"tools"`
	}{Tools: []json.RawMessage{[]byte(`{"name":"Sum"}`)}})
	frame, _ := json.Marshal(Frame{Type: "register_tools", Data: tools})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case ev := <-ch.Events():
		if ev.Kind != EventToolsRegistered {
			t.Fatalf("Kind = %v, want tools_registered", ev.Kind)
		}
		if len(ev.Tools) != 1 {
			t.Fatalf("expected 1 tool in event, got %d", len(ev.Tools))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tools_registered event")
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read register_ack: %v", err)
	}
	var ack Frame
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal register_ack: %v", err)
	}
	if ack.Type != "register_ack" {
		t.Errorf("Type = %q, want register_ack", ack.Type)
	}
}
