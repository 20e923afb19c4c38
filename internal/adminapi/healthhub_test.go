package adminapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHealthStreamBroadcastsSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.StreamHealth(ctx, 20*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/healthz/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := msg["state"]; !ok {
		t.Fatalf("expected a state field in broadcast message, got %+v", msg)
	}
}

func TestHealthStreamRejectsWrongToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/healthz/stream?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail with a wrong token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
