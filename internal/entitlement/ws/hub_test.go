package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"strideBack/internal/models"
)

type testLogger struct{}

func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Errorf(string, ...interface{}) {}

type fixedState struct{ state models.EntitlementState }

func (f fixedState) State() models.EntitlementState { return f.state }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestHubSendsCurrentStateOnConnect(t *testing.T) {
	hub := NewHub(fixedState{state: models.EntitlementState{Status: models.EntitlementStatusNotSubscribed}}, testLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	ev := readEvent(t, conn)
	if ev.Type != "entitlement" || ev.State.Status != models.EntitlementStatusNotSubscribed {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubBroadcastsSnapshots(t *testing.T) {
	hub := NewHub(fixedState{state: models.UnknownEntitlement()}, testLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)
	readEvent(t, a)
	readEvent(t, b)

	deadline := time.Now().Add(time.Second)
	for hub.Count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := make(chan models.EntitlementState, 1)
	go hub.Run(ctx, states)
	states <- models.EntitlementState{Status: models.EntitlementStatusSubscribed, IsSubscribed: true}

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		if !ev.State.IsSubscribed {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestHubAnswersPing(t *testing.T) {
	hub := NewHub(fixedState{state: models.UnknownEntitlement()}, testLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	readEvent(t, conn)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "pong" {
		t.Fatalf("expected pong, got %q (%v)", msg, err)
	}
}
