package ogs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// echoServer implements just enough of the server's wire protocol: it
// acks authenticate calls and answers "hello" events with a "greeting"
// event.
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch gjson.GetBytes(msg, "event").String() {
			case "authenticate":
				_ = conn.WriteJSON(map[string]any{
					"ack":  gjson.GetBytes(msg, "id").Int(),
					"data": map[string]any{"id": 5, "username": "testbot"},
				})
			case "hello":
				_ = conn.WriteJSON(map[string]any{
					"event": "greeting",
					"data":  map[string]any{"msg": "hi"},
				})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T) *Socket {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Dial(ctx, echoServer(t), log)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSocketCallRoundTrip(t *testing.T) {
	s := dialTest(t)

	connected := make(chan struct{})
	s.Handle("connect", func([]byte) { close(connected) })
	go func() { _ = s.Run() }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect event never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := s.Call(ctx, "authenticate", map[string]any{"bot_username": "testbot"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if id := gjson.GetBytes(data, "id").Int(); id != 5 {
		t.Errorf("ack id = %d, want 5", id)
	}
	if name := gjson.GetBytes(data, "username").String(); name != "testbot" {
		t.Errorf("ack username = %q", name)
	}
}

func TestSocketEventDispatch(t *testing.T) {
	s := dialTest(t)

	got := make(chan []byte, 1)
	s.Handle("greeting", func(data []byte) { got <- data })
	go func() { _ = s.Run() }()

	if err := s.Emit("hello", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case data := <-got:
		if msg := gjson.GetBytes(data, "msg").String(); msg != "hi" {
			t.Errorf("greeting data = %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("greeting never dispatched")
	}
}

func TestSocketCloseFailsPendingCalls(t *testing.T) {
	s := dialTest(t)

	disconnected := make(chan struct{})
	s.Handle("disconnect", func([]byte) { close(disconnected) })
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run() }()

	// "ignored" is never acked by the server; the call parks until Close.
	callErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := s.Call(ctx, "ignored", nil)
		callErr <- err
	}()

	time.Sleep(100 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-callErr:
		if err != ErrSocketClosed {
			t.Errorf("pending call err = %v, want ErrSocketClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never failed")
	}
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect event never fired")
	}
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned")
	}
}

func TestSocketEmitAfterClose(t *testing.T) {
	s := dialTest(t)
	_ = s.Close()
	if err := s.Emit("hello", nil); err != ErrSocketClosed {
		t.Errorf("Emit after Close: err = %v, want ErrSocketClosed", err)
	}
}
