package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// newTestServer runs handler for each websocket connection and returns
// the ws:// base URL.
func newTestServer(t *testing.T, handler func(path string, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(r.URL.Path, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestDialAddressesLanguagePath(t *testing.T) {
	paths := make(chan string, 1)
	base := newTestServer(t, func(path string, conn *websocket.Conn) {
		paths <- path
		conn.ReadMessage()
	})

	c, err := Dial(context.Background(), base+"/stream", "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case p := <-paths:
		if p != "/stream/en-US" {
			t.Errorf("expected path /stream/en-US, got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no connection")
	}
}

func TestDialRequiresLanguage(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://localhost:1", "", Options{}); err == nil {
		t.Fatal("expected error for empty language")
	}
}

func TestEventOrderPreserved(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"oops"}`))
		conn.ReadMessage()
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ev := recvEvent(t, c)
	if ev.Kind != KindTranscript || ev.Text != "hello" {
		t.Fatalf("expected transcript \"hello\" first, got %v %q", ev.Kind, ev.Text)
	}
	ev = recvEvent(t, c)
	if ev.Kind != KindError || ev.Message != "oops" {
		t.Fatalf("expected error \"oops\" second, got %v %q", ev.Kind, ev.Message)
	}

	// An advisory error does not end the connection.
	if err := c.Send(make([]byte, 8)); err != nil {
		t.Fatalf("send after advisory error: %v", err)
	}
}

func TestMalformedMessageIsAdvisory(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"still here"}`))
		conn.ReadMessage()
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ev := recvEvent(t, c)
	if ev.Kind != KindProtocol {
		t.Fatalf("expected protocol event, got %v", ev.Kind)
	}
	ev = recvEvent(t, c)
	if ev.Kind != KindTranscript || ev.Text != "still here" {
		t.Fatalf("connection should stay open after protocol error, got %v %q", ev.Kind, ev.Text)
	}
}

func TestFramesReachPeerAsBinary(t *testing.T) {
	type msg struct {
		mt   int
		data []byte
	}
	received := make(chan msg, 1)
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- msg{mt, data}
		conn.ReadMessage()
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	if err := c.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-received:
		if m.mt != websocket.BinaryMessage {
			t.Errorf("expected binary message, got type %d", m.mt)
		}
		if string(m.data) != string(frame) {
			t.Errorf("frame bytes mismatch: %v", m.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestLocalCloseDeliversClosedOnce(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	ev := recvEvent(t, c)
	if ev.Kind != KindClosed {
		t.Fatalf("expected closed event, got %v", ev.Kind)
	}
	if ev.Err != nil {
		t.Errorf("local close should not carry an error, got %v", ev.Err)
	}

	if _, ok := <-c.Events(); ok {
		t.Fatal("expected events channel to close after closed event")
	}
}

func TestPeerCloseIsClean(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ev := recvEvent(t, c)
	if ev.Kind != KindClosed {
		t.Fatalf("expected closed event, got %v", ev.Kind)
	}
	if ev.Err != nil {
		t.Errorf("normal peer close should not carry an error, got %v", ev.Err)
	}
}

func TestAbruptPeerDropCarriesError(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		conn.Close()
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ev := recvEvent(t, c)
	if ev.Kind != KindClosed {
		t.Fatalf("expected closed event, got %v", ev.Kind)
	}
	if ev.Err == nil {
		t.Error("abrupt drop should carry the causal error")
	}
}

func TestCloseWithAbandonedConsumerEndsEventStream(t *testing.T) {
	base := newTestServer(t, func(_ string, conn *websocket.Conn) {
		for i := 0; i < 40; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"backlog"}`)); err != nil {
				return
			}
		}
		conn.ReadMessage()
	})

	c, err := Dial(context.Background(), base, "en-US", Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Let the inbound buffer fill while nothing reads events.
	deadline := time.Now().Add(2 * time.Second)
	for len(c.events) < cap(c.events) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.events) < cap(c.events) {
		t.Fatal("inbound buffer never filled")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The read loop must finish and close the channel even though its
	// final event has nowhere to go.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel never closed")
		}
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	c := &Client{
		sendQ: make(chan []byte, 1),
		done:  make(chan struct{}),
	}

	if err := c.Send([]byte{1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send([]byte{2}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if c.Dropped() != 1 {
		t.Errorf("expected 1 dropped frame, got %d", c.Dropped())
	}
}

func TestSendAfterClose(t *testing.T) {
	c := &Client{
		sendQ: make(chan []byte, 1),
		done:  make(chan struct{}),
	}
	close(c.done)

	if err := c.Send([]byte{1}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
