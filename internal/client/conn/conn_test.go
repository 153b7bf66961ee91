package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

func newEchoServer(t *testing.T, onServerConn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusInternalError, "done")
		onServerConn(ws)
	})
	return httptest.NewServer(mux)
}

func TestConnectReceivesDecodedPacket(t *testing.T) {
	ts := newEchoServer(t, func(ws *websocket.Conn) {
		_ = ws.Write(context.Background(), websocket.MessageText,
			[]byte("<msg t='sys'><body action='apiOK' r='0'></body></msg>\x00"))
		time.Sleep(50 * time.Millisecond)
	})
	defer ts.Close()

	received := make(chan frame.Packet, 1)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c := New(url, func(p frame.Packet) { received <- p }, nil)

	if err := c.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case p := <-received:
		if p.Action != "apiOK" {
			t.Fatalf("unexpected packet: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for packet")
	}
	if c.State() != Open {
		t.Fatalf("expected Open, got %v", c.State())
	}
}

func TestSendWritesFrame(t *testing.T) {
	gotFrame := make(chan string, 1)
	ts := newEchoServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.Read(context.Background())
		if err == nil {
			gotFrame <- string(data)
		}
	})
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c := New(url, func(frame.Packet) {}, nil)
	if err := c.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.Send(context.Background(), []byte("%xt%Z%gam%1%%")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-gotFrame:
		if f != "%xt%Z%gam%1%%" {
			t.Fatalf("unexpected frame received server-side: %q", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for server to receive frame")
	}
}

func TestDisconnectInvokesHandlerAndTransitionsToClosed(t *testing.T) {
	ts := newEchoServer(t, func(ws *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer ts.Close()

	disconnected := make(chan struct{}, 1)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c := New(url, func(frame.Packet) {}, func() { disconnected <- struct{}{} })
	if err := c.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatalf("onDisconnect was not invoked")
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed, got %v", c.State())
	}
}

func TestConnectFailureReturnsTransportError(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", func(frame.Packet) {}, nil)
	err := c.Connect(context.Background(), 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected a dial failure")
	}
	var te *sfsclient.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *client.TransportError, got %T: %v", err, err)
	}
	if c.State() != Closed {
		t.Fatalf("expected Closed after a failed connect, got %v", c.State())
	}
}

func TestMalformedFrameIsCountedNotFatal(t *testing.T) {
	ts := newEchoServer(t, func(ws *websocket.Conn) {
		_ = ws.Write(context.Background(), websocket.MessageText, []byte("not a valid frame"))
		_ = ws.Write(context.Background(), websocket.MessageText,
			[]byte("<msg t='sys'><body action='apiOK' r='0'></body></msg>"))
		time.Sleep(50 * time.Millisecond)
	})
	defer ts.Close()

	received := make(chan frame.Packet, 1)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c := New(url, func(p frame.Packet) { received <- p }, nil)
	if err := c.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("expected the well-formed frame to still be delivered")
	}
	if c.DecodeErrors() != 1 {
		t.Fatalf("expected 1 decode error counted, got %d", c.DecodeErrors())
	}
}
