// Package conn owns the single WebSocket that multiplexes both wire
// dialects, a single reader loop, and a mutually-exclusive writer lane.
package conn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

// State is the Connection's lifecycle state machine:
// Closed -> Connecting -> Open -> Closing -> Closed.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// PacketHandler is invoked once per decoded inbound Packet, on the
// reader task.
type PacketHandler func(frame.Packet)

// DisconnectHandler is invoked once when the Connection transitions to
// Closing, before the socket is released.
type DisconnectHandler func()

// Connection owns one WebSocket. One reader task consumes frames and
// forwards decoded Packets to onPacket; Send serializes writes onto a
// single writer lane.
type Connection struct {
	url          string
	onPacket     PacketHandler
	onDisconnect DisconnectHandler

	stateMu sync.RWMutex
	state   State

	writeMu sync.Mutex
	ws      *websocket.Conn

	decodeErrors uint64
}

// New builds an unconnected Connection.
func New(url string, onPacket PacketHandler, onDisconnect DisconnectHandler) *Connection {
	return &Connection{
		url:          url,
		onPacket:     onPacket,
		onDisconnect: onDisconnect,
		state:        Closed,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Connected reports whether the Connection is in the Open state.
func (c *Connection) Connected() bool {
	return c.State() == Open
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// DecodeErrors returns the running count of frames discarded for
// malformed wire content. Never fatal; observable only.
func (c *Connection) DecodeErrors() uint64 {
	return atomic.LoadUint64(&c.decodeErrors)
}

// Connect dials the WebSocket and starts the reader loop. It blocks
// until the upgrade completes or timeout elapses.
func (c *Connection) Connect(ctx context.Context, timeout time.Duration) error {
	c.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		c.setState(Closed)
		return &sfsclient.TransportError{Op: fmt.Sprintf("dial %s", c.url), Err: err}
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	c.setState(Open)
	go c.readLoop()
	return nil
}

func (c *Connection) readLoop() {
	for {
		c.writeMu.Lock()
		ws := c.ws
		c.writeMu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				log.Printf("[conn] closed normally")
			} else {
				log.Printf("[conn] read error: %v", err)
			}
			c.transitionToClosed()
			return
		}

		pkt, err := frame.Decode(data)
		if err != nil {
			atomic.AddUint64(&c.decodeErrors, 1)
			log.Printf("[conn] discarding malformed frame: %v", err)
			continue
		}
		if c.onPacket != nil {
			c.onPacket(pkt)
		}
	}
}

func (c *Connection) transitionToClosed() {
	c.stateMu.Lock()
	if c.state == Closing || c.state == Closed {
		c.stateMu.Unlock()
		return
	}
	c.state = Closing
	c.stateMu.Unlock()
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	c.writeMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		c.ws = nil
	}
	c.writeMu.Unlock()
	c.setState(Closed)
}

// Disconnect closes the socket from the caller's side and runs the
// same Closing transition as a transport-initiated close.
func (c *Connection) Disconnect() error {
	if c.State() == Closed {
		return nil
	}
	c.transitionToClosed()
	return nil
}

// Send writes an already-encoded frame. Writes from different
// goroutines are serialized by writeMu; order across goroutines is
// defined by lock acquisition order, not call order.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("conn: send: %w", ErrNotConnected)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &sfsclient.TransportError{Op: "write", Err: err}
	}
	return nil
}

// ErrNotConnected is returned by Send when no socket is attached.
var ErrNotConnected = errNotConnected{}

type errNotConnected struct{}

func (errNotConnected) Error() string { return "conn: not connected" }
