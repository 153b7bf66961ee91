// Package request implements the typed request/response shell over the
// Dispatcher and Connection: callers submit a typed request bound to a
// command, optionally wait for the matching reply, and get back either
// a parsed typed response (via a command-keyed parser registry) or an
// opaque frame.Packet for unregistered commands.
package request

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/chatenc"
	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

// Sender is the subset of *conn.Connection this package needs.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Parser decodes a reply Packet's body into a typed response value.
// Returns an error when the payload encodes an explicit application
// error, matching ServerRejected.
type Parser func(frame.Packet) (interface{}, error)

// Request is the typed shell a caller builds and submits.
type Request struct {
	Command string
	Body    interface{}
	Wait    bool
	Timeout time.Duration
}

// Validate rejects impossible requests synchronously, before anything
// touches the wire; Send calls it before encoding the frame.
func (r Request) Validate() error {
	if r.Command == "" {
		return &sfsclient.ValidationError{Reason: "command must not be empty"}
	}
	return nil
}

// API is the Request API bound to one zone, Dispatcher, Connection,
// and response-parser registry.
type API struct {
	conn     Sender
	disp     *dispatch.Dispatcher
	zone     string
	registry map[string]Parser
	seq      uint64
}

// AllianceChat builds a fire-and-forget acm (alliance chat) request,
// mangling the free-text message for the %-delimited wire before it
// is sent.
func AllianceChat(message string) Request {
	return Request{
		Command: "acm",
		Body:    map[string]string{"M": chatenc.Encode(message)},
		Wait:    false,
	}
}

// GenericJSONParser is a ready-to-register Parser for any command whose
// reply carries a plain JSON body: it surfaces a non-zero error_code as
// a *sfsclient.ServerRejected instead of handing the caller a
// seemingly-successful opaque packet. Commands with a richer typed
// response shape should register their own Parser instead; this one is
// for commands where "the JSON body, or the explicit error" is
// response enough.
func GenericJSONParser(pkt frame.Packet) (interface{}, error) {
	if pkt.ErrorCode != 0 {
		message := ""
		if m, ok := pkt.JSON.(map[string]interface{}); ok {
			if s, ok := m["message"].(string); ok {
				message = s
			}
		}
		return nil, &sfsclient.ServerRejected{Code: pkt.ErrorCode, Message: message}
	}
	return pkt.JSON, nil
}

// New builds an API with an empty parser registry; register parsers
// via RegisterParser before relying on typed responses.
func New(conn Sender, disp *dispatch.Dispatcher, zone string) *API {
	return &API{conn: conn, disp: disp, zone: zone, registry: make(map[string]Parser)}
}

// RegisterParser binds command to a response parser. The registry is
// the only source of response typing; the Dispatcher itself stays
// typeless.
func (a *API) RegisterParser(command string, parser Parser) {
	a.registry[command] = parser
}

func (a *API) nextSeq() int {
	return int(atomic.AddUint64(&a.seq, 1))
}

// Send submits req. If req.Wait is false, it sends and returns
// (nil, nil) immediately (fire-and-forget). If req.Wait is true, it
// registers a wait_for(req.Command) BEFORE sending (eliminating the
// immediate-reply race), then blocks for the matching reply and runs
// it through the registry.
func (a *API) Send(ctx context.Context, req Request) (interface{}, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := frame.EncodeExtension(a.zone, req.Command, a.nextSeq(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("request: encode %s: %w", req.Command, err)
	}

	if !req.Wait {
		if err := a.conn.Send(ctx, body); err != nil {
			return nil, fmt.Errorf("request: send %s: %w", req.Command, err)
		}
		return nil, nil
	}

	pending := a.disp.BeginWait(req.Command, nil)
	if err := a.conn.Send(ctx, body); err != nil {
		return nil, fmt.Errorf("request: send %s: %w", req.Command, err)
	}

	pkt, err := pending.Await(ctx, req.Timeout)
	if err != nil {
		return nil, err
	}

	parser, ok := a.registry[req.Command]
	if !ok {
		return pkt, nil
	}

	resp, err := parser(pkt)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
