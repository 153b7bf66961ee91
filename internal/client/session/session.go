// Package session drives the five-step SFS2X handshake on top of a
// Connection and Dispatcher: connection check, version check, XML
// login, auto-join, and extension-layer login. It never polls after a successful login; the
// State Store and Request API consume whatever arrives afterward.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	sfsclient "github.com/dbehnke/sfsclient/internal/client"
	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
)

// knownCooldownCode is the login error_code sentinel that means "try
// again later", distinct from any other auth failure.
const knownCooldownCode = 7

// loginDefaults are the fixed client-identifying fields merged into
// every lli payload alongside {NOM, PW}.
var loginDefaults = map[string]interface{}{
	"CID": "",
	"LNG": "en",
	"TRD": "web",
	"REF": "",
	"PLF": "WEB",
	"SID": "",
}

// Sender is the subset of *conn.Connection the Manager needs, kept
// narrow so this package never imports conn directly (avoids a cycle
// with anything conn-adjacent that wants to import session for types).
type Sender interface {
	Send(ctx context.Context, data []byte) error
	Connected() bool
}

// Manager drives the five-step handshake, failing fast at each step
// except autoJoin.
type Manager struct {
	conn    Sender
	disp    *dispatch.Dispatcher
	zone    string
	version string
	log     *zap.SugaredLogger

	loggedIn bool
}

// New builds a Manager bound to a zone and client version string.
func New(conn Sender, disp *dispatch.Dispatcher, zone, version string, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{conn: conn, disp: disp, zone: zone, version: version, log: log}
}

// LoggedIn reports whether the extension-layer login succeeded.
func (m *Manager) LoggedIn() bool { return m.loggedIn }

// Login runs the full handshake. autoJoin's joinOK wait is non-fatal:
// the server sometimes omits the confirmation, so after a timeout there
// the handshake proceeds, LoggedIn reports true on success, and the
// autoJoin timeout is returned as an aggregated warning error.
func (m *Manager) Login(ctx context.Context, username, password string, stepTimeout time.Duration) error {
	var warnings error

	if !m.conn.Connected() {
		return fmt.Errorf("session: connection is not open")
	}

	if err := m.verCheck(ctx, stepTimeout); err != nil {
		return fmt.Errorf("session: verChk: %w", err)
	}
	m.log.Infow("verChk acknowledged")

	if err := m.xmlLogin(ctx, stepTimeout); err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	m.log.Infow("xml login acknowledged")

	if err := m.autoJoin(ctx, stepTimeout); err != nil {
		warnings = multierr.Append(warnings, fmt.Errorf("session: autoJoin (non-fatal): %w", err))
		m.log.Warnw("autoJoin timed out, proceeding anyway", "err", err)
	}

	if err := m.extensionLogin(ctx, username, password, stepTimeout); err != nil {
		return err
	}
	m.loggedIn = true
	m.log.Infow("extension login succeeded", "user", username)

	return warnings
}

func (m *Manager) verCheck(ctx context.Context, timeout time.Duration) error {
	pkt, err := m.waitThenSend(ctx, "apiOK", nil, timeout,
		frame.EncodeXML("verChk", "0", fmt.Sprintf("<ver v='%s'/>", m.version)))
	_ = pkt
	return err
}

func (m *Manager) xmlLogin(ctx context.Context, timeout time.Duration) error {
	body := fmt.Sprintf("<login z='%s'><nick></nick><pword><![CDATA[undefined%%en%%0]]></pword></login>", m.zone)
	_, err := m.waitThenSend(ctx, "rlu", nil, timeout, frame.EncodeXML("login", "0", body))
	return err
}

func (m *Manager) autoJoin(ctx context.Context, timeout time.Duration) error {
	_, err := m.waitThenSend(ctx, "joinOK", nil, timeout, frame.EncodeXML("autoJoin", "-1", ""))
	return err
}

func (m *Manager) extensionLogin(ctx context.Context, username, password string, timeout time.Duration) error {
	payload := make(map[string]interface{}, len(loginDefaults)+2)
	for k, v := range loginDefaults {
		payload[k] = v
	}
	payload["SID"] = uuid.NewString()
	payload["NOM"] = username
	payload["PW"] = password

	body, err := frame.EncodeExtension(m.zone, "lli", 1, payload)
	if err != nil {
		return fmt.Errorf("session: encode lli: %w", err)
	}

	pkt, err := m.waitThenSend(ctx, "lli", nil, timeout, body)
	if err != nil {
		return fmt.Errorf("session: lli: %w", err)
	}

	switch pkt.ErrorCode {
	case 0:
		return nil
	case knownCooldownCode:
		seconds := 0
		if data, ok := pkt.JSON.(map[string]interface{}); ok {
			if cd, ok := data["CD"].(float64); ok {
				seconds = int(cd)
			}
		}
		return &sfsclient.LoginCooldown{Seconds: seconds}
	default:
		return &sfsclient.AuthFailed{Code: pkt.ErrorCode}
	}
}

// waitThenSend registers the wait BEFORE sending so a reply arriving
// in the same dispatcher tick is never missed, then sends and blocks
// for the result.
func (m *Manager) waitThenSend(ctx context.Context, command string, pred dispatch.Predicate, timeout time.Duration, body []byte) (frame.Packet, error) {
	pending := m.disp.BeginWait(command, pred)

	if err := m.conn.Send(ctx, body); err != nil {
		return frame.Packet{}, fmt.Errorf("send: %w", err)
	}

	return pending.Await(ctx, timeout)
}
