// Package frame implements the two wire dialects multiplexed over a
// single SFS2X WebSocket: NUL-terminated XML session messages and
// %-delimited extension frames.
package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies which of the two wire formats a Packet carries.
type Dialect int

const (
	XML Dialect = iota
	Extension
)

func (d Dialect) String() string {
	if d == XML {
		return "xml"
	}
	return "extension"
}

// Packet is the decoded, immutable representation of one wire unit.
// Command holds the xml `action` for XML packets so that callers can
// route both dialects through one naming space.
type Packet struct {
	Dialect Dialect

	// XML fields.
	Action string // alias of Command, kept for clarity at call sites
	R      string // the xml 'r' (request id) attribute, if present
	Body   string // raw inner body, leading/trailing whitespace trimmed

	// Extension fields.
	Zone      string
	Command   string
	Seq       int
	ErrorCode int
	JSON      interface{} // decoded JSON object/array, nil if positional
	Fields    []string    // positional body tokens, nil if JSON
}

// CommandID returns the single naming-space identifier used by the
// Dispatcher: Action for xml packets, Command for extension packets.
func (p Packet) CommandID() string {
	if p.Dialect == XML {
		return p.Action
	}
	return p.Command
}

// ErrDecode marks a malformed frame. Callers must count and discard,
// never propagate into the reader loop.
type ErrDecode struct {
	Reason string
	Raw    string
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("frame: decode error: %s", e.Reason)
}

// Decode sniffs the first non-whitespace byte to pick a dialect and
// delegates to DecodeXML or DecodeExtension.
func Decode(raw []byte) (Packet, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return Packet{}, &ErrDecode{Reason: "empty frame", Raw: string(raw)}
	}
	switch s[0] {
	case '<':
		return DecodeXML(s)
	case '%':
		return DecodeExtension(s)
	default:
		return Packet{}, &ErrDecode{Reason: "unrecognized dialect sigil", Raw: s}
	}
}

// DecodeXML parses `<msg t='sys'><body action='X' r='R'>...</body></msg>`.
// The trailing NUL (if present, as on receive) is stripped first.
func DecodeXML(s string) (Packet, error) {
	s = strings.TrimSuffix(s, "\x00")
	action, ok := extractAttr(s, "action")
	if !ok {
		return Packet{}, &ErrDecode{Reason: "xml: missing action attribute", Raw: s}
	}
	r, _ := extractAttr(s, "r")

	body := s
	if start := strings.Index(s, "<body"); start >= 0 {
		if tagEnd := strings.Index(s[start:], ">"); tagEnd >= 0 {
			bodyStart := start + tagEnd + 1
			if end := strings.LastIndex(s, "</body>"); end > bodyStart {
				body = s[bodyStart:end]
			}
		}
	}

	return Packet{
		Dialect: XML,
		Action:  action,
		Command: action,
		R:       r,
		Body:    strings.TrimSpace(body),
	}, nil
}

// EncodeXML builds `<msg t='sys'><body action='action' r='r'>body</body></msg>`.
// No trailing NUL is emitted; the WebSocket transport already delimits
// the frame, so the NUL is a receive-only artifact of the old raw
// socket transport.
func EncodeXML(action, r, body string) []byte {
	var sb strings.Builder
	sb.WriteString(`<msg t='sys'><body action='`)
	sb.WriteString(action)
	sb.WriteString(`' r='`)
	sb.WriteString(r)
	sb.WriteString(`'>`)
	sb.WriteString(body)
	sb.WriteString(`</body></msg>`)
	return []byte(sb.String())
}

// DecodeExtension parses `%xt%<zone>%<command>%<seq>%<body>%`.
func DecodeExtension(s string) (Packet, error) {
	if !strings.HasPrefix(s, "%xt%") {
		return Packet{}, &ErrDecode{Reason: "extension: missing %xt% prefix", Raw: s}
	}
	trimmed := strings.TrimSuffix(s, "%")
	parts := strings.Split(trimmed, "%")
	// parts[0] == "", parts[1] == "xt", parts[2] == zone, parts[3] == command,
	// parts[4] == seq, parts[5:] == body tokens (rejoined with '%').
	if len(parts) < 5 {
		return Packet{}, &ErrDecode{Reason: "extension: too few fields", Raw: s}
	}
	zone := parts[2]
	command := parts[3]
	seq, err := strconv.Atoi(parts[4])
	if err != nil {
		return Packet{}, &ErrDecode{Reason: "extension: bad seq", Raw: s}
	}

	bodyRaw := strings.Join(parts[5:], "%")
	pkt := Packet{
		Dialect: Extension,
		Zone:    zone,
		Command: command,
		Seq:     seq,
	}

	trimmedBody := strings.TrimSpace(bodyRaw)
	if len(trimmedBody) > 0 && (trimmedBody[0] == '{' || trimmedBody[0] == '[') {
		var v interface{}
		if err := json.Unmarshal([]byte(trimmedBody), &v); err != nil {
			return Packet{}, &ErrDecode{Reason: "extension: invalid json body", Raw: s}
		}
		pkt.JSON = v
		pkt.ErrorCode = extractJSONErrorCode(v)
		return pkt, nil
	}

	fields := parts[5:]
	pkt.Fields = fields
	if len(fields) > 0 {
		if code, err := strconv.Atoi(fields[0]); err == nil {
			pkt.ErrorCode = code
		}
	}
	return pkt, nil
}

func extractJSONErrorCode(v interface{}) int {
	m, ok := v.(map[string]interface{})
	if !ok {
		return 0
	}
	if ec, ok := m["error_code"]; ok {
		switch n := ec.(type) {
		case float64:
			return int(n)
		case json.Number:
			i, _ := n.Int64()
			return int(i)
		}
	}
	return 0
}

// EncodeExtension builds `%xt%<zone>%<command>%<seq>%<body>%`. body is
// marshaled as JSON when it is not already a []string positional list.
func EncodeExtension(zone, command string, seq int, body interface{}) ([]byte, error) {
	var bodyStr string
	switch b := body.(type) {
	case []string:
		bodyStr = strings.Join(b, "%")
	case nil:
		bodyStr = ""
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("frame: encode extension body: %w", err)
		}
		bodyStr = string(encoded)
	}
	var sb strings.Builder
	sb.WriteString("%xt%")
	sb.WriteString(zone)
	sb.WriteString("%")
	sb.WriteString(command)
	sb.WriteString("%")
	sb.WriteString(strconv.Itoa(seq))
	sb.WriteString("%")
	sb.WriteString(bodyStr)
	sb.WriteString("%")
	return []byte(sb.String()), nil
}

// extractAttr does a minimal attribute scrape on an XML-ish string; the
// wire dialect here is a small fixed grammar, not general XML, so a
// full parser is unwarranted.
func extractAttr(s, name string) (string, bool) {
	needle := name + "='"
	idx := strings.Index(s, needle)
	if idx < 0 {
		needle = name + "=\""
		idx = strings.Index(s, needle)
		if idx < 0 {
			return "", false
		}
	}
	start := idx + len(needle)
	quote := s[idx+len(name)+1]
	end := strings.IndexByte(s[start:], quote)
	if end < 0 {
		return "", false
	}
	return s[start : start+end], true
}
