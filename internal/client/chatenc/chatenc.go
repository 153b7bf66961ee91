// Package chatenc implements the outgoing free-text mangling required
// because '%' is the extension-frame delimiter. It must never be
// applied to structural JSON, command, or zone tokens, only to
// free-form text payload fields.
package chatenc

import "strings"

var encodeReplacer = strings.NewReplacer(
	"%", "&percnt;",
	`"`, "&quot;",
	"'", "&145;",
	"\n", "<br />",
	`\`, "%5C",
)

// Encode mangles a free-text field for the wire.
func Encode(s string) string {
	return encodeReplacer.Replace(s)
}

// Decode reverses Encode. Order matters: %5C (backslash) must be
// restored before &percnt; is unescaped, since &percnt; itself starts
// with a literal '&' that Encode never touches, but a naive blind
// reverse-order replace could otherwise double-unescape a literal
// "%5C" that appeared in the original text. Restoring %5C before
// &percnt; avoids that.
func Decode(s string) string {
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&145;", "'")
	s = strings.ReplaceAll(s, "%5C", `\`)
	s = strings.ReplaceAll(s, "&percnt;", "%")
	return s
}
