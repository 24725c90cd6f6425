package session

import (
	"net/url"
	"strings"
)

// Data channel wire framing. Outbound chat text and inbound streamed
// response fragments share one ordered channel, so plain prefix matching is
// enough: no reordering or deduplication is needed.
const (
	prefixText    = "chat/text:"
	prefixPartial = "chat/partial:"
	markerDone    = "stream/done"
)

// EncodeText frames an outbound chat message for the data channel. Spaces
// are percent-escaped, not form-encoded: the remote decoder treats "+" as a
// literal plus sign.
func EncodeText(msg string) string {
	return prefixText + strings.ReplaceAll(url.QueryEscape(msg), "+", "%20")
}

// decodeFragment percent-decodes one inbound fragment. A literal "+" must
// survive, so it is shielded before the unescape. Undecodable input is kept
// verbatim.
func decodeFragment(enc string) string {
	part, err := url.QueryUnescape(strings.ReplaceAll(enc, "+", "%2B"))
	if err != nil {
		return enc
	}
	return part
}

// Assembler accumulates streamed partial-response fragments for the
// exchange in flight. Fragments are concatenated in receipt order.
type Assembler struct {
	buf strings.Builder
}

// Feed consumes one raw data-channel message. It returns the finished agent
// utterance and true when the message completes the in-flight exchange;
// anything unrecognized is ignored.
func (a *Assembler) Feed(raw string) (string, bool) {
	switch {
	case strings.Contains(raw, prefixPartial):
		enc := raw[strings.Index(raw, prefixPartial)+len(prefixPartial):]
		a.buf.WriteString(decodeFragment(enc))

	case strings.Contains(raw, markerDone):
		if a.buf.Len() == 0 {
			return "", false
		}
		out := a.buf.String()
		a.buf.Reset()
		return out, true
	}
	return "", false
}

// Reset discards any accumulated fragments.
func (a *Assembler) Reset() {
	a.buf.Reset()
}
