package wire

import (
	"encoding/base64"
	"strings"
)

const (
	envelopeHeadersPrefix = "Headers:\n"
	envelopeBodyMarker    = "\nBody-Base64:\n"
)

// Header is one name/value pair carried inside a response envelope, kept
// ordered (unlike a map) so EncodeEnvelope is deterministic.
type Header struct {
	Name  string
	Value string
}

// EncodeEnvelope builds the textual wire contract an agent uses to carry
// HTTP response headers and binary-safe body bytes inside a Response.Body
// string (spec.md §3, §6):
//
//	Headers:
//	<Name>: <Value>
//	...
//	<blank line>
//	Body-Base64:
//	<base64-of-raw-bytes>
func EncodeEnvelope(headers []Header, body []byte) string {
	var b strings.Builder
	b.WriteString(envelopeHeadersPrefix)
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	b.WriteString(envelopeBodyMarker)
	b.WriteString(base64.StdEncoding.EncodeToString(body))
	return b.String()
}

// DecodeEnvelope parses the envelope described above. If raw does not
// start with "Headers:\n", ok is false and the caller should treat raw as
// a verbatim HTTP body (spec.md §6: "A response that does NOT start with
// Headers:\n is returned verbatim as the HTTP body.").
func DecodeEnvelope(raw string) (headers []Header, body []byte, ok bool) {
	if !strings.HasPrefix(raw, envelopeHeadersPrefix) {
		return nil, nil, false
	}
	rest := raw[len(envelopeHeadersPrefix):]
	idx := strings.Index(rest, envelopeBodyMarker)
	if idx < 0 {
		return nil, nil, false
	}
	headerBlock := rest[:idx]
	b64 := rest[idx+len(envelopeBodyMarker):]
	b64 = strings.TrimSuffix(b64, "\n")

	if headerBlock != "" {
		for _, line := range strings.Split(headerBlock, "\n") {
			if line == "" {
				continue
			}
			name, value, found := strings.Cut(line, ": ")
			if !found {
				continue
			}
			headers = append(headers, Header{Name: name, Value: value})
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, false
	}
	return headers, decoded, true
}
