// Package wire implements the gateway's tunnel framing: a length-prefixed,
// tagged encoding of the three message shapes exchanged between a gateway
// and an agent (String, Request, Response). The encoding is binary
// transparent and self-delimiting, so partial reads never desynchronize
// the stream.
package wire

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/tunnelgate/gateway/internal/bin"
)

// Tag identifies the shape of a framed message.
type Tag byte

const (
	TagString   Tag = 1
	TagRequest  Tag = 2
	TagResponse Tag = 3
)

// ErrFrameCorrupt is returned when a frame's tag or length cannot be
// interpreted. Callers map this to a session disconnect and record it as
// INVALID_PROTOCOL suspicious activity (see spec.md §7).
var ErrFrameCorrupt = errors.New("wire: frame corruption")

// MaxFrameBytes bounds a single frame's payload to defend against memory
// exhaustion from a malicious or buggy peer. It is deliberately larger
// than any single Request/Response the gateway expects, since the agent's
// response body (base64 of up to the configured max response size) must
// fit in one frame.
const MaxFrameBytes = 96 << 20

// Request is a dispatch instruction sent from gateway to agent.
type Request struct {
	ClientName string `json:"clientName"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Body       string `json:"body"`
}

// HeartbeatMethod is the reserved Request.Method value used for liveness
// probes; agents must answer it without performing any LAN fetch.
const HeartbeatMethod = "HEARTBEAT"

// HeartbeatOKBody is the exact Response.Body an agent must return for a
// successful heartbeat.
const HeartbeatOKBody = "heartbeat_ok"

// Response is an agent's reply to a Request.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Message is the tagged union read/written over a tunnel stream. Exactly
// one of Str/Req/Resp is meaningful, selected by Tag.
type Message struct {
	Tag  Tag
	Str  string
	Req  Request
	Resp Response
}

// NewStringMessage wraps a bare string as a framed message.
func NewStringMessage(s string) Message { return Message{Tag: TagString, Str: s} }

// NewRequestMessage wraps a Request as a framed message.
func NewRequestMessage(r Request) Message { return Message{Tag: TagRequest, Req: r} }

// NewResponseMessage wraps a Response as a framed message.
func NewResponseMessage(r Response) Message { return Message{Tag: TagResponse, Resp: r} }

// WriteMessage writes one frame: a 1-byte tag, a 4-byte big-endian length,
// and that many bytes of JSON payload. Callers must guarantee a single
// writer per stream (the tunnel session's request mutex, per spec.md
// §4.4); WriteMessage performs no internal locking.
func WriteMessage(w io.Writer, msg Message) error {
	var payload []byte
	var err error
	switch msg.Tag {
	case TagString:
		payload, err = json.Marshal(msg.Str)
	case TagRequest:
		payload, err = json.Marshal(msg.Req)
	case TagResponse:
		payload, err = json.Marshal(msg.Resp)
	default:
		return ErrFrameCorrupt
	}
	if err != nil {
		return ErrFrameCorrupt
	}
	if len(payload) > MaxFrameBytes {
		return ErrFrameCorrupt
	}
	var hdr [5]byte
	hdr[0] = byte(msg.Tag)
	bin.PutU32BE(hdr[1:5], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage blocks until one full frame has arrived, the stream hits
// EOF, or the underlying reader returns an error (including a deadline
// exceeded error set by the caller via SetReadDeadline on the socket).
// A frame whose tag is unrecognized or whose length exceeds MaxFrameBytes
// is reported as ErrFrameCorrupt rather than the underlying io error, so
// callers can distinguish protocol corruption from an ordinary peer
// disconnect (spec.md §7: FrameCorrupt vs PeerGone).
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	tag := Tag(hdr[0])
	n := bin.U32BE(hdr[1:5])
	if n > MaxFrameBytes {
		return Message{}, ErrFrameCorrupt
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	var msg Message
	switch tag {
	case TagString:
		msg.Tag = TagString
		if err := json.Unmarshal(payload, &msg.Str); err != nil {
			return Message{}, ErrFrameCorrupt
		}
	case TagRequest:
		msg.Tag = TagRequest
		if err := json.Unmarshal(payload, &msg.Req); err != nil {
			return Message{}, ErrFrameCorrupt
		}
	case TagResponse:
		msg.Tag = TagResponse
		if err := json.Unmarshal(payload, &msg.Resp); err != nil {
			return Message{}, ErrFrameCorrupt
		}
	default:
		return Message{}, ErrFrameCorrupt
	}
	return msg, nil
}

// ReadString reads one frame and requires it to carry a string payload.
func ReadString(r io.Reader) (string, error) {
	msg, err := ReadMessage(r)
	if err != nil {
		return "", err
	}
	if msg.Tag != TagString {
		return "", ErrFrameCorrupt
	}
	return msg.Str, nil
}

// ReadRequest reads one frame and requires it to carry a Request payload.
func ReadRequest(r io.Reader) (Request, error) {
	msg, err := ReadMessage(r)
	if err != nil {
		return Request{}, err
	}
	if msg.Tag != TagRequest {
		return Request{}, ErrFrameCorrupt
	}
	return msg.Req, nil
}

// ReadResponse reads one frame and requires it to carry a Response
// payload.
func ReadResponse(r io.Reader) (Response, error) {
	msg, err := ReadMessage(r)
	if err != nil {
		return Response{}, err
	}
	if msg.Tag != TagResponse {
		return Response{}, ErrFrameCorrupt
	}
	return msg.Resp, nil
}

// WriteString writes a String message.
func WriteString(w io.Writer, s string) error { return WriteMessage(w, NewStringMessage(s)) }

// WriteRequest writes a Request message.
func WriteRequest(w io.Writer, r Request) error { return WriteMessage(w, NewRequestMessage(r)) }

// WriteResponse writes a Response message.
func WriteResponse(w io.Writer, r Response) error { return WriteMessage(w, NewResponseMessage(r)) }
