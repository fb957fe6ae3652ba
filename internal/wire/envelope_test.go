package wire

import (
	"bytes"
	"testing"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	headers := []Header{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Trace", Value: "abc-123"},
	}
	body := []byte("hi")

	raw := EncodeEnvelope(headers, body)
	gotHeaders, gotBody, ok := DecodeEnvelope(raw)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if len(gotHeaders) != len(headers) {
		t.Fatalf("header count mismatch: got %d want %d", len(gotHeaders), len(headers))
	}
	for i, h := range headers {
		if gotHeaders[i] != h {
			t.Fatalf("header[%d] mismatch: got %+v want %+v", i, gotHeaders[i], h)
		}
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %q want %q", gotBody, body)
	}
}

func TestEnvelope_RoundTripBinaryBody(t *testing.T) {
	body := []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00}
	raw := EncodeEnvelope(nil, body)
	_, gotBody, ok := DecodeEnvelope(raw)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if !bytes.Equal(gotBody, body) {
		t.Fatalf("body mismatch: got %v want %v", gotBody, body)
	}
}

func TestDecodeEnvelope_NonEnvelopeIsVerbatim(t *testing.T) {
	_, _, ok := DecodeEnvelope("plain text response, not an envelope")
	if ok {
		t.Fatalf("expected ok=false for non-envelope body")
	}
}

func TestDecodeEnvelope_MissingBodyMarker(t *testing.T) {
	_, _, ok := DecodeEnvelope("Headers:\nContent-Type: text/plain\n")
	if ok {
		t.Fatalf("expected ok=false when Body-Base64 marker is absent")
	}
}

func TestDecodeEnvelope_EmptyHeaders(t *testing.T) {
	raw := EncodeEnvelope(nil, []byte("x"))
	headers, body, ok := DecodeEnvelope(raw)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if len(headers) != 0 {
		t.Fatalf("expected no headers, got %v", headers)
	}
	if string(body) != "x" {
		t.Fatalf("unexpected body: %q", body)
	}
}
