package tunnel

import (
	"log"
	"net"
	"testing"
	"time"

	"github.com/tunnelgate/gateway/internal/wire"
)

func TestListener_BannedIPIsClosedBeforeHandshake(t *testing.T) {
	cfg, ledger, _, _ := testConfig()
	// Loopback dials present as 127.0.0.1; ban it so the listener's
	// ban-check path rejects every connection in this test.
	ledger.banned["127.0.0.1"] = true

	ln := newLoopbackListener(t)
	defer ln.Close()
	go NewListener(cfg, log.New(discard{}, "", 0)).Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected banned connection to be closed with no data sent")
	}
}

func TestListener_ValidHandshakeSucceeds(t *testing.T) {
	cfg, _, log_, _ := testConfig()
	_ = log_

	ln := newLoopbackListener(t)
	defer ln.Close()
	go NewListener(cfg, log.New(discard{}, "", 0)).Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WriteString(conn, cfg.AuthToken); err != nil {
		t.Fatalf("write token: %v", err)
	}
	reply, err := wire.ReadString(conn)
	if err != nil || reply != authSuccess {
		t.Fatalf("expected AUTH_SUCCESS, got %q err=%v", reply, err)
	}
	if err := wire.WriteString(conn, "cam1"); err != nil {
		t.Fatalf("write name: %v", err)
	}
}

func newLoopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
