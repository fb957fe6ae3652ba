package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/tunnelgate/gateway/internal/security"
	"github.com/tunnelgate/gateway/internal/wire"
)

type fakeLedger struct {
	banned     map[string]bool
	suspicious []security.Kind
}

func newFakeLedger() *fakeLedger { return &fakeLedger{banned: make(map[string]bool)} }

func (f *fakeLedger) IsBanned(ip string) bool { return f.banned[ip] }
func (f *fakeLedger) RecordSuspicious(ip string, kind security.Kind) {
	f.suspicious = append(f.suspicious, kind)
}

type fakeConnLog struct {
	connects    []string
	disconnects []string
}

func (f *fakeConnLog) LogConnect(name, ip string) { f.connects = append(f.connects, name) }
func (f *fakeConnLog) LogDisconnect(name, ip, reason string) {
	f.disconnects = append(f.disconnects, name+":"+reason)
}

type fakeRegistrar struct {
	byName map[string]*Session
}

func newFakeRegistrar() *fakeRegistrar { return &fakeRegistrar{byName: make(map[string]*Session)} }

func (f *fakeRegistrar) Register(s *Session) (prior *Session) {
	prior = f.byName[s.Name()]
	f.byName[s.Name()] = s
	return prior
}

func testConfig() (Config, *fakeLedger, *fakeConnLog, *fakeRegistrar) {
	ledger := newFakeLedger()
	log := &fakeConnLog{}
	reg := newFakeRegistrar()
	cfg := Config{
		AuthToken:        "secret-token",
		HandshakeTimeout: 2 * time.Second,
		DispatchTimeout:  2 * time.Second,
		HeartbeatTimeout: time.Second,
		Ledger:           ledger,
		ConnLog:          log,
		Registrar:        reg,
	}
	return cfg, ledger, log, reg
}

func TestAccept_SuccessfulHandshakeRegistersSession(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg, _, log, reg := testConfig()

	result := make(chan *Session, 1)
	go func() {
		s, err := Accept(server, cfg)
		if err != nil {
			result <- nil
			return
		}
		result <- s
	}()

	if err := wire.WriteString(client, "secret-token"); err != nil {
		t.Fatalf("write token: %v", err)
	}
	reply, err := wire.ReadString(client)
	if err != nil || reply != authSuccess {
		t.Fatalf("expected AUTH_SUCCESS, got %q err=%v", reply, err)
	}
	if err := wire.WriteString(client, "cam1"); err != nil {
		t.Fatalf("write name: %v", err)
	}

	s := <-result
	if s == nil || s.Name() != "cam1" {
		t.Fatalf("expected registered session named cam1, got %+v", s)
	}
	if len(log.connects) != 1 || log.connects[0] != "cam1" {
		t.Fatalf("expected connlog connect for cam1, got %v", log.connects)
	}
	if reg.byName["cam1"] != s {
		t.Fatalf("expected registrar to hold the new session")
	}
}

func TestAccept_WrongTokenRecordsAuthFailedAndCloses(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg, ledger, _, _ := testConfig()

	result := make(chan error, 1)
	go func() {
		_, err := Accept(server, cfg)
		result <- err
	}()

	if err := wire.WriteString(client, "wrong-token"); err != nil {
		t.Fatalf("write token: %v", err)
	}
	reply, err := wire.ReadString(client)
	if err != nil || reply != authFailed {
		t.Fatalf("expected AUTH_FAILED, got %q err=%v", reply, err)
	}

	if err := <-result; err == nil {
		t.Fatalf("expected Accept to return an error")
	}
	if len(ledger.suspicious) != 1 || ledger.suspicious[0] != security.KindAuthFailed {
		t.Fatalf("expected one AUTH_FAILED suspicious record, got %v", ledger.suspicious)
	}
}

func TestAccept_EmptyNameIsRejectedAsInvalidProtocol(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	cfg, ledger, _, _ := testConfig()

	result := make(chan error, 1)
	go func() {
		_, err := Accept(server, cfg)
		result <- err
	}()

	if err := wire.WriteString(client, "secret-token"); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if _, err := wire.ReadString(client); err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if err := wire.WriteString(client, ""); err != nil {
		t.Fatalf("write empty name: %v", err)
	}

	if err := <-result; err == nil {
		t.Fatalf("expected Accept to reject an empty name")
	}
	if len(ledger.suspicious) != 1 || ledger.suspicious[0] != security.KindInvalidProtocol {
		t.Fatalf("expected INVALID_PROTOCOL suspicious record, got %v", ledger.suspicious)
	}
}

func handshakeSession(t *testing.T, cfg Config, name string) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	result := make(chan *Session, 1)
	go func() {
		s, err := Accept(server, cfg)
		if err != nil {
			result <- nil
			return
		}
		result <- s
	}()
	if err := wire.WriteString(client, cfg.AuthToken); err != nil {
		t.Fatalf("write token: %v", err)
	}
	if _, err := wire.ReadString(client); err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	if err := wire.WriteString(client, name); err != nil {
		t.Fatalf("write name: %v", err)
	}
	s := <-result
	if s == nil {
		t.Fatalf("expected successful handshake")
	}
	return s, client
}

func TestDispatch_RoundTripsRequestAndResponse(t *testing.T) {
	cfg, _, _, _ := testConfig()
	s, client := handshakeSession(t, cfg, "cam1")
	defer client.Close()

	agentDone := make(chan wire.Request, 1)
	go func() {
		req, err := wire.ReadRequest(client)
		if err != nil {
			return
		}
		agentDone <- req
		_ = wire.WriteResponse(client, wire.Response{Status: 200, Body: "hello"})
	}()

	resp, err := s.Dispatch(wire.Request{Method: "GET", URL: "/foo", Body: ""})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 || resp.Body != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	req := <-agentDone
	if req.ClientName != "cam1" {
		t.Fatalf("expected dispatch to stamp ClientName, got %q", req.ClientName)
	}
}

func TestDispatch_PeerGoneClosesSession(t *testing.T) {
	cfg, _, _, _ := testConfig()
	s, client := handshakeSession(t, cfg, "cam1")
	client.Close()

	_, err := s.Dispatch(wire.Request{Method: "GET", URL: "/foo"})
	if err == nil {
		t.Fatalf("expected dispatch error after peer closed")
	}
	if !s.Closed() {
		t.Fatalf("expected session marked closed after peer gone")
	}
}

func TestProbe_SuccessfulHeartbeatLeavesSessionOpen(t *testing.T) {
	cfg, _, _, _ := testConfig()
	s, client := handshakeSession(t, cfg, "cam1")
	defer client.Close()

	go func() {
		req, err := wire.ReadRequest(client)
		if err != nil || req.Method != wire.HeartbeatMethod {
			return
		}
		_ = wire.WriteResponse(client, wire.Response{Status: 200, Body: wire.HeartbeatOKBody})
	}()

	if err := s.Probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.Closed() {
		t.Fatalf("expected session to remain open after a healthy probe")
	}
}

func TestProbe_UnexpectedReplyClosesSession(t *testing.T) {
	cfg, _, _, _ := testConfig()
	s, client := handshakeSession(t, cfg, "cam1")
	defer client.Close()

	go func() {
		_, err := wire.ReadRequest(client)
		if err != nil {
			return
		}
		_ = wire.WriteResponse(client, wire.Response{Status: 500, Body: "nope"})
	}()

	if err := s.Probe(); err == nil {
		t.Fatalf("expected probe error on unexpected reply")
	}
	if !s.Closed() {
		t.Fatalf("expected session closed after a failed probe")
	}
}

func TestSocketHealthy_FalseAfterClose(t *testing.T) {
	cfg, _, _, _ := testConfig()
	s, client := handshakeSession(t, cfg, "cam1")
	defer client.Close()

	if !s.SocketHealthy() {
		t.Fatalf("expected healthy immediately after handshake")
	}
	s.Close()
	if s.SocketHealthy() {
		t.Fatalf("expected unhealthy after Close")
	}
}

func TestUptime_FormatsCoarsestUnit(t *testing.T) {
	if got := FormatUptime(45 * time.Second); got != "45 seconds" {
		t.Fatalf("got %q", got)
	}
	if got := FormatUptime(90 * time.Second); got != "1 minute" {
		t.Fatalf("got %q", got)
	}
	if got := FormatUptime(2*time.Hour + 13*time.Minute); got != "2 hours, 13 minutes" {
		t.Fatalf("got %q", got)
	}
	if got := FormatUptime(3 * time.Hour); got != "3 hours" {
		t.Fatalf("got %q", got)
	}
}
