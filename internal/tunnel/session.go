// Package tunnel implements the gateway's per-agent tunnel session
// (spec.md §4.4): the handshake state machine, the mutex that serializes
// one outstanding request at a time per agent, and the heartbeat probe
// used for health sweeps.
package tunnel

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunnelgate/gateway/internal/gwerrors"
	"github.com/tunnelgate/gateway/internal/security"
	"github.com/tunnelgate/gateway/internal/wire"
)

// Defaults mirror spec.md §4.1/§4.4/§5.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultDispatchTimeout  = 30 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
)

// Literal handshake strings; part of the wire contract (spec.md §4.4.1).
const (
	authSuccess = "AUTH_SUCCESS"
	authFailed  = "AUTH_FAILED"
)

// Ledger is the subset of security.Ledger the tunnel package needs. Kept
// as an interface so tests can supply a fake without constructing a real
// ledger, and so this package never depends on the ledger's storage
// details.
type Ledger interface {
	IsBanned(ip string) bool
	RecordSuspicious(ip string, kind security.Kind)
}

// ConnLog is the subset of connlog.Log the tunnel package needs.
type ConnLog interface {
	LogConnect(name string, ip string)
	LogDisconnect(name string, ip string, reason string)
}

// Registrar is the subset of the agent registry the tunnel package needs
// to register a freshly handshaken session. Defined here (rather than
// importing the registry package) to avoid an import cycle: the registry
// package depends on *Session, not the other way around.
type Registrar interface {
	Register(s *Session) (prior *Session)
}

// Config carries the immutable handshake/dispatch parameters for all
// sessions accepted by one gateway (spec.md §3 Configuration table).
type Config struct {
	AuthToken        string
	HandshakeTimeout time.Duration
	DispatchTimeout  time.Duration
	HeartbeatTimeout time.Duration
	IdleTimeout      time.Duration

	Ledger    Ledger
	ConnLog   ConnLog
	Registrar Registrar
}

func (c Config) normalize() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Session owns one agent's tunnel socket (spec.md §3 TunnelSession).
//
// After a successful handshake there is no background reader: the socket
// sits idle between dispatches, and only the goroutine holding
// requestMutex ever reads or writes it (spec.md §4.4 "Reader ownership").
type Session struct {
	cfg Config

	conn        net.Conn
	remoteIP    string
	localAddr   string
	connectedAt time.Time

	name string // set once, during handshake; read-only afterward

	requestMutex sync.Mutex
	closed       atomic.Bool
}

// Name returns the agent name this session registered under (empty until
// the handshake completes).
func (s *Session) Name() string { return s.name }

// RemoteIP returns the client's address as captured at accept time.
func (s *Session) RemoteIP() string { return s.remoteIP }

// ConnectedAt returns the wall-clock instant the session was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Closed reports whether the session has been marked closed, either by an
// I/O failure, a failed probe, or an explicit admin close.
func (s *Session) Closed() bool { return s.closed.Load() }

// SocketHealthy is a cheap, local liveness check: not closed. It performs
// no I/O against the socket — spec.md §4.4.3 explicitly forbids writing
// test bytes to probe liveness, since that would corrupt the framed
// stream of an otherwise-live session. Real liveness confirmation goes
// through a heartbeat dispatch on the request mutex (see Probe).
func (s *Session) SocketHealthy() bool {
	return !s.closed.Load()
}

// Uptime reports how long the session has been connected, formatted in
// the coarsest unit >= 1 (spec.md §4.4.3), e.g. "2 hours, 13 minutes" or
// "45 seconds" when under a minute.
func (s *Session) Uptime(now time.Time) string {
	return FormatUptime(now.Sub(s.connectedAt))
}

// FormatUptime renders d in the coarsest unit >= 1 (spec.md §4.4.3),
// e.g. "2 hours, 13 minutes" or "45 seconds" when under a minute. Shared
// by Session.Uptime and the gateway process uptime reported by
// GET /api/health.
func FormatUptime(d time.Duration) string {
	if d < time.Minute {
		secs := int(d.Seconds())
		if secs < 0 {
			secs = 0
		}
		return pluralize(secs, "second")
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		return pluralize(mins, "minute")
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) - hours*60
	if mins == 0 {
		return pluralize(hours, "hour")
	}
	return fmt.Sprintf("%s, %s", pluralize(hours, "hour"), pluralize(mins, "minute"))
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// markClosed sets the closed flag and closes the underlying socket. Safe
// to call multiple times.
func (s *Session) markClosed() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
}

// Close explicitly closes the session (used by admin removal and by the
// registry when evicting a replaced session).
func (s *Session) Close() {
	s.markClosed()
}

// classifyIOError maps a raw I/O error from the framed stream to one of
// the semantic categories in spec.md §7.
func classifyIOError(err error) (gwerrors.Code, bool /* isTimeout */) {
	if errors.Is(err, wire.ErrFrameCorrupt) {
		return gwerrors.CodeFrameCorrupt, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.CodeDispatchTimeout, true
	}
	return gwerrors.CodePeerGone, false
}

// Dispatch sends req and waits for the paired Response, serialized by
// requestMutex so at most one request is ever in flight per session
// (spec.md §4.4.2, invariant 2). Any framing/IO/timeout error marks the
// session closed before the mutex is released.
func (s *Session) Dispatch(req wire.Request) (wire.Response, error) {
	return s.dispatch(req, s.cfg.DispatchTimeout)
}

// Probe performs a heartbeat dispatch with the shorter heartbeat
// deadline (spec.md §4.4 "Heartbeat probing").
func (s *Session) Probe() error {
	req := wire.Request{Method: wire.HeartbeatMethod, URL: "ping", Body: ""}
	resp, err := s.dispatch(req, s.cfg.HeartbeatTimeout)
	if err != nil {
		return err
	}
	if resp.Status != 200 || resp.Body != wire.HeartbeatOKBody {
		s.markClosed()
		return gwerrors.Wrap(gwerrors.StageDispatch, gwerrors.CodeUnhealthyConnection,
			fmt.Errorf("unexpected heartbeat reply: status=%d body=%q", resp.Status, resp.Body))
	}
	return nil
}

func (s *Session) dispatch(req wire.Request, deadline time.Duration) (wire.Response, error) {
	s.requestMutex.Lock()
	defer s.requestMutex.Unlock()

	if s.closed.Load() {
		return wire.Response{}, gwerrors.Wrap(gwerrors.StageDispatch, gwerrors.CodeUnhealthyConnection, errors.New("session closed"))
	}

	req.ClientName = s.name

	_ = s.conn.SetWriteDeadline(time.Now().Add(deadline))
	if err := wire.WriteRequest(s.conn, req); err != nil {
		s.markClosed()
		code, _ := classifyIOError(err)
		return wire.Response{}, gwerrors.Wrap(gwerrors.StageDispatch, code, err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	resp, err := wire.ReadResponse(s.conn)
	if err != nil {
		s.markClosed()
		code, _ := classifyIOError(err)
		return wire.Response{}, gwerrors.Wrap(gwerrors.StageDispatch, code, err)
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	_ = s.conn.SetWriteDeadline(time.Time{})
	return resp, nil
}

// Accept runs the handshake state machine (spec.md §4.4.1) on a freshly
// accepted socket. It returns a registered, active *Session on success.
// On any handshake failure it closes conn itself and returns an error;
// callers must not touch conn again.
func Accept(conn net.Conn, cfg Config) (*Session, error) {
	cfg = cfg.normalize()
	remoteIP := hostOnly(conn.RemoteAddr())

	// BAN_CHECK is performed by the caller (the listener) before Accept
	// is ever invoked, per spec.md §4.6: a banned IP is rejected "before
	// any bytes are exchanged." Accept therefore starts at AWAIT_TOKEN.

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	token, err := wire.ReadString(conn)
	if err != nil {
		if errors.Is(err, wire.ErrFrameCorrupt) {
			cfg.Ledger.RecordSuspicious(remoteIP, security.KindInvalidProtocol)
		}
		_ = conn.Close()
		return nil, gwerrors.Wrap(gwerrors.StageHandshake, gwerrors.CodeFrameCorrupt, err)
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AuthToken)) != 1 {
		_ = wire.WriteString(conn, authFailed)
		cfg.Ledger.RecordSuspicious(remoteIP, security.KindAuthFailed)
		_ = conn.Close()
		return nil, gwerrors.Wrap(gwerrors.StageHandshake, gwerrors.CodeAuthFailed, errors.New("token mismatch"))
	}

	if err := wire.WriteString(conn, authSuccess); err != nil {
		_ = conn.Close()
		return nil, gwerrors.Wrap(gwerrors.StageHandshake, gwerrors.CodePeerGone, err)
	}

	deadline = time.Now().Add(cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	name, err := wire.ReadString(conn)
	if err != nil {
		if errors.Is(err, wire.ErrFrameCorrupt) {
			cfg.Ledger.RecordSuspicious(remoteIP, security.KindInvalidProtocol)
		}
		_ = conn.Close()
		return nil, gwerrors.Wrap(gwerrors.StageHandshake, gwerrors.CodeFrameCorrupt, err)
	}
	if name == "" {
		cfg.Ledger.RecordSuspicious(remoteIP, security.KindInvalidProtocol)
		_ = conn.Close()
		return nil, gwerrors.Wrap(gwerrors.StageHandshake, gwerrors.CodeFrameCorrupt, errors.New("empty agent name"))
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	s := &Session{
		cfg:         cfg,
		conn:        conn,
		remoteIP:    remoteIP,
		localAddr:   localAddrString(conn),
		connectedAt: time.Now(),
		name:        name,
	}

	prior := cfg.Registrar.Register(s)
	if prior != nil {
		prior.Close()
		cfg.ConnLog.LogDisconnect(prior.Name(), prior.RemoteIP(), "replaced")
	}
	cfg.ConnLog.LogConnect(name, remoteIP)
	return s, nil
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func localAddrString(conn net.Conn) string {
	if conn == nil || conn.LocalAddr() == nil {
		return ""
	}
	return conn.LocalAddr().String()
}
