package tunnel

import (
	"log"
	"net"
)

// Listener runs the tunnel's accept loop (spec.md §4.6): one TCP socket
// that agents dial into, each connection handed its own handshake
// goroutine. There is no persistent reader goroutine kept around after a
// successful handshake — see Session's doc comment.
type Listener struct {
	cfg    Config
	logger *log.Logger
}

// NewListener constructs a Listener bound to the given Config. logger may
// be nil, in which case log.Default() is used — matching the teacher's
// plain *log.Logger idiom rather than a structured logging library, since
// this package has no fields worth structuring beyond a client address.
func NewListener(cfg Config, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{cfg: cfg.normalize(), logger: logger}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	ip := hostOnly(conn.RemoteAddr())

	// BAN_CHECK happens before any bytes are exchanged (spec.md §4.6):
	// a banned IP's connection is closed immediately, with no AUTH_FAILED
	// reply and no additional suspicious-event recording (it is already
	// banned; recording again would be redundant bookkeeping).
	if l.cfg.Ledger.IsBanned(ip) {
		_ = conn.Close()
		return
	}

	s, err := Accept(conn, l.cfg)
	if err != nil {
		l.logger.Printf("tunnel: handshake from %s failed: %v", ip, err)
		return
	}
	l.logger.Printf("tunnel: agent %q registered from %s", s.Name(), ip)
}
