// Package security implements the gateway's per-IP abuse-mitigation ledger
// (spec.md §4.2): suspicious-event counters, an auto-ban set, and a grace
// period suppressing re-bans right after a manual unban. It is pure
// in-memory state guarded by a single mutex, in the spirit of the
// teacher's scoped, explicitly constructed services (no package-level
// globals).
package security

import (
	"sync"
	"time"
)

// Kind enumerates the suspicious-event taxonomy (spec.md §4.2). Ordinary
// ECONNRESET/EPIPE during handshake are never reported — there is no Kind
// value for them, by design.
type Kind string

const (
	KindAuthFailed           Kind = "AUTH_FAILED"
	KindInvalidProtocol      Kind = "INVALID_PROTOCOL"
	KindStreamCorruption     Kind = "STREAM_CORRUPTION"
	KindClassVersionMismatch Kind = "CLASS_VERSION_MISMATCH"
	KindUnexpectedTerm       Kind = "UNEXPECTED_TERMINATION"
)

// Thresholds configures the auto-ban decision. Field names mirror
// spec.md §3's ban-threshold table.
type Thresholds struct {
	MaxAttempts   int           // MAX_ATTEMPTS: threshold for non-auth kinds.
	Window        time.Duration // WINDOW: sliding window for MaxAttempts/AuthTolerance.
	Permanent     int           // PERMANENT: attempt count that bans regardless of window.
	AuthTolerance int           // AUTH_TOLERANCE: threshold specific to KindAuthFailed.
	Grace         time.Duration // GRACE: post-unban suppression window.
	GC            time.Duration // GC: age after which stale tracking entries are dropped.
}

// DefaultThresholds returns the values fixed by spec.md §3.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAttempts:   5,
		Window:        15 * time.Minute,
		Permanent:     15,
		AuthTolerance: 8,
		Grace:         30 * time.Minute,
		GC:            24 * time.Hour,
	}
}

type attemptRecord struct {
	count int
	first time.Time
	last  time.Time
}

// AutoBanStatus is a diagnostic snapshot for one IP, returned by
// AutoBanStatus. It never mutates ledger state.
type AutoBanStatus struct {
	IP             string
	InGrace        bool
	GraceRemaining time.Duration
	Attempts       int
	FirstAttempt   time.Time
	LastAttempt    time.Time
	Banned         bool
	WouldAutoBan   bool
	Reason         string
}

// Ledger is the thread-safe abuse-mitigation store described by spec.md
// §3/§4.2.
type Ledger struct {
	thresholds Thresholds
	now        func() time.Time

	mu                sync.Mutex
	banned            map[string]struct{}
	attempts          map[string]*attemptRecord
	recentlyUnbanned  map[string]time.Time
}

// New constructs a Ledger with the given thresholds, using time.Now as
// its clock; tests may inject a deterministic clock via withClock.
func New(thresholds Thresholds) *Ledger {
	return &Ledger{
		thresholds:       thresholds,
		now:              time.Now,
		banned:           make(map[string]struct{}),
		attempts:         make(map[string]*attemptRecord),
		recentlyUnbanned: make(map[string]time.Time),
	}
}

// withClock overrides the ledger's time source; used by tests only.
func (l *Ledger) withClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// IsBanned reports whether ip is currently in the ban set.
func (l *Ledger) IsBanned(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, banned := l.banned[ip]
	return banned
}

// RecordSuspicious increments ip's attempt counter for kind, updates its
// first/last-seen timestamps, and applies the auto-ban decision from
// spec.md §4.2. If ip is within its grace window, the call is a no-op
// beyond bookkeeping (no side effect on the ban set).
func (l *Ledger) RecordSuspicious(ip string, kind Kind) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	if unbannedAt, inGrace := l.recentlyUnbanned[ip]; inGrace {
		if now.Sub(unbannedAt) <= l.thresholds.Grace {
			// Within grace: still track the attempt for diagnostics, but
			// never auto-ban while grace holds.
			l.recordAttemptLocked(ip, now)
			return
		}
		delete(l.recentlyUnbanned, ip)
	}

	rec := l.recordAttemptLocked(ip, now)

	threshold := l.thresholds.MaxAttempts
	if kind == KindAuthFailed {
		threshold = l.thresholds.AuthTolerance
	}
	delta := rec.last.Sub(rec.first)
	if rec.count >= threshold && delta <= l.thresholds.Window {
		l.banned[ip] = struct{}{}
		return
	}
	if l.thresholds.Permanent > 0 && rec.count >= l.thresholds.Permanent {
		l.banned[ip] = struct{}{}
	}
}

func (l *Ledger) recordAttemptLocked(ip string, now time.Time) *attemptRecord {
	rec := l.attempts[ip]
	if rec == nil {
		rec = &attemptRecord{first: now}
		l.attempts[ip] = rec
	}
	rec.count++
	rec.last = now
	return rec
}

// Ban unconditionally adds ip to the ban set (admin action).
func (l *Ledger) Ban(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banned[ip] = struct{}{}
}

// Unban removes ip from the ban set, clears its attempt tracking, and
// starts a grace period during which auto-ban logic is suppressed for
// ip. It reports whether ip was actually banned beforehand.
func (l *Ledger) Unban(ip string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	_, wasBanned := l.banned[ip]
	delete(l.banned, ip)
	delete(l.attempts, ip)
	l.recentlyUnbanned[ip] = now
	return wasBanned
}

// AutoBanStatus returns a diagnostic snapshot for ip without mutating any
// state (spec.md §4.2: "Pure read; must not mutate.").
func (l *Ledger) AutoBanStatus(ip string) AutoBanStatus {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	status := AutoBanStatus{IP: ip}
	if _, banned := l.banned[ip]; banned {
		status.Banned = true
	}
	if unbannedAt, inGrace := l.recentlyUnbanned[ip]; inGrace {
		remaining := l.thresholds.Grace - now.Sub(unbannedAt)
		if remaining > 0 {
			status.InGrace = true
			status.GraceRemaining = remaining
		}
	}
	if rec := l.attempts[ip]; rec != nil {
		status.Attempts = rec.count
		status.FirstAttempt = rec.first
		status.LastAttempt = rec.last
		delta := rec.last.Sub(rec.first)
		wouldHitThreshold := rec.count >= l.thresholds.MaxAttempts && delta <= l.thresholds.Window
		wouldHitPermanent := l.thresholds.Permanent > 0 && rec.count >= l.thresholds.Permanent
		switch {
		case status.Banned:
			status.Reason = "already banned"
		case status.InGrace:
			status.Reason = "in grace period, auto-ban suppressed"
		case wouldHitPermanent:
			status.WouldAutoBan = true
			status.Reason = "attempt count reached permanent threshold"
		case wouldHitThreshold:
			status.WouldAutoBan = true
			status.Reason = "attempt count reached threshold within window"
		default:
			status.Reason = "below threshold"
		}
	} else if !status.Banned && !status.InGrace {
		status.Reason = "no recorded attempts"
	}
	return status
}

// Sweep garbage-collects stale tracking entries: attempt records whose
// last-seen time is older than GC, and grace entries older than Grace.
// bannedIPs is never aged out (spec.md §3 invariant c).
func (l *Ledger) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
}

func (l *Ledger) sweepLocked(now time.Time) {
	for ip, rec := range l.attempts {
		if now.Sub(rec.last) >= l.thresholds.GC {
			delete(l.attempts, ip)
		}
	}
	for ip, at := range l.recentlyUnbanned {
		if now.Sub(at) >= l.thresholds.Grace {
			delete(l.recentlyUnbanned, ip)
		}
	}
}

// Snapshot is a point-in-time view of ledger sizes, used by the admin
// security-status endpoint.
type Snapshot struct {
	BannedCount      int
	TrackedCount     int
	GraceCount       int
	Thresholds       Thresholds
}

// Snapshot returns counts of the ledger's internal sets.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		BannedCount:  len(l.banned),
		TrackedCount: len(l.attempts),
		GraceCount:   len(l.recentlyUnbanned),
		Thresholds:   l.thresholds,
	}
}
