package security

import (
	"testing"
	"time"
)

func newTestLedger(th Thresholds) (*Ledger, *fakeClock) {
	l := New(th)
	fc := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.withClock(fc.Now)
	return l, fc
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestRecordSuspicious_AuthToleranceBeforeAndAfterThreshold(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "1.2.3.4"

	for i := 0; i < 5; i++ {
		l.RecordSuspicious(ip, KindAuthFailed)
		clock.Advance(10 * time.Second)
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected not banned after 5 auth failures (tolerance=8)")
	}
	for i := 0; i < 3; i++ {
		l.RecordSuspicious(ip, KindAuthFailed)
		clock.Advance(10 * time.Second)
	}
	if !l.IsBanned(ip) {
		t.Fatalf("expected banned after 8 auth failures within window")
	}
}

func TestRecordSuspicious_NonAuthThreshold(t *testing.T) {
	th := DefaultThresholds()
	l, _ := newTestLedger(th)
	ip := "5.6.7.8"
	for i := 0; i < 4; i++ {
		l.RecordSuspicious(ip, KindInvalidProtocol)
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected not banned before MAX_ATTEMPTS reached")
	}
	l.RecordSuspicious(ip, KindInvalidProtocol)
	if !l.IsBanned(ip) {
		t.Fatalf("expected banned at MAX_ATTEMPTS=5")
	}
}

func TestRecordSuspicious_OutsideWindowDoesNotAutoBan(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "9.9.9.9"
	for i := 0; i < 5; i++ {
		l.RecordSuspicious(ip, KindInvalidProtocol)
		clock.Advance(20 * time.Minute) // exceeds the 15m WINDOW between each
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected not banned: attempts spread outside the window")
	}
}

func TestRecordSuspicious_PermanentThresholdIgnoresWindow(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "10.0.0.1"
	for i := 0; i < th.Permanent; i++ {
		l.RecordSuspicious(ip, KindInvalidProtocol)
		clock.Advance(time.Hour) // well outside WINDOW, still hits PERMANENT
	}
	if !l.IsBanned(ip) {
		t.Fatalf("expected banned once PERMANENT threshold reached regardless of window")
	}
}

func TestUnban_StartsGraceThatSuppressesAutoBan(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "1.2.3.4"

	for i := 0; i < 8; i++ {
		l.RecordSuspicious(ip, KindAuthFailed)
	}
	if !l.IsBanned(ip) {
		t.Fatalf("precondition: expected banned")
	}

	wasBanned := l.Unban(ip)
	if !wasBanned {
		t.Fatalf("expected wasBanned=true")
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected not banned after unban")
	}

	for i := 0; i < 8; i++ {
		l.RecordSuspicious(ip, KindAuthFailed)
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected no re-ban within grace window")
	}

	clock.Advance(th.Grace + time.Second)
	for i := 0; i < 8; i++ {
		l.RecordSuspicious(ip, KindAuthFailed)
	}
	if !l.IsBanned(ip) {
		t.Fatalf("expected re-ban once grace period has elapsed")
	}
}

func TestUnban_ReportsWhetherIPWasBanned(t *testing.T) {
	l, _ := newTestLedger(DefaultThresholds())
	if l.Unban("not-banned") {
		t.Fatalf("expected false for an IP that was never banned")
	}
}

func TestAutoBanStatus_DoesNotMutate(t *testing.T) {
	l, _ := newTestLedger(DefaultThresholds())
	ip := "1.1.1.1"
	l.RecordSuspicious(ip, KindInvalidProtocol)
	before := l.AutoBanStatus(ip)
	after := l.AutoBanStatus(ip)
	if before.Attempts != after.Attempts {
		t.Fatalf("expected AutoBanStatus to be a pure read")
	}
	if l.IsBanned(ip) {
		t.Fatalf("expected AutoBanStatus to never ban")
	}
}

func TestSweep_DropsStaleTrackingButNotBans(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "2.2.2.2"
	l.RecordSuspicious(ip, KindInvalidProtocol)
	l.Ban("3.3.3.3")

	clock.Advance(th.GC + time.Minute)
	l.Sweep()

	snap := l.Snapshot()
	if snap.TrackedCount != 0 {
		t.Fatalf("expected stale attempt tracking to be GC'd, got %d", snap.TrackedCount)
	}
	if !l.IsBanned("3.3.3.3") {
		t.Fatalf("expected ban set to never be aged out")
	}
}

func TestSweep_DropsExpiredGraceEntries(t *testing.T) {
	th := DefaultThresholds()
	l, clock := newTestLedger(th)
	ip := "4.4.4.4"
	l.Ban(ip)
	l.Unban(ip)

	clock.Advance(th.Grace + time.Minute)
	l.Sweep()

	snap := l.Snapshot()
	if snap.GraceCount != 0 {
		t.Fatalf("expected expired grace entry to be GC'd, got %d", snap.GraceCount)
	}
}

func TestIsBanned_UnknownIPIsFalse(t *testing.T) {
	l, _ := newTestLedger(DefaultThresholds())
	if l.IsBanned("unknown") {
		t.Fatalf("expected false for unknown IP")
	}
}
