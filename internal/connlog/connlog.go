// Package connlog implements the gateway's bounded connection-event ring
// buffer (spec.md §4.3): a fixed-capacity log of agent connect/disconnect
// events, concurrent-safe, with query and aggregate-statistics operations
// computed by scanning the current snapshot rather than maintaining
// separate running counters.
package connlog

import (
	"sync"
	"time"
)

// Event identifies the kind of connection-log entry.
type Event string

const (
	EventConnect    Event = "CONNECT"
	EventDisconnect Event = "DISCONNECT"
)

// Entry is one connection-log record (spec.md §3).
type Entry struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	ClientName string   `json:"clientName,omitempty"`
	ClientIP  string    `json:"clientIP"`
	Reason    string    `json:"reason,omitempty"`
}

// DefaultCapacity is the ring buffer's fixed capacity (spec.md §3/§8.7).
const DefaultCapacity = 1000

// Subscriber receives a copy of every entry as it is appended, used by the
// admin live-log stream (SPEC_FULL.md §4.12). A Subscriber is called
// synchronously by the goroutine that appends the entry, so it must never
// block: a blocking Subscriber would block the caller of LogConnect/
// LogDisconnect.
type Subscriber func(Entry)

// Log is the thread-safe, bounded connection-event ring buffer.
type Log struct {
	mu       sync.Mutex
	cap      int
	entries  []Entry // ring contents in insertion order, oldest first
	now      func() time.Time

	subMu sync.Mutex
	subs  map[int]Subscriber
	nextSub int
}

// New constructs a Log with the given capacity (DefaultCapacity if cap<=0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		cap:  capacity,
		now:  time.Now,
		subs: make(map[int]Subscriber),
	}
}

func (l *Log) withClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// LogConnect appends a CONNECT entry.
func (l *Log) LogConnect(name string, ip string) {
	l.append(Entry{Event: EventConnect, Timestamp: l.now(), ClientName: name, ClientIP: ip})
}

// LogDisconnect appends a DISCONNECT entry, unless name is empty — an
// empty name means the handshake never completed, and spec.md §4.3/§8.6
// require such disconnects to be silently dropped (prevents noise from
// port scanners and other peers that never authenticate).
func (l *Log) LogDisconnect(name string, ip string, reason string) {
	if name == "" {
		return
	}
	l.append(Entry{Event: EventDisconnect, Timestamp: l.now(), ClientName: name, ClientIP: ip, Reason: reason})
}

func (l *Log) append(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.mu.Unlock()
	l.notify(e)
}

func (l *Log) notify(e Entry) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, sub := range l.subs {
		sub(e)
	}
}

// Subscribe registers fn to be called (non-blocking, from the appending
// goroutine) for every future entry. It returns a function that removes
// the subscription.
func (l *Log) Subscribe(fn Subscriber) (unsubscribe func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

// All returns a snapshot of every entry, oldest first.
func (l *Log) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Filter returns entries matching eventType and/or clientName (either may
// be empty to mean "no filter"), most-recent last, capped to the last
// limit matches when limit > 0.
func (l *Log) Filter(eventType Event, clientName string, limit int) []Entry {
	all := l.All()
	var out []Entry
	for _, e := range all {
		if eventType != "" && e.Event != eventType {
			continue
		}
		if clientName != "" && e.ClientName != clientName {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear empties the ring.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Stats is an aggregate view computed by scanning the current snapshot.
type Stats struct {
	Total         int
	ConnectTotal  int
	DisconnectTotal int
	UniqueNames   int
}

// Stats computes aggregate statistics over the current snapshot.
func (l *Log) Stats() Stats {
	all := l.All()
	names := make(map[string]struct{})
	var stats Stats
	stats.Total = len(all)
	for _, e := range all {
		switch e.Event {
		case EventConnect:
			stats.ConnectTotal++
		case EventDisconnect:
			stats.DisconnectTotal++
		}
		if e.ClientName != "" {
			names[e.ClientName] = struct{}{}
		}
	}
	stats.UniqueNames = len(names)
	return stats
}

// Len reports the current number of entries in the ring.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
