// Package registry implements the gateway's agent registry (spec.md
// §4.5): a name-to-session map with eviction-on-duplicate-name
// semantics, plus the lookup and detail operations the HTTP dispatch
// layer and the maintenance sweep use.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tunnelgate/gateway/internal/gwerrors"
	"github.com/tunnelgate/gateway/internal/tunnel"
	"github.com/tunnelgate/gateway/internal/wire"
)

// ErrNotRegistered is returned by ForwardToNamed when name has no live
// session (spec.md §4.5: "Callers of dispatch look up by name; if absent
// the dispatch API returns 404").
var ErrNotRegistered = gwerrors.Wrap(gwerrors.StageRegistry, gwerrors.CodeNotRegistered, errors.New("client not connected"))

// Registry is the thread-safe name -> *tunnel.Session map.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]*tunnel.Session
	now  func() time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*tunnel.Session),
		now:    time.Now,
	}
}

func (r *Registry) withClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register inserts s under s.Name(), returning the session it replaced
// (nil if the name was free). Per spec.md §4.4.1 REGISTER, the caller is
// responsible for closing the returned prior session and logging its
// disconnect; Register itself only swaps the map entry.
func (r *Registry) Register(s *tunnel.Session) (prior *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior = r.byName[s.Name()]
	r.byName[s.Name()] = s
	return prior
}

// Lookup returns the session currently registered under name, if any.
func (r *Registry) Lookup(name string) (*tunnel.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Remove deletes name from the registry iff the currently registered
// session is exactly s (prevents a stale removal from clobbering a
// session that has since replaced it under the same name).
func (r *Registry) Remove(name string, s *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byName[name]; ok && cur == s {
		delete(r.byName, name)
	}
}

// ForwardToNamed looks up name and dispatches req on its session
// (spec.md §4.5). If dispatch fails with UnhealthyConnection, the session
// is removed from the registry before the error is returned to the
// caller; other dispatch errors (timeout, peer gone) leave the session
// registered. Such an error has already marked the session closed, so
// the next call on it fails with UnhealthyConnection and removes it.
func (r *Registry) ForwardToNamed(req wire.Request) (wire.Response, error) {
	s, ok := r.Lookup(req.ClientName)
	if !ok {
		return wire.Response{}, ErrNotRegistered
	}
	resp, err := s.Dispatch(req)
	if err != nil {
		if code, ok := gwerrors.CodeOf(err); ok && code == gwerrors.CodeUnhealthyConnection {
			r.Remove(req.ClientName, s)
		}
		return wire.Response{}, err
	}
	return resp, nil
}

// Names returns every registered agent name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Detail is the per-agent view used by the health/admin endpoints
// (spec.md §6).
type Detail struct {
	Name      string `json:"name"`
	RemoteIP  string `json:"remoteIP"`
	Connected bool   `json:"connected"`
	Uptime    string `json:"uptime"`
}

// Details returns a snapshot of every registered session's detail view.
func (r *Registry) Details() []Detail {
	r.mu.RLock()
	sessions := make([]*tunnel.Session, 0, len(r.byName))
	for _, s := range r.byName {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]Detail, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Detail{
			Name:      s.Name(),
			RemoteIP:  s.RemoteIP(),
			Connected: s.SocketHealthy(),
			Uptime:    s.Uptime(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the Detail view for a single name, if registered.
func (r *Registry) Get(name string) (Detail, bool) {
	s, ok := r.Lookup(name)
	if !ok {
		return Detail{}, false
	}
	return Detail{
		Name:      s.Name(),
		RemoteIP:  s.RemoteIP(),
		Connected: s.SocketHealthy(),
		Uptime:    s.Uptime(r.now()),
	}, true
}

// Count returns the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Sweep implements spec.md §4.5's two-phase health sweep: for each
// registered session, a cheap local health check (no I/O) is tried
// first; sessions that fail it are removed immediately. Sessions that
// pass get a heartbeat dispatch (I/O, under the session's own mutex);
// sessions that fail the heartbeat are removed too. Removal is atomic
// per entry via Remove, so a session replaced mid-sweep (e.g. by a
// concurrent handshake under the same name) is never double-removed.
func (r *Registry) Sweep() (removed []string) {
	for name, s := range r.Snapshot() {
		if !s.SocketHealthy() {
			r.Remove(name, s)
			removed = append(removed, name)
			continue
		}
		if err := s.Probe(); err != nil {
			r.Remove(name, s)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns every (name, *tunnel.Session) pair currently
// registered, used by Sweep to run heartbeat probes outside the
// registry's own lock.
func (r *Registry) Snapshot() map[string]*tunnel.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*tunnel.Session, len(r.byName))
	for name, s := range r.byName {
		out[name] = s
	}
	return out
}
