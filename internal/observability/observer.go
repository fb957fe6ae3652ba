// Package observability defines the gateway's metrics observer
// interface (SPEC_FULL.md §4.11), grounded on the teacher's
// observability/observer.go split: an interface the core calls into,
// a zero-cost no-op default, and a concrete sink wired at main (see
// internal/observability/prom).
package observability

import "time"

// DispatchResult labels a dispatch outcome for tunnelgate_dispatch_total.
type DispatchResult string

const (
	DispatchResultOK            DispatchResult = "ok"
	DispatchResultTimeout       DispatchResult = "timeout"
	DispatchResultUnhealthy     DispatchResult = "unhealthy"
	DispatchResultNotRegistered DispatchResult = "not_registered"
)

// GatewayObserver receives metric events raised by the core packages
// (tunnel, registry, security). Every method must be safe to call
// without holding any core mutex, and must never block the caller.
type GatewayObserver interface {
	ConnectedAgents(n int)
	Dispatch(result DispatchResult, d time.Duration)
	SecurityEvent(kind string)
	Ban()
	Unban()
	ConnectionLogEntries(n int)
}

type noopObserver struct{}

func (noopObserver) ConnectedAgents(int)                {}
func (noopObserver) Dispatch(DispatchResult, time.Duration) {}
func (noopObserver) SecurityEvent(string)                {}
func (noopObserver) Ban()                                {}
func (noopObserver) Unban()                              {}
func (noopObserver) ConnectionLogEntries(int)            {}

// Noop is a zero-cost observer used when metrics are disabled (no
// metrics listen address configured).
var Noop GatewayObserver = noopObserver{}
