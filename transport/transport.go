// Package transport gives the engine something runnable to sit on top of:
// a per-session command queue pair (inbound bytes from the wire, outbound
// bytes to it) and a registry keyed the way spec §5 calls for, so sessions
// survive a TCP reconnect under the same identity.
//
// The real shared-memory pub/sub bus and TCP acceptance are explicitly out
// of scope (spec §1) — this package is the in-process reference
// implementation of their *contract* (bounded, single-producer, ordered per
// session) so Session/Proxy/Replayer have a concrete Publisher to drive in
// tests and in the cmd/artio-gateway composition root.
//
// Session-store shape is grounded on eenblam-protohackers/7/listener.go's
// sync.Map sessionStore keyed by peer address, and its acceptCh buffered
// channel used as an explicit backpressure signal (send via select, drop
// on full rather than block).
package transport

import (
	"sync"
	"sync/atomic"

	"artio/proxy"
)

// DefaultQueueCapacity is used when a caller doesn't size its own queues.
// protohackers/7 sized its accept channel for "at least 20 simultaneous
// sessions"; this plays the analogous role for one session's outbound
// command queue.
const DefaultQueueCapacity = 64

// Endpoint is one session's transport handle: a bounded outbound queue the
// Proxy offers encoded messages into, and a bounded inbound queue the
// engine's socket-reading side feeds raw bytes into for the Framer to
// drain. Both queues are single-producer/single-consumer by construction
// (spec §5): only the Framer offers outbound and only the Framer drains
// inbound.
type Endpoint struct {
	key string

	inbound  chan []byte
	outbound chan []byte

	disconnected atomic.Bool
	onDisconnect func(*Endpoint)
}

func newEndpoint(key string, capacity int, onDisconnect func(*Endpoint)) *Endpoint {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Endpoint{
		key:          key,
		inbound:      make(chan []byte, capacity),
		outbound:     make(chan []byte, capacity),
		onDisconnect: onDisconnect,
	}
}

// Key returns the composite session identity (spec §5: stable across
// reconnects) this endpoint is registered under.
func (e *Endpoint) Key() string { return e.key }

// Offer implements proxy.Publisher: non-blocking enqueue, BACK_PRESSURE on a
// full queue, DISCONNECTED once the endpoint has been torn down.
func (e *Endpoint) Offer(buf []byte) proxy.Status {
	if e.disconnected.Load() {
		return proxy.Disconnected
	}
	select {
	case e.outbound <- buf:
		return proxy.OK
	default:
		return proxy.BackPressure
	}
}

// Outbound exposes the queue for whatever owns the actual socket to drain
// (out of scope here per spec §1; a test or a future TCP writer reads it).
func (e *Endpoint) Outbound() <-chan []byte { return e.outbound }

// PublishInbound hands a raw inbound frame to the session's Framer. It
// returns false (and drops the frame) if the queue is full, mirroring
// protohackers/7's "send via select; just drop if buffer full" for data it
// received while catching up.
func (e *Endpoint) PublishInbound(buf []byte) bool {
	if e.disconnected.Load() {
		return false
	}
	select {
	case e.inbound <- buf:
		return true
	default:
		return false
	}
}

// Inbound exposes the queue for the Framer to drain.
func (e *Endpoint) Inbound() <-chan []byte { return e.inbound }

// Disconnect implements proxy.Disconnector. It is idempotent: only the
// first call closes the outbound queue and invokes the registry's removal
// callback, since Session.disconnect and a socket-level error can both race
// to call it.
func (e *Endpoint) Disconnect() {
	if e.disconnected.CompareAndSwap(false, true) {
		close(e.outbound)
		if e.onDisconnect != nil {
			e.onDisconnect(e)
		}
	}
}

// Disconnected reports whether Disconnect has already run.
func (e *Endpoint) Disconnected() bool { return e.disconnected.Load() }

// Registry is the session store (spec §5: "session lookup by a stable
// identity that survives reconnect"), directly modeled on
// eenblam-protohackers/7/listener.go's sync.Map sessionStore.
type Registry struct {
	sessions sync.Map // string -> *Endpoint
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// LoadOrCreate returns the existing endpoint for key, or creates and
// registers a new one. created reports which happened, mirroring
// listener.go's LoadOrStore-then-check-loaded pattern for CONNECT.
func (r *Registry) LoadOrCreate(key string, queueCapacity int) (ep *Endpoint, created bool) {
	candidate := newEndpoint(key, queueCapacity, r.remove)
	actual, loaded := r.sessions.LoadOrStore(key, candidate)
	return actual.(*Endpoint), !loaded
}

// Lookup finds an existing endpoint by key without creating one.
func (r *Registry) Lookup(key string) (*Endpoint, bool) {
	v, ok := r.sessions.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Endpoint), true
}

func (r *Registry) remove(ep *Endpoint) {
	r.sessions.Delete(ep.key)
}

// Range visits every registered endpoint. The engine's poll loop does not
// use it; it iterates its own session entries.
func (r *Registry) Range(f func(key string, ep *Endpoint) bool) {
	r.sessions.Range(func(k, v any) bool {
		return f(k.(string), v.(*Endpoint))
	})
}

// Count returns the number of registered endpoints. Intended for tests and
// metrics, not hot-path logic.
func (r *Registry) Count() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
