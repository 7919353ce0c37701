// Package admission implements the AdmissionController: per-(backend_class,
// capability) concurrency ceilings enforced with fail-fast, non-blocking
// semantics.
package admission

import (
	"sync"
	"sync/atomic"

	"github.com/localforge/gateway/internal/backend"
	"github.com/localforge/gateway/internal/gatewayerr"
)

type key struct {
	backendClass string
	capability   backend.Capability
}

// slot is a single (backend_class, capability) admission gate. It is
// implemented as a buffered channel used as a counting semaphore plus an
// atomic available counter so Stats() never needs to lock a slot: the channel's
// len/cap already give available/limit, but we track available separately
// because len(chan) after a non-blocking receive momentarily lags the
// caller's view under concurrent access, and Stats is advertised as exact.
type slot struct {
	limit     int
	permits   chan struct{}
	available int64 // atomic
}

func newSlot(limit int) *slot {
	s := &slot{limit: limit, permits: make(chan struct{}, limit), available: int64(limit)}
	for i := 0; i < limit; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// tryAcquire is non-blocking: it never suspends the caller, satisfying the
// spec's "Admission acquire MUST NOT block" invariant.
func (s *slot) tryAcquire() bool {
	select {
	case <-s.permits:
		atomic.AddInt64(&s.available, -1)
		return true
	default:
		return false
	}
}

func (s *slot) release() {
	select {
	case s.permits <- struct{}{}:
		atomic.AddInt64(&s.available, 1)
	default:
		// Permits channel is already full: every permit issued has already
		// been returned. This branch only fires on a double-release past
		// the lease's own idempotency guard, which should never happen,
		// but dropping the redundant permit here keeps available+inflight
		// correct instead of silently over-filling the channel.
	}
}

// Lease represents one held permit. Release is idempotent: calling it more
// than once on the same lease is a no-op, which is what makes the
// available+inflight==limit invariant hold even if calling code double-frees
// under an error path.
type Lease struct {
	once sync.Once
	s    *slot
}

// Release returns the permit to its slot. Safe to call multiple times or
// concurrently; only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.s.release()
	})
}

// Stat is the point-in-time {limit, available, inflight} snapshot for one
// (backend_class, capability) pair.
type Stat struct {
	Limit     int
	Available int
	Inflight  int
}

// Controller owns every admission slot for the process's lifetime.
type Controller struct {
	registry *backend.Registry
	mu       sync.RWMutex
	slots    map[key]*slot
}

// New builds a Controller with one slot per (backend_class, capability)
// declared by the registry's supported_capabilities, sized to that
// capability's configured limit.
func New(reg *backend.Registry) *Controller {
	c := &Controller{registry: reg, slots: map[key]*slot{}}
	for _, cfg := range reg.All() {
		for _, cap := range cfg.SupportedCapabilities {
			c.slots[key{cfg.BackendClass, cap}] = newSlot(cfg.Limit(cap))
		}
	}
	return c
}

func (c *Controller) slotFor(backendClass string, cap backend.Capability) (*slot, bool) {
	actual := c.registry.ResolveClass(backendClass)
	c.mu.RLock()
	s, ok := c.slots[key{actual, cap}]
	c.mu.RUnlock()
	return s, ok
}

// Acquire reserves one permit for (backendClass, capability). It never
// blocks: if the capability is unknown for this backend it fails with
// capability_not_supported; if the slot is at capacity it fails with
// backend_overloaded and a Retry-After of 5 seconds.
func (c *Controller) Acquire(backendClass string, cap backend.Capability) (*Lease, *gatewayerr.Error) {
	s, ok := c.slotFor(backendClass, cap)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindCapabilityNotSupported,
			"backend does not support this capability").
			WithField("backend_class", backendClass).
			WithField("route_kind", string(cap))
	}
	if !s.tryAcquire() {
		return nil, gatewayerr.New(gatewayerr.KindBackendOverloaded,
			"backend is at capacity for this capability").
			WithField("backend_class", backendClass).
			WithField("route_kind", string(cap)).
			WithRetryAfter(5)
	}
	return &Lease{s: s}, nil
}

// Stats returns a snapshot of every known (backend_class, capability) slot,
// keyed as "backend_class.capability".
func (c *Controller) Stats() map[string]Stat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Stat, len(c.slots))
	for k, s := range c.slots {
		avail := int(atomic.LoadInt64(&s.available))
		out[k.backendClass+"."+string(k.capability)] = Stat{
			Limit:     s.limit,
			Available: avail,
			Inflight:  s.limit - avail,
		}
	}
	return out
}
