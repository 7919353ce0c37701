package agent

import (
	"context"
	"sync"
	"time"

	"github.com/localforge/gateway/internal/gatewayerr"
)

// AdmissionConfig carries the per-backend concurrency limits and queueing
// knobs a run's admission check consults. It carries the admission-related
// fields of internal/config's AgentConfig.
type AdmissionConfig struct {
	BackendConcurrency map[string]int
	QueueMax           int
	QueueTimeoutSec    float64
	ShedHeavy          bool
}

func (c AdmissionConfig) concurrencyFor(backend string) int {
	if n, ok := c.BackendConcurrency[backend]; ok && n > 0 {
		return n
	}
	return 1
}

// Admission is single-process, deterministic admission control for agent
// runs: one semaphore per backend, with an explicit waiter count so a
// caller that would have to wait past queue_max is refused immediately
// rather than queued indefinitely.
type Admission struct {
	cfg AdmissionConfig

	mu      sync.Mutex
	sems    map[string]chan struct{}
	waiters map[string]int
}

// NewAdmission builds an Admission controller from cfg.
func NewAdmission(cfg AdmissionConfig) *Admission {
	return &Admission{
		cfg:     cfg,
		sems:    map[string]chan struct{}{},
		waiters: map[string]int{},
	}
}

// Lease is a held admission slot; Release is idempotent.
type Lease struct {
	once sync.Once
	sem  chan struct{}
}

// Release returns the slot to its backend's semaphore.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.sem
	})
}

func (a *Admission) semFor(backend string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.sems[backend]
	if !ok {
		sem = make(chan struct{}, a.cfg.concurrencyFor(backend))
		a.sems[backend] = sem
	}
	return sem
}

// Acquire reserves one concurrency slot for backend, subject to the
// shed-heavy policy (tier >= 1 agents refused outright when enabled), the
// queue depth cap, and the queue timeout. It returns a typed gatewayerr on
// every refusal path, matching the three distinct 429 reasons the original
// admission control distinguishes: shed_heavy, queue_full, queue_timeout.
func (a *Admission) Acquire(ctx context.Context, backend string, tier int) (*Lease, *gatewayerr.Error) {
	if a.cfg.ShedHeavy && tier >= 1 {
		return nil, gatewayerr.New(gatewayerr.KindRateLimited, "heavy agents refused (shed heavy mode)").WithField("reason", "shed_heavy")
	}

	sem := a.semFor(backend)

	select {
	case sem <- struct{}{}:
		return &Lease{sem: sem}, nil
	default:
	}

	a.mu.Lock()
	queueMax := a.cfg.QueueMax
	if queueMax >= 0 && a.waiters[backend] >= queueMax {
		a.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.KindRateLimited, "agent queue full").WithField("reason", "queue_full")
	}
	a.waiters[backend]++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.waiters[backend]--
		a.mu.Unlock()
	}()

	timeout := time.Duration(a.cfg.QueueTimeoutSec * float64(time.Second))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return &Lease{sem: sem}, nil
	case <-timer.C:
		return nil, gatewayerr.New(gatewayerr.KindRateLimited, "agent queue timeout").WithField("reason", "queue_timeout")
	case <-ctx.Done():
		return nil, gatewayerr.New(gatewayerr.KindRateLimited, "agent queue timeout").WithField("reason", "queue_timeout")
	}
}
