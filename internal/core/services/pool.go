package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/logger"
	"forgeos.build/internal/core/ports"
)

// PoolConfig tunes the agent pool.
type PoolConfig struct {
	// AcquireTimeout bounds how long Acquire waits for capacity.
	// Zero waits until the context is done.
	AcquireTimeout time.Duration

	// IdleHorizon is how long a ready instance may sit unused before the
	// reaper destroys it.
	IdleHorizon time.Duration

	// MaxInstanceUse destroys an instance after this many leases.
	// Zero means unlimited reuse.
	MaxInstanceUse int
}

// Pool owns every agent instance. It provisions on demand through the
// container runtime, enforces the per-template concurrency cap with a
// weighted semaphore, hands reusable idle instances back out, and reaps
// instances idle past the horizon. All instance state lives here,
// in memory, and is authoritative.
type Pool struct {
	runtime ports.ContainerRuntime
	cfg     PoolConfig
	log     *slog.Logger

	mu        sync.Mutex
	closed    bool
	templates map[domain.TemplateKey]*templateState
}

// templateState tracks one catalog entry's live instances. The semaphore
// counts leases: every busy instance holds a slot, every ready instance
// does not, and provisioning only happens while holding a slot with the
// idle list empty, which keeps live instances at or under MaxConcurrent.
type templateState struct {
	tpl       domain.AgentTemplate
	sem       *semaphore.Weighted
	idle      []*domain.AgentInstance
	instances map[string]*domain.AgentInstance
}

// Lease is exclusive use of one instance for one stage. Release it
// exactly once.
type Lease struct {
	Instance *domain.AgentInstance

	pool     *Pool
	ts       *templateState
	released bool
}

func NewPool(runtime ports.ContainerRuntime, catalog *domain.Catalog, cfg PoolConfig) *Pool {
	p := &Pool{
		runtime:   runtime,
		cfg:       cfg,
		log:       logger.Component("pool"),
		templates: make(map[domain.TemplateKey]*templateState),
	}
	for _, tpl := range catalog.All() {
		p.templates[tpl.Key()] = &templateState{
			tpl:       tpl,
			sem:       semaphore.NewWeighted(int64(tpl.MaxConcurrent)),
			instances: make(map[string]*domain.AgentInstance),
		}
	}
	return p
}

// Acquire returns a leased instance of the template, waiting for capacity
// up to the configured timeout. Provisioning failures surface as
// ProvisionError and are never retried here; the failed instance does not
// count against the cap.
func (p *Pool) Acquire(ctx context.Context, key domain.TemplateKey) (*Lease, error) {
	ts, err := p.template(key)
	if err != nil {
		return nil, err
	}

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := ts.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: template %s", domain.ErrCapacityTimeout, key)
		}
		return nil, err
	}

	return p.lease(ctx, ts)
}

// TryAcquire is the no-wait policy: it fails immediately with
// ErrPoolExhausted when the template is at capacity.
func (p *Pool) TryAcquire(ctx context.Context, key domain.TemplateKey) (*Lease, error) {
	ts, err := p.template(key)
	if err != nil {
		return nil, err
	}
	if !ts.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: template %s", domain.ErrPoolExhausted, key)
	}
	return p.lease(ctx, ts)
}

func (p *Pool) template(key domain.TemplateKey) (*templateState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrPoolClosed
	}
	ts, ok := p.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTemplate, key)
	}
	return ts, nil
}

// lease is called holding a semaphore slot. It reuses the most recently
// idle instance or provisions a new one.
func (p *Pool) lease(ctx context.Context, ts *templateState) (*Lease, error) {
	p.mu.Lock()
	if n := len(ts.idle); n > 0 {
		inst := ts.idle[n-1]
		ts.idle = ts.idle[:n-1]
		inst.State = domain.InstanceBusy
		inst.UseCount++
		p.mu.Unlock()
		return &Lease{Instance: inst, pool: p, ts: ts}, nil
	}

	inst := &domain.AgentInstance{
		ID:        "agent-" + uuid.New().String(),
		Template:  ts.tpl.Key(),
		State:     domain.InstanceProvisioning,
		CreatedAt: time.Now(),
	}
	ts.instances[inst.ID] = inst
	p.mu.Unlock()

	handle, err := p.runtime.Provision(ctx, ts.tpl)
	if err != nil {
		p.mu.Lock()
		inst.State = domain.InstanceFailed
		delete(ts.instances, inst.ID)
		p.mu.Unlock()
		ts.sem.Release(1)
		p.log.Error("provisioning failed", "template", ts.tpl.Key().String(), "error", err)
		return nil, &domain.ProvisionError{Template: ts.tpl.Key(), Err: err}
	}

	p.mu.Lock()
	inst.RuntimeHandle = string(handle)
	inst.State = domain.InstanceBusy
	inst.UseCount = 1
	p.mu.Unlock()

	p.log.Info("instance provisioned", "instance", inst.ID, "template", ts.tpl.Key().String())
	return &Lease{Instance: inst, pool: p, ts: ts}, nil
}

// Release returns the instance to the idle list, or drains and destroys
// it when the template is single-use, the usage threshold is hit, or the
// pool is shutting down. The semaphore slot is freed only after the
// instance is back in the idle list or gone, so live instances never
// exceed the cap.
func (p *Pool) Release(ctx context.Context, lease *Lease) {
	if lease == nil || lease.released {
		return
	}
	lease.released = true
	inst, ts := lease.Instance, lease.ts

	p.mu.Lock()
	worn := p.cfg.MaxInstanceUse > 0 && inst.UseCount >= p.cfg.MaxInstanceUse
	destroy := ts.tpl.SingleUse || worn || p.closed
	if !destroy {
		inst.State = domain.InstanceReady
		inst.IdleSince = time.Now()
		ts.idle = append(ts.idle, inst)
		p.mu.Unlock()
		ts.sem.Release(1)
		return
	}
	inst.State = domain.InstanceDraining
	p.mu.Unlock()

	p.destroy(ctx, ts, inst)
	ts.sem.Release(1)
}

// Reap destroys ready instances idle beyond the horizon. It holds no
// semaphore slots: idle instances are unleased by definition.
func (p *Pool) Reap(ctx context.Context) {
	p.mu.Lock()
	var victims []*reapVictim
	cutoff := time.Now().Add(-p.cfg.IdleHorizon)
	for _, ts := range p.templates {
		kept := ts.idle[:0]
		for _, inst := range ts.idle {
			if inst.IdleSince.Before(cutoff) {
				inst.State = domain.InstanceDraining
				victims = append(victims, &reapVictim{ts: ts, inst: inst})
			} else {
				kept = append(kept, inst)
			}
		}
		ts.idle = kept
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.destroy(ctx, v.ts, v.inst)
		p.log.Info("reaped idle instance", "instance", v.inst.ID, "template", v.inst.Template.String())
	}
}

type reapVictim struct {
	ts   *templateState
	inst *domain.AgentInstance
}

// RunReaper sweeps on the given interval until the context ends.
func (p *Pool) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(ctx)
		}
	}
}

func (p *Pool) destroy(ctx context.Context, ts *templateState, inst *domain.AgentInstance) {
	if err := p.runtime.Destroy(ctx, ports.RuntimeHandle(inst.RuntimeHandle)); err != nil {
		p.log.Error("destroy failed", "instance", inst.ID, "error", err)
	}
	p.mu.Lock()
	inst.State = domain.InstanceDestroyed
	delete(ts.instances, inst.ID)
	p.mu.Unlock()
}

// Snapshot returns a copy of every live instance, for the API surface
// and metrics sampling.
func (p *Pool) Snapshot() []domain.AgentInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.AgentInstance
	for _, ts := range p.templates {
		for _, inst := range ts.instances {
			out = append(out, *inst)
		}
	}
	return out
}

// Shutdown destroys all idle instances and marks the pool closed; busy
// instances are destroyed as their leases are released.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var victims []*reapVictim
	for _, ts := range p.templates {
		for _, inst := range ts.idle {
			inst.State = domain.InstanceDraining
			victims = append(victims, &reapVictim{ts: ts, inst: inst})
		}
		ts.idle = nil
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.destroy(ctx, v.ts, v.inst)
	}
}
