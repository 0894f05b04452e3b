package vm

import (
	"context"
	"sync"
)

// Pool recycles instances of a single module so hot paths skip per-call
// memory allocation and zeroing costs only when they have to pay them.
//
// Get hands out a pristine instance: either a reset idle one or a freshly
// created one when the pool is empty. Put resets the instance (settling
// any paused call into a receipt) and shelves it for reuse, up to the
// pool's capacity; beyond that the instance is closed and dropped.
//
// Pool is safe for concurrent use. The instances it hands out are not;
// each belongs to one goroutine until returned.
//
// Example:
//
//	pool, err := vm.NewPool(engine, module, 16)
//	defer pool.Close()
//
//	inst, err := pool.Get()
//	result, err := inst.Call(ctx, 0, 42)
//	pool.Put(ctx, inst)
type Pool struct {
	engine *Engine
	module *Module
	cap    int

	mu     sync.Mutex
	idle   []*Instance
	closed bool
}

// NewPool creates an instance pool for a module.
//
// Parameters:
//   - engine: Engine that built the module.
//   - module: Module each pooled instance executes.
//   - capacity: Maximum idle instances retained. Must be at least 1.
//
// Returns:
//   - *Pool: Empty pool; instances are created on demand by Get.
//   - error: ErrEngineMismatch or *ConfigError for a non-positive capacity.
func NewPool(engine *Engine, module *Module, capacity int) (*Pool, error) {
	if module == nil || module.engine != engine {
		return nil, ErrEngineMismatch
	}
	if capacity < 1 {
		return nil, &ConfigError{Option: "NewPool", Reason: "capacity must be at least 1"}
	}
	return &Pool{
		engine: engine,
		module: module,
		cap:    capacity,
		idle:   make([]*Instance, 0, capacity),
	}, nil
}

// Get returns a pristine instance, reusing an idle one when available.
// Get never blocks; when the pool is empty it creates a new instance, so
// concurrency above capacity trades pooling benefit for liveness.
func (p *Pool) Get() (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return inst, nil
	}
	p.mu.Unlock()
	return p.engine.NewInstance(p.module)
}

// Put resets an instance and returns it to the pool.
//
// Reset settles any paused call with a receipt, so the ctx covers that
// store write. Instances beyond the pool's capacity, or returned after
// Close, are closed and dropped. Returning an instance from another
// module or engine is rejected with ErrEngineMismatch.
func (p *Pool) Put(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return nil
	}
	if inst.module != p.module || inst.engine != p.engine {
		return ErrEngineMismatch
	}
	if err := inst.Reset(ctx); err != nil {
		inst.Close()
		return err
	}

	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cap {
		p.mu.Unlock()
		inst.Close()
		return nil
	}
	p.idle = append(p.idle, inst)
	p.mu.Unlock()
	return nil
}

// Idle returns the number of instances currently shelved.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes all idle instances and rejects further Get calls.
// Instances checked out at close time are closed when returned via Put.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, inst := range idle {
		inst.Close()
	}
}
