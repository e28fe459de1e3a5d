// Package syncpoint implements the engine's fence primitive: monotone
// IDs whose passage the host can poll or block on, with an optional
// callback marshalled out of the (simulated) interrupt context onto a
// dedicated drain goroutine.
package syncpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
)

// Callback is invoked once its syncpoint is reached, outside the
// kernel's dispatch context. It must never call back into the command
// writer: the contract is on the caller, per the engine's documented
// re-entrancy rule — there is no runtime check.
type Callback func(id uint32, arg any)

type pending struct {
	cb  Callback
	arg any
}

// Tracker issues syncpoint IDs and tracks how far the simulated kernel
// has progressed through them.
type Tracker struct {
	mu          sync.Mutex
	nextID      uint32
	lastReached uint32
	callbacks   map[uint32]pending

	queue  chan func()
	logger *zap.Logger
}

// New constructs a tracker. queueDepth bounds how many fired callbacks
// may be waiting for the drain goroutine at once; Advance blocks once
// it is full, which is deliberate — callbacks are never dropped.
func New(logger *zap.Logger, queueDepth int) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Tracker{
		callbacks: make(map[uint32]pending),
		queue:     make(chan func(), queueDepth),
		logger:    logger,
	}
}

// Create allocates the next syncpoint ID with no callback.
func (t *Tracker) Create() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// CreateWithCallback allocates the next syncpoint ID and arranges for cb
// to run (with arg) once that ID is reached.
func (t *Tracker) CreateWithCallback(cb Callback, arg any) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.callbacks[id] = pending{cb: cb, arg: arg}
	return id
}

// Check reports whether id has been reached already.
func (t *Tracker) Check(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return id <= t.lastReached
}

// Wait blocks until id has been reached.
func (t *Tracker) Wait(id uint32) {
	if t.Check(id) {
		return
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 50,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         2 * time.Millisecond,
	}
	for !t.Check(id) {
		time.Sleep(b.NextBackOff())
	}
}

// Emit allocates a syncpoint ID and writes the Syncpoint command that
// will cause the simulated kernel to Advance past it. Callers must only
// do this against the normal queue's sink: completion order must equal
// creation order, which block recording and the high-priority queue
// cannot guarantee.
func (t *Tracker) Emit(sink cmdsink.Sink) uint32 {
	id := t.Create()
	sink.Write(opcode.OverlayInternal, opcode.Syncpoint, id)
	return id
}

// EmitWithCallback is Emit plus a callback run once the syncpoint is
// reached.
func (t *Tracker) EmitWithCallback(sink cmdsink.Sink, cb Callback, arg any) uint32 {
	id := t.CreateWithCallback(cb, arg)
	sink.Write(opcode.OverlayInternal, opcode.Syncpoint, id)
	return id
}

// Advance is called by the simulated dispatch kernel as it executes
// each Syncpoint command, in the queue's insertion order (the same
// order Create/CreateWithCallback handed out IDs, since syncpoints are
// only ever created from the normal queue). It enqueues id's callback,
// if any, onto the drain queue Run services.
func (t *Tracker) Advance(id uint32) {
	t.mu.Lock()
	if id <= t.lastReached {
		t.mu.Unlock()
		return
	}
	t.lastReached = id
	p, hasCallback := t.callbacks[id]
	if hasCallback {
		delete(t.callbacks, id)
	}
	t.mu.Unlock()

	if hasCallback {
		t.queue <- func() { p.cb(id, p.arg) }
	}
}

// Run drains fired callbacks until ctx is canceled. The engine runs this
// in a supervised goroutine (errgroup) for the lifetime of the queue.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-t.queue:
			fn()
		}
	}
}
