// Package highpri implements the engine's preemptive high-priority
// sub-queue (spec.md §4.5): a parallel ring whose opening asks the
// dispatch kernel to switch over as soon as it reaches a command
// boundary, and whose closing hands control back to the normal queue.
package highpri

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/riftcoprocessor/cmdq/internal/cmdsink"
	"github.com/riftcoprocessor/cmdq/internal/opcode"
	"github.com/riftcoprocessor/cmdq/internal/ring"
)

// Preemptor is the slice of the dispatch kernel the high-priority queue
// needs to drive preemption, kept as an interface so this package never
// imports internal/kernel.
type Preemptor interface {
	// RequestSwitch asks the kernel to preempt the normal queue at the
	// next command boundary.
	RequestSwitch()
	// SegmentsCompleted reports how many high-priority segments the
	// kernel has run to completion (reached their SWAP_BUFFERS).
	SegmentsCompleted() uint64
}

// Queue is the high-priority sub-queue. Exactly one segment may be open
// at a time; BlockBegin, BlockRun and HighPriBegin on the engine façade
// reject overlap
// per spec.md §D.2.
type Queue struct {
	mu     sync.Mutex
	writer *ring.Writer
	kernel Preemptor
	open   bool
	target uint64
}

// New wraps a high-priority ring and the kernel it preempts.
func New(r *ring.Ring, kernel Preemptor) *Queue {
	return &Queue{writer: ring.NewWriter(r), kernel: kernel}
}

// Begin opens a high-priority segment and signals the kernel to
// preempt the normal queue as soon as it next reaches a command
// boundary. Subsequent writes through Writer land in the high-priority
// ring until End.
func (q *Queue) Begin() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.open {
		panic("highpri: highpri_begin called while a segment is already open")
	}
	q.open = true
	q.kernel.RequestSwitch()
}

// End closes the segment with a SWAP_BUFFERS command, handing control
// back to the normal queue once the kernel reaches it.
func (q *Queue) End() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.open {
		panic("highpri: highpri_end called with no segment open")
	}
	q.writer.Write(opcode.OverlayInternal, opcode.SwapBuffers)
	q.writer.Flush()
	q.target++
	q.open = false
}

// Open reports whether a segment is currently open.
func (q *Queue) Open() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open
}

// Writer is the cmdsink.Sink a caller writes high-priority commands
// through while a segment is open.
func (q *Queue) Writer() cmdsink.Sink { return q.writer }

// Sync blocks until the kernel has finished running every high-priority
// segment closed so far.
func (q *Queue) Sync() {
	q.mu.Lock()
	target := q.target
	q.mu.Unlock()

	if q.kernel.SegmentsCompleted() >= target {
		return
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond * 50,
		RandomizationFactor: 0.2,
		Multiplier:          1.5,
		MaxInterval:         2 * time.Millisecond,
	}
	for q.kernel.SegmentsCompleted() < target {
		time.Sleep(b.NextBackOff())
	}
}
