// Package queueing provides the queues that hand commands from one goroutine
// to another.
package queueing

import (
	"context"
	"sync"
	"time"

	"github.com/sarchlab/cosim/sim/hooking"
)

// HookPosQueuePush marks when an element is pushed into a queue.
var HookPosQueuePush = &hooking.HookPos{Name: "Queue Push"}

// HookPosQueuePop marks when an element is popped from a queue.
var HookPosQueuePop = &hooking.HookPos{Name: "Queue Pop"}

// HookPosQueueStall marks a Pop that waited longer than the stall warning.
// The detail is the time.Duration waited so far.
var HookPosQueueStall = &hooking.HookPos{Name: "Queue Stall"}

// BlockingQueueBuilder builds blocking queues.
type BlockingQueueBuilder[T any] struct {
	stallWarning time.Duration
}

// WithStallWarning sets how long a Pop may wait before the stall hook fires.
// Zero disables the warning.
func (b BlockingQueueBuilder[T]) WithStallWarning(
	d time.Duration,
) BlockingQueueBuilder[T] {
	b.stallWarning = d
	return b
}

// Build creates an empty queue.
func (b BlockingQueueBuilder[T]) Build(name string) *BlockingQueue[T] {
	return &BlockingQueue[T]{
		name:         name,
		stallWarning: b.stallWarning,
		signal:       make(chan struct{}, 1),
	}
}

// BuildPriority creates an empty priority queue.
func (b BlockingQueueBuilder[T]) BuildPriority(
	name string,
) *PriorityBlockingQueue[T] {
	return &PriorityBlockingQueue[T]{BlockingQueue: b.Build(name)}
}

// A BlockingQueue is an unbounded FIFO shared by producers and consumers on
// different goroutines. Push never blocks. Pop blocks until an element is
// available.
type BlockingQueue[T any] struct {
	hooking.HookableBase

	name         string
	stallWarning time.Duration

	lock     sync.Mutex
	priority []T
	normal   []T
	signal   chan struct{}
}

// NewBlockingQueue creates a queue without a stall warning.
func NewBlockingQueue[T any](name string) *BlockingQueue[T] {
	return BlockingQueueBuilder[T]{}.Build(name)
}

// Name returns the name of the queue.
func (q *BlockingQueue[T]) Name() string {
	return q.name
}

// Push appends an element and wakes one blocked Pop.
func (q *BlockingQueue[T]) Push(e T) {
	q.lock.Lock()
	q.normal = append(q.normal, e)
	q.lock.Unlock()

	q.afterPush(e)
}

func (q *BlockingQueue[T]) pushPriority(e T) {
	q.lock.Lock()
	q.priority = append(q.priority, e)
	q.lock.Unlock()

	q.afterPush(e)
}

func (q *BlockingQueue[T]) afterPush(e T) {
	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    HookPosQueuePush,
			Item:   e,
		})
	}

	q.wakeOne()
}

func (q *BlockingQueue[T]) wakeOne() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the front element if there is one. It never blocks.
func (q *BlockingQueue[T]) TryPop() (T, bool) {
	var zero T

	q.lock.Lock()

	var e T

	switch {
	case len(q.priority) > 0:
		e = q.priority[0]
		q.priority[0] = zero
		q.priority = q.priority[1:]
	case len(q.normal) > 0:
		e = q.normal[0]
		q.normal[0] = zero
		q.normal = q.normal[1:]
	default:
		q.lock.Unlock()
		return zero, false
	}

	remaining := len(q.priority) + len(q.normal)
	q.lock.Unlock()

	if remaining > 0 {
		q.wakeOne()
	}

	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    HookPosQueuePop,
			Item:   e,
		})
	}

	return e, true
}

// Pop removes the front element, waiting for one if the queue is empty. It
// returns false only when ctx is done first.
func (q *BlockingQueue[T]) Pop(ctx context.Context) (T, bool) {
	if e, ok := q.TryPop(); ok {
		return e, true
	}

	var stall <-chan time.Time

	if q.stallWarning > 0 {
		timer := time.NewTimer(q.stallWarning)
		defer timer.Stop()

		stall = timer.C
	}

	start := time.Now()

	for {
		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-stall:
			stall = nil
			q.InvokeHook(hooking.HookCtx{
				Domain: q,
				Pos:    HookPosQueueStall,
				Detail: time.Since(start),
			})
		}

		if e, ok := q.TryPop(); ok {
			return e, true
		}
	}
}

// Size returns the number of queued elements. The value may be stale by the
// time the caller reads it.
func (q *BlockingQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.priority) + len(q.normal)
}

// Clear drops every queued element.
func (q *BlockingQueue[T]) Clear() {
	q.lock.Lock()
	q.priority = nil
	q.normal = nil
	q.lock.Unlock()
}

// A PriorityBlockingQueue keeps a second FIFO that Pop drains first.
type PriorityBlockingQueue[T any] struct {
	*BlockingQueue[T]
}

// NewPriorityBlockingQueue creates an empty priority queue.
func NewPriorityBlockingQueue[T any](name string) *PriorityBlockingQueue[T] {
	return BlockingQueueBuilder[T]{}.BuildPriority(name)
}

// PushPriority appends an element to the high-priority FIFO.
func (q *PriorityBlockingQueue[T]) PushPriority(e T) {
	q.pushPriority(e)
}

// PrioritySize returns the number of high-priority elements queued.
func (q *PriorityBlockingQueue[T]) PrioritySize() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.priority)
}
