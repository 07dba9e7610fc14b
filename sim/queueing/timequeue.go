package queueing

import (
	"container/heap"
	"sync"

	"github.com/sarchlab/cosim/sim"
)

// TimeQueue orders elements by time. Elements with equal times keep their
// push order.
type TimeQueue[T any] struct {
	lock    sync.Mutex
	entries timedHeap[T]
	nextSeq uint64
}

// NewTimeQueue creates an empty TimeQueue.
func NewTimeQueue[T any]() *TimeQueue[T] {
	q := &TimeQueue[T]{}
	heap.Init(&q.entries)

	return q
}

// Push adds an element at the given time.
func (q *TimeQueue[T]) Push(t sim.VTime, e T) {
	q.lock.Lock()
	defer q.lock.Unlock()

	heap.Push(&q.entries, timedEntry[T]{time: t, seq: q.nextSeq, elem: e})
	q.nextSeq++
}

// Pop removes the earliest element.
func (q *TimeQueue[T]) Pop() (sim.VTime, T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.entries) == 0 {
		var zero T
		return sim.MaxVTime, zero, false
	}

	entry := heap.Pop(&q.entries).(timedEntry[T])

	return entry.time, entry.elem, true
}

// PopUntil removes the earliest element if its time is at or before t.
func (q *TimeQueue[T]) PopUntil(t sim.VTime) (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	var zero T

	if len(q.entries) == 0 || q.entries[0].time > t {
		return zero, false
	}

	entry := heap.Pop(&q.entries).(timedEntry[T])

	return entry.elem, true
}

// Peek returns the earliest element without removing it.
func (q *TimeQueue[T]) Peek() (sim.VTime, T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.entries) == 0 {
		var zero T
		return sim.MaxVTime, zero, false
	}

	return q.entries[0].time, q.entries[0].elem, true
}

// NextTime returns the time of the earliest element, or sim.MaxVTime when
// empty.
func (q *TimeQueue[T]) NextTime() sim.VTime {
	t, _, _ := q.Peek()
	return t
}

// NextTimeAfter returns the earliest time strictly after t, or sim.MaxVTime.
func (q *TimeQueue[T]) NextTimeAfter(t sim.VTime) sim.VTime {
	q.lock.Lock()
	defer q.lock.Unlock()

	next := sim.MaxVTime

	for _, e := range q.entries {
		if e.time > t && e.time < next {
			next = e.time
		}
	}

	return next
}

// Len returns the number of queued elements.
func (q *TimeQueue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.entries)
}

// CountUntil returns how many elements are at or before t.
func (q *TimeQueue[T]) CountUntil(t sim.VTime) int {
	q.lock.Lock()
	defer q.lock.Unlock()

	n := 0

	for _, e := range q.entries {
		if e.time <= t {
			n++
		}
	}

	return n
}

// Clear drops every queued element.
func (q *TimeQueue[T]) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.entries = q.entries[:0]
}

type timedEntry[T any] struct {
	time sim.VTime
	seq  uint64
	elem T
}

type timedHeap[T any] []timedEntry[T]

func (h timedHeap[T]) Len() int {
	return len(h)
}

func (h timedHeap[T]) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}

	return h[i].seq < h[j].seq
}

func (h timedHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *timedHeap[T]) Push(x interface{}) {
	*h = append(*h, x.(timedEntry[T]))
}

func (h *timedHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[0 : n-1]

	return entry
}
