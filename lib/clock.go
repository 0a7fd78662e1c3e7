package lib

import (
	"container/heap"
	"time"
)

// TimerToken identifies one scheduled firing. Zero means "no timer".
// Canceling or re-arming invalidates the outstanding token, so a stale
// firing that was already enqueued is detected and discarded instead of
// executed.
type TimerToken uint64

// Clock is the scheduling collaborator of the engine. Everything the
// engine does (segment processing, timer firings) runs to completion
// inside one of its events; nothing in the engine blocks.
type Clock interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) TimerToken
	Cancel(token TimerToken)
}

type clockEvent struct {
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties
	token    TimerToken
	fn       func()
}

type eventHeap []*clockEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*clockEvent)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// SimClock is a simulated clock driving a deterministic event queue.
// Events execute in non-decreasing deadline order with ties broken by
// insertion order, so identical input traces replay identically.
type SimClock struct {
	now      time.Time
	queue    eventHeap
	nextSeq  uint64
	nextTok  TimerToken
	canceled map[TimerToken]struct{}
}

func NewSimClock() *SimClock {
	return &SimClock{
		now:      time.Unix(0, 0),
		canceled: make(map[TimerToken]struct{}),
	}
}

func (c *SimClock) Now() time.Time { return c.now }

func (c *SimClock) Schedule(delay time.Duration, fn func()) TimerToken {
	if delay < 0 {
		delay = 0
	}
	c.nextTok++
	c.nextSeq++
	heap.Push(&c.queue, &clockEvent{
		deadline: c.now.Add(delay),
		seq:      c.nextSeq,
		token:    c.nextTok,
		fn:       fn,
	})
	return c.nextTok
}

func (c *SimClock) Cancel(token TimerToken) {
	if token == 0 {
		return
	}
	c.canceled[token] = struct{}{}
}

// Step runs the earliest pending event. It reports false when the queue
// drained without a runnable event.
func (c *SimClock) Step() bool {
	for c.queue.Len() > 0 {
		ev := heap.Pop(&c.queue).(*clockEvent)
		if _, dead := c.canceled[ev.token]; dead {
			delete(c.canceled, ev.token)
			continue
		}
		c.now = ev.deadline
		ev.fn()
		return true
	}
	return false
}

// Run drains the event queue.
func (c *SimClock) Run() {
	for c.Step() {
	}
}

// RunUntil executes events with deadlines at or before t, then advances
// the clock to t.
func (c *SimClock) RunUntil(t time.Time) {
	for c.queue.Len() > 0 {
		next := c.queue[0]
		if _, dead := c.canceled[next.token]; dead {
			heap.Pop(&c.queue)
			delete(c.canceled, next.token)
			continue
		}
		if next.deadline.After(t) {
			break
		}
		c.Step()
	}
	if c.now.Before(t) {
		c.now = t
	}
}

// RunFor advances the simulation by d.
func (c *SimClock) RunFor(d time.Duration) {
	c.RunUntil(c.now.Add(d))
}

// Pending reports the number of live (non canceled) scheduled events.
func (c *SimClock) Pending() int {
	n := 0
	for _, ev := range c.queue {
		if _, dead := c.canceled[ev.token]; !dead {
			n++
		}
	}
	return n
}
