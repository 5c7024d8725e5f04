package eventmodels

import (
	"container/heap"
	"fmt"
	"sync"
)

type OverflowPolicy string

const (
	OverflowPolicyBlock      OverflowPolicy = "block"
	OverflowPolicyDropOldest OverflowPolicy = "drop_oldest"
	OverflowPolicyDropNewest OverflowPolicy = "drop_newest"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowPolicyBlock, OverflowPolicyDropOldest, OverflowPolicyDropNewest:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("ParseOverflowPolicy: unknown overflow policy: %s", s)
	}
}

type queueItem struct {
	event *Event
	seq   uint64
}

type eventHeap []queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]

	if !a.event.Timestamp.Equal(b.event.Timestamp) {
		return a.event.Timestamp.Before(b.event.Timestamp)
	}

	if a.event.Priority != b.event.Priority {
		return a.event.Priority < b.event.Priority
	}

	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(queueItem))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]

	return item
}

// EventQueue is the bounded buffer between the normalizer and the
// dispatcher. Dequeue always yields the event with the earliest timestamp,
// breaking ties by priority and then arrival order, so a burst of
// out-of-order broker pushes drains in a deterministic sequence.
//
// When full, behavior follows the configured policy: block stalls the
// publisher until the consumer catches up, drop_oldest evicts the event that
// would have drained next, drop_newest rejects the incoming event with
// ErrQueueFull.
type EventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    eventHeap
	capacity int
	policy   OverflowPolicy
	seq      uint64
	closed   bool
	dropped  uint64

	pressured  bool
	onDrop     func(ev *Event)
	onPressure func(depth int, capacity int)
}

const pressureRatio = 0.9

func NewEventQueue(capacity int, policy OverflowPolicy) *EventQueue {
	q := &EventQueue{
		items:    make(eventHeap, 0, capacity),
		capacity: capacity,
		policy:   policy,
	}

	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	return q
}

// SetDropHandler registers a callback fired once per dropped event. Must be
// called before the queue is in use.
func (q *EventQueue) SetDropHandler(fn func(ev *Event)) {
	q.onDrop = fn
}

// SetPressureHandler registers a callback fired when depth first crosses 90%
// of capacity. The latch re-arms after the queue drains below half full.
func (q *EventQueue) SetPressureHandler(fn func(depth int, capacity int)) {
	q.onPressure = fn
}

func (q *EventQueue) Publish(ev *Event) error {
	var droppedEvent *Event
	var pressureDepth int

	err := func() error {
		q.mu.Lock()
		defer q.mu.Unlock()

		if q.closed {
			return ErrQueueClosed
		}

		if len(q.items) >= q.capacity {
			switch q.policy {
			case OverflowPolicyBlock:
				for len(q.items) >= q.capacity && !q.closed {
					q.notFull.Wait()
				}

				if q.closed {
					return ErrQueueClosed
				}

			case OverflowPolicyDropOldest:
				item := heap.Pop(&q.items).(queueItem)
				droppedEvent = item.event
				q.dropped++

			case OverflowPolicyDropNewest:
				droppedEvent = ev
				q.dropped++

				return ErrQueueFull
			}
		}

		heap.Push(&q.items, queueItem{event: ev, seq: q.seq})
		q.seq++

		if !q.pressured && float64(len(q.items)) >= pressureRatio*float64(q.capacity) {
			q.pressured = true
			pressureDepth = len(q.items)
		}

		q.notEmpty.Signal()

		return nil
	}()

	if droppedEvent != nil && q.onDrop != nil {
		q.onDrop(droppedEvent)
	}

	if pressureDepth > 0 && q.onPressure != nil {
		q.onPressure(pressureDepth, q.capacity)
	}

	return err
}

// Dequeue blocks until an event is available or the queue is closed and
// drained, in which case ok is false.
func (q *EventQueue) Dequeue() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		return nil, false
	}

	item := heap.Pop(&q.items).(queueItem)

	if q.pressured && len(q.items) <= q.capacity/2 {
		q.pressured = false
	}

	q.notFull.Signal()

	return item.event, true
}

// Close unblocks all waiting publishers and consumers. Queued events remain
// drainable; further publishes fail with ErrQueueClosed.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *EventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}
