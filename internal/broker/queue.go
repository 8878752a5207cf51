package broker

import (
	"container/heap"
	"context"
	"sync"

	"github.com/paddock/racecore/internal/raceevents"
)

// eventHeap is a container/heap priority queue ordered by
// raceevents.QueuedEvent.Less (priority, then sequence).
type eventHeap []raceevents.QueuedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(raceevents.QueuedEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Subscription is an unbounded, priority-ordered queue of events handed
// to one broker subscriber. Publish never blocks on it; a slow consumer
// only backpressures itself by letting its own queue grow.
type Subscription struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  eventHeap
	closed bool

	onClose func()
}

func newSubscription(onClose func()) *Subscription {
	s := &Subscription{onClose: onClose}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue pushes an event and wakes one waiting receiver.
func (s *Subscription) enqueue(evt raceevents.QueuedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	heap.Push(&s.items, evt)
	s.cond.Signal()
}

// Recv blocks until an event is available, the subscription is closed, or
// ctx is done. ok is false once the subscription has been closed and
// drained.
func (s *Subscription) Recv(ctx context.Context) (evt raceevents.QueuedEvent, ok bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		// Wake the waiter so it can observe ctx.Done(); the cond var has
		// no native context support.
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && !s.closed {
		select {
		case <-ctx.Done():
			return raceevents.QueuedEvent{}, false
		default:
		}
		s.cond.Wait()
	}
	select {
	case <-ctx.Done():
		return raceevents.QueuedEvent{}, false
	default:
	}
	if len(s.items) == 0 {
		return raceevents.QueuedEvent{}, false
	}
	item := heap.Pop(&s.items).(raceevents.QueuedEvent)
	return item, true
}

// Len reports the number of queued, undelivered events (used for the
// broker_queue_depth metric).
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close disposes of the subscription, removing it from the broker's
// fan-out set and waking any blocked Recv call.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	if s.onClose != nil {
		s.onClose()
	}
}
