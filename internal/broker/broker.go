// Package broker implements a priority-ordered, fan-out publish/subscribe
// event bus. It is the only fan-out mechanism in the core: every other
// subsystem observes race state transitions exclusively through it.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/paddock/racecore/internal/raceevents"
	"github.com/paddock/racecore/pkg/raceerrors"
	"github.com/paddock/racecore/pkg/racelog"
)

// Callback is invoked by Trigger's background task. kwargs is the union
// of the callback's DefaultKwargs and the event's payload, payload keys
// winning on conflict.
type Callback func(ctx context.Context, kwargs map[string]any) error

type callbackEntry struct {
	priority raceevents.Priority
	seq      int
	fn       Callback
	defaults map[string]any
}

// Broker distributes events to subscribers and runs registered callbacks
// in the background when an event is Triggered.
type Broker struct {
	log *racelog.Logger

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	callbacks     map[int][]callbackEntry
	callbackSeq   int

	tasksMu  sync.Mutex
	tasks    map[*task]struct{}
	taskErrs []error // errors of tasks that finished since the last Shutdown
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty Broker.
func New(log *racelog.Logger) *Broker {
	if log == nil {
		log = racelog.NewDefault("broker")
	}
	return &Broker{
		log:           log,
		subscriptions: make(map[*Subscription]struct{}),
		callbacks:     make(map[int][]callbackEntry),
		tasks:         make(map[*task]struct{}),
	}
}

// Publish enqueues evt onto every current subscriber's queue. It never
// blocks and never fails other than by programmer error.
func (b *Broker) Publish(evt raceevents.Event, payload map[string]any, id uuid.UUID) raceevents.QueuedEvent {
	qe := raceevents.NewQueuedEvent(evt, payload, id)

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(qe)
	}
	return qe
}

// Trigger publishes evt and additionally schedules every registered
// callback for evt.ID to run, in registration-priority order, on a
// background task. An error from one callback does not prevent the rest
// from running; it is logged and the task's aggregated error is
// available to Shutdown.
func (b *Broker) Trigger(evt raceevents.Event, payload map[string]any, id uuid.UUID) raceevents.QueuedEvent {
	qe := b.Publish(evt, payload, id)

	b.mu.Lock()
	cbs := make([]callbackEntry, len(b.callbacks[evt.ID]))
	copy(cbs, b.callbacks[evt.ID])
	b.mu.Unlock()

	if len(cbs) == 0 {
		return qe
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	b.tasksMu.Lock()
	b.tasks[t] = struct{}{}
	b.tasksMu.Unlock()

	go func() {
		err := b.runCallbacks(ctx, cbs, payload)
		b.tasksMu.Lock()
		delete(b.tasks, t)
		if err != nil {
			b.taskErrs = append(b.taskErrs, err)
		}
		b.tasksMu.Unlock()
		close(t.done)
	}()

	return qe
}

func (b *Broker) runCallbacks(ctx context.Context, cbs []callbackEntry, payload map[string]any) error {
	var merr *multierror.Error
	for _, cb := range cbs {
		select {
		case <-ctx.Done():
			return merr.ErrorOrNil()
		default:
		}

		kwargs := make(map[string]any, len(cb.defaults)+len(payload))
		for k, v := range cb.defaults {
			kwargs[k] = v
		}
		for k, v := range payload {
			kwargs[k] = v
		}

		if err := b.safeCall(ctx, cb.fn, kwargs); err != nil {
			b.log.WithField("error", err).Warn("event callback failed; continuing with remaining callbacks")
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// safeCall recovers a panicking callback so it cannot corrupt the broker
// or take down the process; it is reported like any other callback error.
func (b *Broker) safeCall(ctx context.Context, fn Callback, kwargs map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn(ctx, kwargs)
}

// RegisterEventCallback inserts fn into evt's callback list, sorted by
// priority ascending and stable on equal priority (insertion order
// preserved for ties).
func (b *Broker) RegisterEventCallback(evt raceevents.Event, fn Callback, priority raceevents.Priority, defaults map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.callbackSeq++
	entry := callbackEntry{priority: priority, seq: b.callbackSeq, fn: fn, defaults: defaults}

	list := b.callbacks[evt.ID]
	list = append(list, entry)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	b.callbacks[evt.ID] = list
}

// UnregisterEventCallback removes the first entry in evt's callback list
// whose function has the same code pointer as fn, and returns a
// raceerrors.NotFound error when there is none. Closures created from the
// same function literal share one code pointer, so they are not told
// apart: the earliest-sorted of them is the one removed.
func (b *Broker) UnregisterEventCallback(evt raceevents.Event, fn Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.callbacks[evt.ID]
	fnPtr := fmt.Sprintf("%p", fn)
	for i, entry := range list {
		if fmt.Sprintf("%p", entry.fn) == fnPtr {
			b.callbacks[evt.ID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return raceerrors.NotFoundErr("event_callback", evt.Name)
}

// Subscribe allocates a fresh subscription and registers it with the
// broker's fan-out set. Callers must Close it when done (normally or on
// error) to remove it from the set.
func (b *Broker) Subscribe() *Subscription {
	var sub *Subscription
	sub = newSubscription(func() {
		b.mu.Lock()
		delete(b.subscriptions, sub)
		b.mu.Unlock()
	})

	b.mu.Lock()
	b.subscriptions[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// SubscriberCount reports the number of live subscriptions (used by
// metrics and tests).
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

// Shutdown waits for every in-flight callback task to finish and returns
// the aggregated callback errors of every task that finished since the
// previous Shutdown. Tasks are not cancelled up front: only once ctx is
// done are the tasks still running cancelled (a cancelled task runs no
// further callbacks), and ctx's error is added once for each of them.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.tasksMu.Lock()
	tasks := make([]*task, 0, len(b.tasks))
	for t := range b.tasks {
		tasks = append(tasks, t)
	}
	b.tasksMu.Unlock()

	var merr *multierror.Error
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			t.cancel()
			<-t.done
			merr = multierror.Append(merr, ctx.Err())
		}
	}

	b.tasksMu.Lock()
	merr = multierror.Append(merr, b.taskErrs...)
	b.taskErrs = nil
	b.tasksMu.Unlock()
	return merr.ErrorOrNil()
}
