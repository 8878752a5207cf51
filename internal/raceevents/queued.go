package raceevents

import (
	"sync/atomic"

	"github.com/google/uuid"
)

var seqCounter int64

// nextSeq hands out process-unique, monotonically increasing sequence
// numbers for QueuedEvent ordering.
func nextSeq() int64 {
	return atomic.AddInt64(&seqCounter, 1)
}

// QueuedEvent is the immutable, comparable unit the broker fans out to
// subscribers: an Event descriptor, a message UUID, a payload, and the
// sequence number assigned at enqueue time.
type QueuedEvent struct {
	Event   Event
	UUID    uuid.UUID
	Payload map[string]any
	Seq     int64
}

// NewQueuedEvent builds a QueuedEvent, generating a UUID when id is the
// zero value.
func NewQueuedEvent(evt Event, payload map[string]any, id uuid.UUID) QueuedEvent {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return QueuedEvent{
		Event:   evt,
		UUID:    id,
		Payload: payload,
		Seq:     nextSeq(),
	}
}

// Less orders two QueuedEvents primarily by priority (smaller = more
// urgent) and secondarily by sequence number, giving FIFO among
// equal-priority messages.
func (q QueuedEvent) Less(other QueuedEvent) bool {
	if q.Event.Priority != other.Event.Priority {
		return q.Event.Priority < other.Event.Priority
	}
	return q.Seq < other.Seq
}
