package engine

import (
	"sync"
	"sync/atomic"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventCommandReceived     EventKind = "command_received"
	EventEvaluationCompleted EventKind = "evaluation_completed"
	EventApprovalNeeded      EventKind = "approval_needed"
	EventApprovalResolved    EventKind = "approval_resolved"
	EventExecutionCompleted  EventKind = "execution_completed"
	EventDaemonStatus        EventKind = "daemon_status"
)

// Event is published to EventBus subscribers. Seq is a per-bus monotonic
// counter (not a wall-clock timestamp) giving observers a stable total
// order even when multiple events land in the same clock tick.
type Event struct {
	Kind EventKind
	Seq  uint64

	Fingerprint uint64
	Command     string
	RuleName    string
	Decision    Action
	ApprovalID  string
	Approved    bool
	Message     string
	ExitCode    int
}

// subscriberQueueSize is the design-point bound on a subscriber's backlog
// before new events start displacing old ones (§4.7).
const subscriberQueueSize = 1024

type subscriber struct {
	id uint64
	ch chan Event

	// mu guards closed/warned and is held across every send to ch, so a
	// concurrent Unsubscribe's close(ch) can never race a Publish's send on
	// the same channel.
	mu     sync.Mutex
	closed bool
	warned bool
}

// SubscriptionHandle identifies a live EventBus subscription.
type SubscriptionHandle struct {
	id uint64
}

// EventBus fans published events out to subscribers without ever blocking
// the publisher: a slow or stalled subscriber has its oldest queued event
// dropped to make room, with a one-time warning event, rather than
// back-pressuring command evaluation (§4.7).
type EventBus struct {
	seq atomic.Uint64

	mu          sync.Mutex
	subscribers []*subscriber
	nextID      uint64
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new observer and returns a handle for Unsubscribe
// plus the channel of events delivered to it. The channel is closed when
// Unsubscribe is called.
func (b *EventBus) Subscribe() (SubscriptionHandle, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := &subscriber{
		id: id,
		ch: make(chan Event, subscriberQueueSize),
	}

	b.subscribers = append(b.subscribers, sub)

	return SubscriptionHandle{id: id}, sub.ch
}

// Unsubscribe removes a subscription. It is idempotent: unsubscribing an
// already-removed or unknown handle is a no-op.
func (b *EventBus) Unsubscribe(handle SubscriptionHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.id != handle.id {
			continue
		}

		// Copy-on-write: replace the slice rather than mutating it in place,
		// so a Publish that already captured the old slice finishes safely.
		next := make([]*subscriber, 0, len(b.subscribers)-1)
		next = append(next, b.subscribers[:i]...)
		next = append(next, b.subscribers[i+1:]...)
		b.subscribers = next

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()

		return
	}
}

// Publish delivers event to every current subscriber. Publish never blocks:
// a subscriber whose queue is full has its oldest event dropped to make
// room for the new one.
func (b *EventBus) Publish(event Event) {
	event.Seq = b.seq.Add(1)

	b.mu.Lock()
	subs := b.subscribers
	b.mu.Unlock()

	for _, sub := range subs {
		deliver(sub, event)
	}
}

func deliver(sub *subscriber, event Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	select {
	case sub.ch <- event:
		return
	default:
	}

	// Queue is full: drop the oldest event and retry once. If a concurrent
	// receiver already drained a slot, the retry just succeeds normally.
	select {
	case <-sub.ch:
	default:
	}

	select {
	case sub.ch <- event:
	default:
		// Lost the race against the drain; drop this event rather than block.
	}

	warn := !sub.warned
	sub.warned = true

	if warn {
		// The queue is full again after the retry above; make room for the
		// warning the same way, by dropping the oldest queued event.
		select {
		case <-sub.ch:
		default:
		}

		select {
		case sub.ch <- Event{Kind: EventDaemonStatus, Message: "subscriber queue full, events were dropped"}:
		default:
		}
	}
}
