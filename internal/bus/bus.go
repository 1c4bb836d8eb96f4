package bus

import (
	"fmt"
	"sync"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"

	"github.com/google/uuid"
)

// Bus is the in-process typed publish/subscribe fabric. Events live in a
// bounded in-memory ring; each subscriber consumes at its own cursor, so
// per-source sequence order is preserved per subscriber while different
// subscribers run concurrently.
type Bus struct {
	mu       sync.Mutex
	spaceCnd *sync.Cond

	ring     []api.Event
	capacity uint64 // power of two
	head     uint64 // next global write position

	seqs map[string]uint64 // per-source sequence counters
	subs map[string]*subscription
	keys *KeyRegistry

	lagWatermark uint64
	closed       bool

	droppedBestEffort uint64
	published         uint64
}

// subscription tracks one subscriber's position in the ring and its
// per-source delivery cursors.
type subscription struct {
	id     string
	name   string
	filter api.EventFilter
	mode   api.DeliveryMode
	fn     api.EventHandlerFunc

	pos        uint64            // next global ring position to consume
	srcCursors map[string]uint64 // source -> last delivered seq
	replay     []api.Event       // queued redeliveries, drained by the dispatcher

	wake   chan struct{}
	closed chan struct{}
}

// New creates a bus with the given ring capacity (rounded up to a power
// of two) and at_least_once lag watermark.
func New(ringCapacity, lagWatermark int) *Bus {
	capacity := uint64(2)
	for capacity < uint64(ringCapacity) {
		capacity <<= 1
	}
	b := &Bus{
		ring:         make([]api.Event, capacity),
		capacity:     capacity,
		seqs:         make(map[string]uint64),
		subs:         make(map[string]*subscription),
		keys:         newKeyRegistry(),
		lagWatermark: uint64(lagWatermark),
	}
	b.spaceCnd = sync.NewCond(&b.mu)
	return b
}

// Keys exposes the signing key registry so the assembler can issue keys
// to sources that cross trust boundaries.
func (b *Bus) Keys() *KeyRegistry { return b.keys }

// Publish implements api.EventBusHandler. It blocks while any
// at_least_once subscriber lags beyond the watermark.
func (b *Bus) Publish(ev api.Event) error {
	return b.publish(ev, true)
}

// TryPublish implements api.EventBusHandler. It returns a Busy error
// instead of blocking; latency-sensitive paths use this variant.
func (b *Bus) TryPublish(ev api.Event) error {
	return b.publish(ev, false)
}

func (b *Bus) publish(ev api.Event, block bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return api.NewInternalError("bus.publish", errClosed)
	}

	for b.minAtLeastOnceLag() >= b.lagWatermark {
		if !block {
			return api.NewBusyError("backpressure", "event-ring")
		}
		b.spaceCnd.Wait()
		if b.closed {
			return api.NewInternalError("bus.publish", errClosed)
		}
	}

	b.seqs[ev.Source]++
	ev.Seq = b.seqs[ev.Source]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if sig, ok := b.keys.sign(ev); ok {
		ev.Signature = sig
	}

	// Overflow policy: the ring is fixed-size, so writing over a slot a
	// best_effort subscriber has not consumed drops that delivery. The
	// at_least_once watermark above guarantees their slots are never
	// overwritten.
	overwritten := b.head - b.capacity
	if b.head >= b.capacity {
		for _, sub := range b.subs {
			if sub.mode == api.BestEffort && sub.pos <= overwritten {
				lost := overwritten - sub.pos + 1
				sub.pos = overwritten + 1
				b.droppedBestEffort += lost
				logging.Warn("Bus", "dropped %d event(s) for best_effort subscriber %s", lost, sub.name)
			}
		}
	}

	b.ring[b.head&(b.capacity-1)] = ev
	b.head++
	b.published++

	for _, sub := range b.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// minAtLeastOnceLag returns how far the slowest at_least_once subscriber
// trails the head. With no such subscribers the lag is zero and
// publishers never block.
func (b *Bus) minAtLeastOnceLag() uint64 {
	var worst uint64
	for _, sub := range b.subs {
		if sub.mode != api.AtLeastOnce {
			continue
		}
		if lag := b.head - sub.pos; lag > worst {
			worst = lag
		}
	}
	return worst
}

// Subscribe implements api.EventBusHandler. The handler runs on its own
// dispatcher goroutine; events matching the filter are delivered in ring
// order, which preserves per-source sequence order.
func (b *Bus) Subscribe(name string, filter api.EventFilter, mode api.DeliveryMode, fn api.EventHandlerFunc) (string, error) {
	if fn == nil {
		return "", api.NewConfigError("handler", "subscription handler must not be nil")
	}
	if mode != api.AtLeastOnce && mode != api.BestEffort {
		return "", api.NewConfigError("mode", "unknown delivery mode "+string(mode))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", api.NewInternalError("bus.subscribe", errClosed)
	}

	sub := &subscription{
		id:         uuid.NewString(),
		name:       name,
		filter:     filter,
		mode:       mode,
		fn:         fn,
		pos:        b.head,
		srcCursors: make(map[string]uint64),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go b.dispatch(sub)
	return sub.id, nil
}

// Unsubscribe implements api.EventBusHandler. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.closed)
	}
	b.spaceCnd.Broadcast()
	b.mu.Unlock()
}

// Cursor implements api.EventBusHandler.
func (b *Bus) Cursor(subscriptionID, source string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[subscriptionID]; ok {
		return sub.srcCursors[source]
	}
	return 0
}

// Replay implements api.EventBusHandler: redeliver retained events for
// one source starting at fromSeq, in order. Redeliveries are queued on
// the subscriber's own dispatcher, so replay and live delivery never run
// a handler concurrently. Events evicted from the ring are reported as
// NotFound with the eviction horizon.
func (b *Bus) Replay(subscriptionID, source string, fromSeq uint64) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		b.mu.Unlock()
		return api.NewNotFoundError("subscription", subscriptionID)
	}
	if sub.mode != api.AtLeastOnce {
		b.mu.Unlock()
		return api.NewConfigError("mode", "replay requires an at_least_once subscription")
	}

	var pending []api.Event
	start := uint64(0)
	if b.head > b.capacity {
		start = b.head - b.capacity
	}
	oldestRetained := uint64(0)
	for pos := start; pos < b.head; pos++ {
		ev := b.ring[pos&(b.capacity-1)]
		if ev.Source != source {
			continue
		}
		if oldestRetained == 0 {
			oldestRetained = ev.Seq
		}
		if ev.Seq >= fromSeq && sub.filter.Matches(ev) {
			pending = append(pending, ev)
		}
	}

	// Truncation is an error, not an empty success: if the source ever
	// reached fromSeq but the ring no longer holds it, tell the caller
	// where the retained range starts.
	if latest := b.seqs[source]; fromSeq <= latest {
		horizon := oldestRetained
		if horizon == 0 {
			horizon = latest + 1
		}
		if horizon > fromSeq {
			b.mu.Unlock()
			return api.NewNotFoundError("event",
				fmt.Sprintf("%s events before seq %d evicted from the ring", source, horizon))
		}
	}

	sub.replay = append(sub.replay, pending...)
	b.mu.Unlock()

	if len(pending) > 0 {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// dispatch is the per-subscriber loop: consume ring positions in order,
// filter, verify, invoke. Handler panics are logged, not propagated; the
// bus does not retry handler failures.
func (b *Bus) dispatch(sub *subscription) {
	for {
		b.mu.Lock()
		for len(sub.replay) == 0 && sub.pos >= b.head {
			b.mu.Unlock()
			select {
			case <-sub.wake:
			case <-sub.closed:
				return
			}
			b.mu.Lock()
		}

		// Queued redeliveries go out on this loop too, so the handler
		// never sees replayed and live events concurrently.
		if len(sub.replay) > 0 {
			ev := sub.replay[0]
			sub.replay = sub.replay[1:]
			b.mu.Unlock()
			b.deliver(sub, ev)
			continue
		}

		ev := b.ring[sub.pos&(b.capacity-1)]
		sub.pos++
		freed := sub.mode == api.AtLeastOnce
		b.mu.Unlock()

		if freed {
			b.mu.Lock()
			b.spaceCnd.Broadcast()
			b.mu.Unlock()
		}

		select {
		case <-sub.closed:
			return
		default:
		}

		if !sub.filter.Matches(ev) {
			continue
		}
		b.deliver(sub, ev)
	}
}

// deliver verifies, invokes and advances the per-source cursor for one
// event on the subscriber's dispatcher goroutine.
func (b *Bus) deliver(sub *subscription, ev api.Event) {
	if !b.deliverable(ev) {
		return
	}
	b.invoke(sub, ev)

	b.mu.Lock()
	if ev.Seq > sub.srcCursors[ev.Source] {
		sub.srcCursors[ev.Source] = ev.Seq
	}
	b.mu.Unlock()
}

// deliverable verifies provenance for signed events before delivery.
// Unsigned events from sources holding a key are refused: a missing
// signature on a keyed source means the event did not come from it.
func (b *Bus) deliverable(ev api.Event) bool {
	ok, reason := b.keys.verify(ev)
	if !ok {
		logging.Warn("Bus", "refusing event %s from %s: %s", ev.Type, ev.Source, reason)
	}
	return ok
}

func (b *Bus) invoke(sub *subscription, ev api.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Bus", nil, "handler %s panicked on %s: %v", sub.name, ev.Type, r)
		}
	}()
	sub.fn(ev)
}

// Stats reports bus counters for the metrics collector.
type Stats struct {
	Published         uint64
	DroppedBestEffort uint64
	Subscribers       int
	RingDepth         uint64
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:         b.published,
		DroppedBestEffort: b.droppedBestEffort,
		Subscribers:       len(b.subs),
		RingDepth:         b.minAtLeastOnceLag(),
	}
}

// Close shuts the bus down, waking blocked publishers and stopping every
// dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.closed)
	}
	b.spaceCnd.Broadcast()
	b.mu.Unlock()
}
