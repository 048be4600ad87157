package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/types"
)

const (
	// StreamBuffer is the per-task ring capacity. Overflow drops the oldest
	// event and is surfaced to consumers as a single lag marker.
	StreamBuffer = 256

	// Subscriber channels hold a full replay plus a little live headroom
	subscriberBuffer = StreamBuffer + 8
)

// Subscription is one consumer of a task's event stream
type Subscription struct {
	TaskID string
	C      <-chan *types.Event

	ch     chan *types.Event
	lagged uint64
}

// stream holds one task's buffered events and its live subscribers
type stream struct {
	taskID     string
	buf        []*types.Event // ring, oldest first
	dropped    uint64         // events pushed out of the ring
	nextSeq    uint64
	closed     bool
	finishedAt time.Time
	subs       map[*Subscription]bool
}

// Broker fans task events out to subscribers with bounded buffering.
// Publishing never blocks on a slow consumer.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		streams: make(map[string]*stream),
	}
}

func (b *Broker) stream(taskID string) *stream {
	if st, ok := b.streams[taskID]; ok {
		return st
	}
	st := &stream{
		taskID: taskID,
		subs:   make(map[*Subscription]bool),
	}
	b.streams[taskID] = st
	return st
}

// Publish appends an event to its task's stream and broadcasts it.
// Seq and Timestamp are assigned here; callers fill the rest.
func (b *Broker) Publish(event *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(event.TaskID)
	if st.closed {
		return
	}

	st.nextSeq++
	event.Seq = st.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if len(st.buf) >= StreamBuffer {
		st.buf = st.buf[1:]
		st.dropped++
		metrics.EventsDropped.Inc()
	}
	st.buf = append(st.buf, event)

	for sub := range st.subs {
		deliver(sub, event)
	}
}

// deliver sends to one subscriber without blocking. A full channel turns
// the event into pending lag; the marker goes out ahead of the next event
// that fits.
func deliver(sub *Subscription, event *types.Event) {
	if sub.lagged > 0 {
		select {
		case sub.ch <- lagMarker(event.TaskID, sub.lagged):
			sub.lagged = 0
		default:
			sub.lagged++
			return
		}
	}
	select {
	case sub.ch <- event:
	default:
		sub.lagged++
	}
}

func lagMarker(taskID string, dropped uint64) *types.Event {
	return &types.Event{
		Type:      types.EventLag,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Message:   "events dropped",
		Data:      map[string]string{"dropped": strconv.FormatUint(dropped, 10)},
	}
}

// Subscribe attaches to a task's stream: buffered events are replayed
// first (preceded by a lag marker when the ring has already rotated),
// then live events follow. The channel closes once the stream is closed
// and fully drained.
func (b *Broker) Subscribe(taskID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stream(taskID)
	sub := &Subscription{
		TaskID: taskID,
		ch:     make(chan *types.Event, subscriberBuffer),
	}
	sub.C = sub.ch

	// Replay fits the buffer by construction: ring ≤ StreamBuffer
	if st.dropped > 0 {
		sub.ch <- lagMarker(taskID, st.dropped)
	}
	for _, event := range st.buf {
		sub.ch <- event
	}

	if st.closed {
		close(sub.ch)
		return sub
	}
	st.subs[sub] = true
	return sub
}

// Unsubscribe detaches a live subscriber
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[sub.TaskID]
	if !ok {
		return
	}
	if st.subs[sub] {
		delete(st.subs, sub)
		close(sub.ch)
	}
}

// CloseTask marks a stream terminal after its final event. Live
// subscribers drain what is buffered, then see their channel close.
// Re-attaching later still replays the ring.
func (b *Broker) CloseTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[taskID]
	if !ok || st.closed {
		return
	}
	st.closed = true
	st.finishedAt = time.Now()
	for sub := range st.subs {
		delete(st.subs, sub)
		close(sub.ch)
	}
}

// Sweep drops closed streams older than maxAge and returns how many went
func (b *Broker) Sweep(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for taskID, st := range b.streams {
		if st.closed && st.finishedAt.Before(cutoff) {
			delete(b.streams, taskID)
			removed++
		}
	}
	return removed
}

// SubscriberCount returns the number of live subscribers on a task
func (b *Broker) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.streams[taskID]
	if !ok {
		return 0
	}
	return len(st.subs)
}
