package engine

import (
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// brokerRetention is how long a closed topic stays as a marker before the
// next run start prunes it.
const brokerRetention = time.Minute

// Event types published for a run.
const (
	EventProgress = "progress"
	EventLog      = "log"
	EventDone     = "done"
)

// Event is one live update of a run.
type Event struct {
	Type     string          `json:"type"`
	Progress *model.Progress `json:"progress,omitempty"`
	Line     string          `json:"line,omitempty"`
	Status   string          `json:"status,omitempty"`
}

// Broker fans run events out to subscribers. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Prune drops markers once they are old enough that
// callers see the run's terminal status in the store instead.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished (Close was called),
// the returned channel is immediately closed.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(runID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		b.topics[runID] = &topic{subs: make(map[int]chan Event), closed: true, closedAt: time.Now()}
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = time.Now()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Prune removes topics closed more than olderThan ago and returns how many
// were removed.
func (b *Broker) Prune(olderThan time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	n := 0
	for id, t := range b.topics {
		if t.closed && !t.closedAt.After(cutoff) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}

// Len returns the number of topics held, open or closed.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
