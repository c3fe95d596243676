package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outbound event types.
const (
	EventProposalCreated    = "proposal-created"
	EventSignatureAdded     = "signature-added"
	EventProposalExecuted   = "proposal-executed"
	EventBalanceDiscrepancy = "balance-discrepancy"
	EventExecutionExhausted = "execution-exhausted"
)

// Event is a notification for the rest of the application.
type Event struct {
	ID              string
	Type            string
	MatchID         string
	ProposalAddress string
	Data            map[string]any
	At              time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps the event and delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
