// Package eventbus implements the in-memory, best-effort publish/subscribe
// fan-out used to bridge the worker to connected subscription streams. It
// is never the source of truth — the order repository is — so it carries
// no persistent log or replay buffer; a late or reconnecting subscriber
// catches up via the subscription service's DB backfill instead.
package eventbus

import (
	"sync"

	"github.com/ordersys/execution-engine/internal/domain"
)

// topic fans out to every currently-registered subscriber on one orderId.
// The bus keeps a topic alive only while at least one subscriber holds it
// (refcounted), mirroring "one bus subscription per active topic" from the
// subscription fan-out model.
type topic struct {
	mu          sync.RWMutex
	subscribers map[int64]chan domain.BusMessage
	nextID      int64
}

// Bus implements domain.EventBus.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

var _ domain.EventBus = (*Bus)(nil)

// Publish fires msg to every current subscriber of orderID. It never
// blocks: a subscriber whose buffer is full simply misses the message,
// consistent with "losing an in-flight message is recoverable" — the next
// reconnect triggers a fresh backfill.
func (b *Bus) Publish(orderID string, msg domain.BusMessage) {
	b.mu.Lock()
	t, ok := b.topics[orderID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a buffered listener on orderID's topic. The returned
// cancel releases this subscriber's hold; once the last subscriber on a
// topic cancels, the topic is torn down.
func (b *Bus) Subscribe(orderID string, bufferSize int) (<-chan domain.BusMessage, func()) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	b.mu.Lock()
	t, ok := b.topics[orderID]
	if !ok {
		t = &topic{subscribers: make(map[int64]chan domain.BusMessage)}
		b.topics[orderID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan domain.BusMessage, bufferSize)
	t.subscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			remaining := len(t.subscribers)
			close(ch)
			t.mu.Unlock()

			if remaining == 0 {
				b.mu.Lock()
				if cur, ok := b.topics[orderID]; ok && cur == t {
					delete(b.topics, orderID)
				}
				b.mu.Unlock()
			}
		})
	}

	return ch, cancel
}

// TopicCount reports the number of topics with at least one live
// subscriber, for observability (gauge) purposes.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
