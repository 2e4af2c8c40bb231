package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const memoryQueueDepth = 64

// MemoryBroker is an in-process Broker used by tests and by servers started
// without a broker URL. Delivery is ordered per queue; messages published
// while no consumer is attached are buffered up to memoryQueueDepth.
type MemoryBroker struct {
	mutex  sync.Mutex
	queues map[string]chan Delivery
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]chan Delivery),
	}
}

func (b *MemoryBroker) queue(name string) chan Delivery {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan Delivery, memoryQueueDepth)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	// Copy so callers can reuse their buffer after Publish returns.
	buf := make([]byte, len(body))
	copy(buf, body)

	// The send happens under the same lock that Close takes before closing
	// the queue channels, so it can never race onto a closed channel.
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return fmt.Errorf("broker closed")
	}

	q, ok := b.queues[queue]
	if !ok {
		q = make(chan Delivery, memoryQueueDepth)
		b.queues[queue] = q
	}

	select {
	case q <- Delivery{ID: uuid.NewString(), Body: buf}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	q := b.queue(queue)
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-q:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	return nil
}
