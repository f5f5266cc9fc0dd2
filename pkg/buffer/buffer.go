package buffer

import (
	"sync"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

// Bounded is a fixed-capacity FIFO for canonical samples shared between the
// object store poller (producer) and the aggregation pipeline (consumer).
// Push never blocks: at capacity the oldest sample is evicted first, which
// bounds memory when the producer outruns the consumer.
type Bounded struct {
	mu       sync.Mutex
	capacity int
	items    []model.CanonicalSample
	evicted  uint64
}

func NewBounded(capacity int) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{capacity: capacity}
}

func (b *Bounded) Push(sample model.CanonicalSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, sample)
	if len(b.items) > b.capacity {
		over := len(b.items) - b.capacity
		b.items = b.items[over:]
		b.evicted += uint64(over)
	}
}

// Drain removes and returns up to maxN samples, oldest first.
func (b *Bounded) Drain(maxN int) []model.CanonicalSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxN <= 0 || len(b.items) == 0 {
		return nil
	}
	n := min(maxN, len(b.items))
	ret := make([]model.CanonicalSample, n)
	copy(ret, b.items[:n])
	b.items = b.items[n:]
	return ret
}

func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Bounded) Capacity() int { return b.capacity }

// Evicted returns the number of samples dropped due to overflow.
func (b *Bounded) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
