package stream

import (
	"context"
	"time"
)

// Record is one raw entry of the durable result log. ID is strictly
// increasing in log order.
type Record struct {
	ID      uint64
	Payload []byte
}

// ResultLog is the tail-read primitive over the durable ordered log. The log
// owns record storage; callers own their cursor.
type ResultLog interface {
	// Read returns records with id > cursor in log order, waiting up to
	// block for new records. An empty result is not an error.
	Read(ctx context.Context, cursor uint64, block time.Duration, maxCount int) (
		[]Record, error)
	// LastID returns the id of the newest record, 0 for an empty log.
	LastID(ctx context.Context) (uint64, error)
	// Append adds a record and returns its assigned id.
	Append(ctx context.Context, payload []byte) (uint64, error)
}
