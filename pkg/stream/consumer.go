package stream

import (
	"context"
	"time"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

const (
	DefaultBlockTimeout = 2 * time.Second
	DefaultBackoffDelay = 1 * time.Second
	DefaultReadMax      = 100
	// consecutive read errors before entering backoff
	DefaultErrorThreshold = 3
)

type (
	// Handler receives each decoded record in log order. A handler must
	// tolerate duplicates: after a restart the consumer replays every record
	// since the last advanced cursor (at-least-once).
	Handler func(rec *model.ResultRecord)

	// Consumer tails the result log, advancing a cursor after each fully
	// processed batch. Transient read failures never terminate the loop.
	Consumer struct {
		resultLog      ResultLog
		handler        Handler
		cursor         uint64
		haveCursor     bool
		blockTimeout   time.Duration
		backoffDelay   time.Duration
		readMax        int
		errorThreshold int
		decodeFailures uint64
		l              *log.Logger
	}

	ConsumerOption func(c *Consumer)
)

// WithStartCursor starts tailing after the given record id instead of the
// default "only new records from now on".
func WithStartCursor(cursor uint64) ConsumerOption {
	return func(c *Consumer) {
		c.cursor = cursor
		c.haveCursor = true
	}
}

func WithBlockTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTimeout = d
	}
}

func WithBackoffDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoffDelay = d
	}
}

func WithReadMax(n int) ConsumerOption {
	return func(c *Consumer) {
		c.readMax = n
	}
}

func WithConsumerLogger(l *log.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.l = l
	}
}

func NewConsumer(resultLog ResultLog, handler Handler, opts ...ConsumerOption) *Consumer {
	ret := &Consumer{
		resultLog:      resultLog,
		handler:        handler,
		blockTimeout:   DefaultBlockTimeout,
		backoffDelay:   DefaultBackoffDelay,
		readMax:        DefaultReadMax,
		errorThreshold: DefaultErrorThreshold,
		l:              log.Default().Named("consumer"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Run tails the log until ctx is canceled. The initial cursor resolution is
// the only fatal error: if the log cannot be reached at all the operator must
// know instead of the process idling in a degraded state.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.haveCursor {
		last, err := c.resultLog.LastID(ctx)
		if err != nil {
			return err
		}
		c.cursor = last
		c.haveCursor = true
	}
	c.l.Info("tailing result log", log.Uint64("cursor", c.cursor))

	errCount := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		records, err := c.resultLog.Read(ctx, c.cursor, c.blockTimeout, c.readMax)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errCount++
			c.l.Warn("read failed",
				log.ErrorField(err), log.Int("consecutive", errCount))
			if errCount >= c.errorThreshold {
				c.sleep(ctx, c.backoffDelay)
			}
			continue
		}
		errCount = 0
		// the fetched batch is always fully processed before the next read
		c.processBatch(records)
	}
}

func (c *Consumer) processBatch(records []Record) {
	for i := range records {
		rec, err := model.DecodeResultRecord(records[i].ID, records[i].Payload)
		if err != nil {
			c.decodeFailures++
			c.l.Warn("skipping undecodable record",
				log.Uint64("id", records[i].ID), log.ErrorField(err))
			continue
		}
		c.handler(rec)
	}
	if len(records) > 0 {
		c.cursor = records[len(records)-1].ID
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Cursor returns the last advanced record id.
func (c *Consumer) Cursor() uint64 { return c.cursor }

// DecodeFailures returns the number of skipped undecodable records.
func (c *Consumer) DecodeFailures() uint64 { return c.decodeFailures }
