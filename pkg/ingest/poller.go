package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/buffer"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

const DefaultPollInterval = 30 * time.Second

type (
	// Poller lists the object store on a fixed interval and streams every
	// new, non-empty object into the sample buffer. Listing and fetch
	// failures only delay work to the next cycle; the poller never
	// terminates on its own.
	Poller struct {
		store    ObjectStore
		buf      *buffer.Bounded
		interval time.Duration
		prefix   string
		l        *log.Logger

		mu        sync.Mutex
		processed map[string]struct{}

		decodeFailures atomic.Uint64
		samplesPushed  atomic.Uint64
	}

	PollerOption func(p *Poller)
)

func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

func WithPrefix(prefix string) PollerOption {
	return func(p *Poller) {
		p.prefix = prefix
	}
}

func WithPollerLogger(l *log.Logger) PollerOption {
	return func(p *Poller) {
		p.l = l
	}
}

func NewPoller(store ObjectStore, buf *buffer.Bounded, opts ...PollerOption) *Poller {
	ret := &Poller{
		store:     store,
		buf:       buf,
		interval:  DefaultPollInterval,
		processed: make(map[string]struct{}),
		l:         log.Default().Named("poller"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Run polls immediately, then on every interval tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.l.Info("poller started",
		log.String("prefix", p.prefix),
		log.Duration("interval", p.interval))
	p.pollOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.l.Info("poller stopped",
				log.Uint64("samples", p.samplesPushed.Load()),
				log.Uint64("decodeFailures", p.decodeFailures.Load()))
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	objs, err := p.store.List(ctx, p.prefix)
	if err != nil {
		p.l.Warn("listing failed", log.ErrorField(err))
		return
	}
	for i := range objs {
		if ctx.Err() != nil {
			return
		}
		obj := &objs[i]
		if obj.Size == 0 || p.isProcessed(obj.Key) {
			continue
		}
		if err := p.ingestObject(ctx, obj.Key); err != nil {
			// not marked processed, picked up again next cycle
			p.l.Warn("object ingest failed",
				log.String("key", obj.Key), log.ErrorField(err))
			continue
		}
		p.markProcessed(obj.Key)
	}
}

func (p *Poller) ingestObject(ctx context.Context, key string) error {
	stream, err := p.store.GetStream(ctx, key)
	if err != nil {
		return err
	}
	//nolint:errcheck // read side already consumed
	defer stream.Close()
	pushed := 0
	skipped, err := DecodeSampleStream(stream, key, func(s model.CanonicalSample) {
		p.buf.Push(s)
		pushed++
	})
	if err != nil {
		return err
	}
	p.samplesPushed.Add(uint64(pushed))
	if skipped > 0 {
		p.decodeFailures.Add(uint64(skipped))
	}
	p.l.Debug("object ingested",
		log.String("key", key),
		log.Int("samples", pushed),
		log.Int("skipped", skipped))
	return nil
}

func (p *Poller) isProcessed(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[key]
	return ok
}

func (p *Poller) markProcessed(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[key] = struct{}{}
}

func (p *Poller) DecodeFailures() uint64 { return p.decodeFailures.Load() }

func (p *Poller) SamplesPushed() uint64 { return p.samplesPushed.Load() }
