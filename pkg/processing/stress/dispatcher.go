package stress

import (
	"context"
	"sync"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

type (
	batchRequest struct {
		samples []model.CanonicalSample
		result  chan []*model.TireStressInsight
	}

	// Dispatcher runs batch aggregation on a dedicated set of worker
	// goroutines, decoupling the ingestion side from the aggregation work by
	// channel instead of shared state.
	Dispatcher struct {
		proc     *StressProcessor
		requests chan batchRequest
		workers  int
		wg       sync.WaitGroup
		l        *log.Logger
	}

	DispatcherOption func(d *Dispatcher)
)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithDispatcherLogger(l *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.l = l
	}
}

func NewDispatcher(proc *StressProcessor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		proc:     proc,
		requests: make(chan batchRequest),
		workers:  1,
		l:        log.Default().Named("stress"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. They terminate when ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.workers {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.requests:
			insights := d.proc.ProcessBatch(req.samples)
			d.l.Debug("batch processed",
				log.Int("worker", id),
				log.Int("samples", len(req.samples)),
				log.Int("insights", len(insights)))
			req.result <- insights
		}
	}
}

// Submit hands a batch to the workers and returns a channel delivering the
// resulting insights. The channel is buffered, so the caller may drop it
// without blocking a worker.
func (d *Dispatcher) Submit(
	ctx context.Context, samples []model.CanonicalSample,
) <-chan []*model.TireStressInsight {
	result := make(chan []*model.TireStressInsight, 1)
	select {
	case <-ctx.Done():
		close(result)
	case d.requests <- batchRequest{samples: samples, result: result}:
	}
	return result
}

// Wait blocks until all workers have terminated.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
