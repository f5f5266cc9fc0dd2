package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

// DefaultBackpressureThreshold is the outbound byte limit beyond which a
// subscriber is skipped for the current record.
const DefaultBackpressureThreshold = int64(2 << 20)

// frames queued per subscriber between hub and its writer goroutine
const outboundQueueLen = 256

type (
	// SubscriberConn is the transport side of one live connection. WriteText
	// may block on network IO; the hub never calls it directly, only the
	// subscriber's own writer goroutine does.
	SubscriberConn interface {
		WriteText(data []byte) error
		Close() error
	}

	Subscriber struct {
		id       string
		conn     SubscriberConn
		outbound chan []byte
		buffered atomic.Int64
		done     chan struct{}
		once     sync.Once
	}

	// Hub fans each published record out to all registered subscribers. A
	// record is serialized once; a slow subscriber is skipped per record and
	// never blocks the fan-out or the other subscribers.
	Hub struct {
		mu          sync.RWMutex
		subscribers map[string]*Subscriber
		threshold   int64
		l           *log.Logger
		numRcv      atomic.Int64
		numSnd      atomic.Int64
		numSkip     atomic.Int64
	}

	HubOption func(h *Hub)
)

func WithBackpressureThreshold(bytes int64) HubOption {
	return func(h *Hub) {
		if bytes > 0 {
			h.threshold = bytes
		}
	}
}

func WithHubLogger(l *log.Logger) HubOption {
	return func(h *Hub) {
		h.l = l
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers: make(map[string]*Subscriber),
		threshold:   DefaultBackpressureThreshold,
		l:           log.Default().Named("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.setupMetrics()
	return h
}

//nolint:funlen // metric registration table
func (h *Hub) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("tirewatch.broadcast")
	register := func(metricName, desc, unit string, valueProvider func() int64) {
		if _, err := meter.Int64ObservableGauge(
			metricName,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(valueProvider(),
					metric.WithAttributes(attribute.String("component", "hub")))
				return nil
			})); err != nil {
			h.l.Error("failed to register metric",
				log.String("metric", metricName), log.ErrorField(err))
		}
	}
	type data struct {
		name  string
		desc  string
		unit  string
		value func() int64
	}
	for _, d := range []*data{
		{
			"tirewatch.broadcast.rcv", "Number of received records", "{count}",
			h.numRcv.Load,
		},
		{
			"tirewatch.broadcast.snd", "Number of sent frames", "{count}",
			h.numSnd.Load,
		},
		{
			"tirewatch.broadcast.skip", "Number of skipped frames", "{count}",
			h.numSkip.Load,
		},
		{
			"tirewatch.broadcast.subscribers", "Number of subscribers", "{count}",
			func() int64 { return int64(h.NumSubscribers()) },
		},
	} {
		register(d.name, d.desc, d.unit, d.value)
	}
}

// Register adds a connection to the broadcast rotation. The synthetic
// connected handshake is queued before any log record can reach the
// subscriber.
func (h *Hub) Register(conn SubscriberConn) *Subscriber {
	sub := &Subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		outbound: make(chan []byte, outboundQueueLen),
		done:     make(chan struct{}),
	}
	if data, err := json.Marshal(model.NewConnectedFrame()); err == nil {
		sub.enqueue(data)
	}
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()
	go h.writeLoop(sub)
	h.l.Debug("subscriber registered", log.String("id", sub.id))
	return sub
}

// Unregister removes the subscriber and closes its connection. Safe against
// concurrent Publish calls; an in-flight publish at most no-ops the send.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()
	if ok {
		sub.close()
		h.l.Debug("subscriber removed", log.String("id", id))
	}
}

// Publish sends the record's raw bytes to every subscriber below the
// backpressure threshold. A subscriber above it misses this record only.
func (h *Hub) Publish(rec *model.ResultRecord) {
	h.numRcv.Add(1)
	data := rec.Raw

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.buffered.Load() > h.threshold {
			h.numSkip.Add(1)
			continue
		}
		if sub.enqueue(data) {
			h.numSnd.Add(1)
		} else {
			h.numSkip.Add(1)
		}
	}
}

func (h *Hub) NumSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	h.l.Info("hub closed",
		log.Int64("rcv", h.numRcv.Load()),
		log.Int64("snd", h.numSnd.Load()),
		log.Int64("skip", h.numSkip.Load()))
}

func (h *Hub) writeLoop(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.outbound:
			sub.buffered.Add(-int64(len(data)))
			if err := sub.conn.WriteText(data); err != nil {
				h.l.Debug("write failed, dropping subscriber",
					log.String("id", sub.id), log.ErrorField(err))
				h.Unregister(sub.id)
				return
			}
		}
	}
}

func (s *Subscriber) ID() string { return s.id }

// BufferedBytes returns the bytes currently queued towards the connection.
func (s *Subscriber) BufferedBytes() int64 { return s.buffered.Load() }

func (s *Subscriber) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- data:
		s.buffered.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		//nolint:errcheck // connection is going away anyway
		s.conn.Close()
	})
}
