package stream

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/tirewatch-backend-go/log"
)

const (
	DefaultStreamName = "tirewatch-insights"
	DefaultSubject    = "insights.updates"
)

type (
	// JetStreamLog implements ResultLog on a NATS JetStream stream. The
	// stream sequence serves as the record id.
	JetStreamLog struct {
		js         jetstream.JetStream
		stream     jetstream.Stream
		streamName string
		subject    string
		l          *log.Logger

		// consumer cache for contiguous tailing
		cons    jetstream.Consumer
		nextSeq uint64
	}

	JetStreamOption func(j *JetStreamLog)
)

var _ ResultLog = (*JetStreamLog)(nil)

func WithStream(name, subject string) JetStreamOption {
	return func(j *JetStreamLog) {
		j.streamName = name
		j.subject = subject
	}
}

func WithJetStreamLogger(l *log.Logger) JetStreamOption {
	return func(j *JetStreamLog) {
		j.l = l
	}
}

// NewJetStreamLog connects the JetStream context and ensures the stream
// exists.
//
//nolint:whitespace // editor/linter issue
func NewJetStreamLog(
	ctx context.Context, conn *nats.Conn, opts ...JetStreamOption,
) (*JetStreamLog, error) {
	ret := &JetStreamLog{
		streamName: DefaultStreamName,
		subject:    DefaultSubject,
		l:          log.Default().Named("jetstream"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, err
	}
	ret.js = js
	ret.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     ret.streamName,
		Subjects: []string{ret.subject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

//nolint:whitespace // editor/linter issue
func (j *JetStreamLog) Read(
	ctx context.Context, cursor uint64, block time.Duration, maxCount int,
) ([]Record, error) {
	cons, err := j.consumerAt(ctx, cursor+1)
	if err != nil {
		return nil, err
	}
	batch, err := cons.Fetch(maxCount, jetstream.FetchMaxWait(block))
	if err != nil {
		j.cons = nil
		return nil, err
	}
	ret := make([]Record, 0, maxCount)
	for msg := range batch.Messages() {
		meta, mErr := msg.Metadata()
		if mErr != nil {
			j.l.Warn("skipping message without metadata", log.ErrorField(mErr))
			continue
		}
		ret = append(ret, Record{ID: meta.Sequence.Stream, Payload: msg.Data()})
	}
	if batch.Error() != nil && !errors.Is(batch.Error(), nats.ErrTimeout) {
		j.cons = nil
		return nil, batch.Error()
	}
	if len(ret) > 0 {
		j.nextSeq = ret[len(ret)-1].ID + 1
	}
	return ret, nil
}

// consumerAt returns a consumer positioned at startSeq, reusing the cached
// one while reads stay contiguous.
//nolint:whitespace // editor/linter issue
func (j *JetStreamLog) consumerAt(
	ctx context.Context, startSeq uint64,
) (jetstream.Consumer, error) {
	if j.cons != nil && j.nextSeq == startSeq {
		return j.cons, nil
	}
	cons, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:       startSeq,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	j.cons = cons
	j.nextSeq = startSeq
	return cons, nil
}

func (j *JetStreamLog) LastID(ctx context.Context) (uint64, error) {
	info, err := j.stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.LastSeq, nil
}

func (j *JetStreamLog) Append(ctx context.Context, payload []byte) (uint64, error) {
	ack, err := j.js.Publish(ctx, j.subject, payload)
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}
