package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

type fakeLog struct {
	mu      sync.Mutex
	records []Record
	readErr []error // consumed one per Read call
	// closed once LastID was called; lets tests order appends after startup
	started chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{started: make(chan struct{})}
}

func insightPayload(chassis string) []byte {
	data, _ := model.EncodeInsightRecord(&model.TireStressInsight{
		Chassis: chassis, Track: "t",
	})
	return data
}

func (f *fakeLog) append(payload []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uint64(len(f.records) + 1)
	f.records = append(f.records, Record{ID: id, Payload: payload})
	return id
}

//nolint:whitespace // editor/linter issue
func (f *fakeLog) Read(
	_ context.Context, cursor uint64, _ time.Duration, maxCount int,
) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readErr) > 0 {
		err := f.readErr[0]
		f.readErr = f.readErr[1:]
		return nil, err
	}
	var ret []Record
	for _, r := range f.records {
		if r.ID > cursor {
			ret = append(ret, r)
			if len(ret) == maxCount {
				break
			}
		}
	}
	return ret, nil
}

func (f *fakeLog) LastID(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.started:
	default:
		close(f.started)
	}
	return uint64(len(f.records)), nil
}

func (f *fakeLog) Append(_ context.Context, payload []byte) (uint64, error) {
	return f.append(payload), nil
}

//nolint:whitespace // editor/linter issue
func collectRecords(
	t *testing.T, c *Consumer, received <-chan *model.ResultRecord,
	cancel context.CancelFunc, want int,
) []*model.ResultRecord {
	t.Helper()
	ret := make([]*model.ResultRecord, 0, want)
	timeout := time.After(5 * time.Second)
	for len(ret) < want {
		select {
		case rec := <-received:
			ret = append(ret, rec)
		case <-timeout:
			cancel()
			t.Fatalf("received %d of %d records", len(ret), want)
		}
	}
	cancel()
	return ret
}

func TestConsumer_DeliversNewRecordsInOrder(t *testing.T) {
	f := newFakeLog()
	// historical records must not be replayed
	f.append(insightPayload("old"))

	received := make(chan *model.ResultRecord, 16)
	c := NewConsumer(f, func(rec *model.ResultRecord) { received <- rec },
		WithBlockTimeout(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-f.started
	for i := range 3 {
		f.append(insightPayload(fmt.Sprintf("car-%d", i)))
	}
	got := collectRecords(t, c, received, cancel, 3)
	require.NoError(t, <-done)

	for i, rec := range got {
		assert.Equal(t, uint64(i+2), rec.ID)
		assert.Equal(t, model.MTInsightUpdate, rec.Type)
		assert.Equal(t, fmt.Sprintf("car-%d", i), rec.Insight.Chassis)
	}
	assert.Equal(t, uint64(4), c.Cursor())
}

func TestConsumer_ResumeWithoutGap(t *testing.T) {
	f := newFakeLog()
	for i := range 5 {
		f.append(insightPayload(fmt.Sprintf("car-%d", i)))
	}

	received := make(chan *model.ResultRecord, 16)
	handler := func(rec *model.ResultRecord) { received <- rec }

	// simulated restart: resume from an already acknowledged cursor
	c := NewConsumer(f, handler,
		WithStartCursor(2), WithBlockTimeout(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	got := collectRecords(t, c, received, cancel, 3)
	require.NoError(t, <-done)

	// every record with id > 2 arrives, none skipped
	assert.Equal(t, uint64(3), got[0].ID)
	assert.Equal(t, uint64(4), got[1].ID)
	assert.Equal(t, uint64(5), got[2].ID)
}

func TestConsumer_TransientErrorsDoNotTerminate(t *testing.T) {
	f := newFakeLog()
	f.readErr = []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}
	received := make(chan *model.ResultRecord, 16)
	c := NewConsumer(f, func(rec *model.ResultRecord) { received <- rec },
		WithBlockTimeout(time.Millisecond),
		WithBackoffDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-f.started
	f.append(insightPayload("survivor"))
	got := collectRecords(t, c, received, cancel, 1)
	require.NoError(t, <-done)
	assert.Equal(t, "survivor", got[0].Insight.Chassis)
}

func TestConsumer_SkipsUndecodableRecords(t *testing.T) {
	f := newFakeLog()
	received := make(chan *model.ResultRecord, 16)
	c := NewConsumer(f, func(rec *model.ResultRecord) { received <- rec },
		WithBlockTimeout(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-f.started
	f.append([]byte("{not json"))
	f.append(insightPayload("good"))

	got := collectRecords(t, c, received, cancel, 1)
	require.NoError(t, <-done)
	assert.Equal(t, "good", got[0].Insight.Chassis)
	assert.Equal(t, uint64(1), c.DecodeFailures())
	// cursor moved past the bad record too
	assert.Equal(t, uint64(2), c.Cursor())
}

func TestConsumer_UnknownTypePassesThrough(t *testing.T) {
	f := newFakeLog()
	received := make(chan *model.ResultRecord, 16)
	c := NewConsumer(f, func(rec *model.ResultRecord) { received <- rec },
		WithBlockTimeout(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-f.started
	payload := []byte(`{"type":"pitstop_alert","data":{"chassis":"c1"}}`)
	f.append(payload)

	got := collectRecords(t, c, received, cancel, 1)
	require.NoError(t, <-done)
	assert.Equal(t, model.MTOther, got[0].Type)
	assert.Nil(t, got[0].Insight)
	assert.JSONEq(t, string(payload), string(got[0].Raw))
}
