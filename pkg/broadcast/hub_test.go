package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *captureConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *captureConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureConn) numFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureConn) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

// blockingConn stalls in WriteText until released, keeping later frames
// queued on the subscriber channel.
type blockingConn struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (c *blockingConn) WriteText(_ []byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return nil
}

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.release) })
	return nil
}

func insightRecord(t *testing.T, id uint64, chassis string) *model.ResultRecord {
	t.Helper()
	payload, err := model.EncodeInsightRecord(&model.TireStressInsight{
		Chassis: chassis,
		Track:   "spa",
		Lap:     3,
	})
	require.NoError(t, err)
	rec, err := model.DecodeResultRecord(id, payload)
	require.NoError(t, err)
	return rec
}

func waitFrames(t *testing.T, c *captureConn, want int) {
	t.Helper()
	assert.Eventually(t, func() bool { return c.numFrames() >= want },
		2*time.Second, 5*time.Millisecond)
}

func TestHub_ConnectedHandshakeFirst(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := &captureConn{}
	h.Register(conn)

	waitFrames(t, conn, 1)
	var frame model.ConnectedFrame
	require.NoError(t, json.Unmarshal(conn.frame(0), &frame))
	assert.Equal(t, model.MTConnected, frame.Type)
	assert.False(t, frame.Now.IsZero())
}

func TestHub_FanOutIdenticalBytes(t *testing.T) {
	h := NewHub()
	defer h.Close()
	first := &captureConn{}
	second := &captureConn{}
	h.Register(first)
	h.Register(second)
	waitFrames(t, first, 1)
	waitFrames(t, second, 1)

	h.Publish(insightRecord(t, 1, "car-11"))

	waitFrames(t, first, 2)
	waitFrames(t, second, 2)
	assert.True(t, bytes.Equal(first.frame(1), second.frame(1)))
	var env struct {
		Type model.MessageType `json:"type"`
	}
	require.NoError(t, json.Unmarshal(first.frame(1), &env))
	assert.Equal(t, model.MTInsightUpdate, env.Type)
}

func TestHub_SlowSubscriberSkippedOthersDelivered(t *testing.T) {
	h := NewHub(WithBackpressureThreshold(64))
	defer h.Close()

	slow := newBlockingConn()
	healthy := &captureConn{}
	slowSub := h.Register(slow)
	h.Register(healthy)
	// writer is stuck on the handshake frame
	<-slow.entered
	waitFrames(t, healthy, 1)

	big := insightRecord(t, 1, "car-with-a-rather-long-chassis-identifier")
	require.Greater(t, len(big.Raw), 64)
	h.Publish(big)
	assert.Eventually(t, func() bool { return slowSub.BufferedBytes() > 64 },
		2*time.Second, 5*time.Millisecond)

	h.Publish(insightRecord(t, 2, "car-22"))

	// healthy subscriber got both records, the slow one missed the second
	waitFrames(t, healthy, 3)
	assert.EqualValues(t, int64(len(big.Raw)), slowSub.BufferedBytes())
	assert.EqualValues(t, 1, h.numSkip.Load())
}

func TestHub_UnregisterClosesConnection(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := &captureConn{}
	sub := h.Register(conn)
	waitFrames(t, conn, 1)

	h.Unregister(sub.ID())

	assert.Equal(t, 0, h.NumSubscribers())
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, 2*time.Second, 5*time.Millisecond)
	// publishing after removal must not deliver anything new
	h.Publish(insightRecord(t, 1, "car-11"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.numFrames())
}

func TestHub_ConcurrentPublishAndUnregister(t *testing.T) {
	h := NewHub()
	defer h.Close()
	subs := make([]*Subscriber, 0, 20)
	for range 20 {
		subs = append(subs, h.Register(&captureConn{}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 100 {
			h.Publish(insightRecord(t, uint64(i+1), fmt.Sprintf("car-%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for _, sub := range subs {
			h.Unregister(sub.ID())
		}
	}()
	wg.Wait()
	assert.Equal(t, 0, h.NumSubscribers())
}
