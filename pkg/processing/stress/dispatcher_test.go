package stress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
)

func TestDispatcher_SubmitDeliversInsights(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(NewStressProcessor(), WithWorkers(2))
	d.Start(ctx)

	res := d.Submit(ctx, []model.CanonicalSample{
		{Track: "t", Chassis: "c", AccelX: 1},
	})
	select {
	case insights := <-res:
		assert.Len(t, insights, 1)
		assert.Equal(t, "c", insights[0].Chassis)
	case <-time.After(2 * time.Second):
		t.Fatal("no result within timeout")
	}
}

func TestDispatcher_SubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(NewStressProcessor())
	d.Start(ctx)
	cancel()
	d.Wait()

	res := d.Submit(ctx, nil)
	insights, ok := <-res
	assert.False(t, ok)
	assert.Nil(t, insights)
}
