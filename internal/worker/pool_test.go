package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/service"
	"newsarchive-ocr/internal/worker"
)

type chanConsumer struct {
	lanes    map[entity.Route]chan service.Delivery
	mu       sync.Mutex
	acked    []string
	requeued int
}

func newChanConsumer() *chanConsumer {
	return &chanConsumer{lanes: map[entity.Route]chan service.Delivery{
		entity.RouteFast:  make(chan service.Delivery, 16),
		entity.RouteHeavy: make(chan service.Delivery, 16),
	}}
}

func (c *chanConsumer) Claim(ctx context.Context, lane entity.Route, timeout time.Duration) (service.Delivery, error) {
	select {
	case d := <-c.lanes[lane]:
		return d, nil
	case <-time.After(10 * time.Millisecond):
		return service.Delivery{}, service.ErrQueueEmpty
	case <-ctx.Done():
		return service.Delivery{}, ctx.Err()
	}
}

func (c *chanConsumer) Ack(ctx context.Context, d service.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, d.Payload.JobID)
	return nil
}

func (c *chanConsumer) RequeueOrphaned(ctx context.Context, max int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requeued++
	return 0, nil
}

func (c *chanConsumer) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

func TestPool_DrainsBothLanes(t *testing.T) {
	e := newEnv(t, &fakeRecognizer{result: succeeded})
	consumer := newChanConsumer()

	var jobs []*entity.Job
	for _, id := range []string{"a", "b", "c"} {
		j := e.seed(t, id, entity.StatusProcessing)
		jobs = append(jobs, j)
		consumer.lanes[entity.RouteFast] <- delivery(j, entity.RouteFast)
	}
	h := e.seed(t, "big", entity.StatusSubmitted)
	jobs = append(jobs, h)
	consumer.lanes[entity.RouteHeavy] <- delivery(h, entity.RouteHeavy)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.NewPool(consumer, e.proc, 2, 1, zap.NewNop()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return consumer.ackCount() == len(jobs) }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	assert.Equal(t, 1, consumer.requeued)
	for _, j := range jobs {
		assert.Equal(t, entity.StatusCompleted, e.reload(t, j).Status, j.JobID)
	}
}

func TestPool_SkipsLanesWithoutWorkers(t *testing.T) {
	e := newEnv(t, &fakeRecognizer{result: succeeded})
	consumer := newChanConsumer()
	h := e.seed(t, "idle", entity.StatusSubmitted)
	consumer.lanes[entity.RouteHeavy] <- delivery(h, entity.RouteHeavy)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	worker.NewPool(consumer, e.proc, 1, 0, zap.NewNop()).Run(ctx)

	assert.Zero(t, consumer.ackCount())
	assert.Equal(t, entity.StatusSubmitted, e.reload(t, h).Status)
}
