package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/service"
)

type Pool struct {
	queue        service.LaneConsumer
	processor    *Processor
	workers      map[entity.Route]int
	claimTimeout time.Duration
	requeueMax   int64
	log          *zap.Logger
}

func NewPool(queue service.LaneConsumer, processor *Processor, fastWorkers, heavyWorkers int, log *zap.Logger) *Pool {
	if fastWorkers < 0 {
		fastWorkers = 0
	}
	if heavyWorkers < 0 {
		heavyWorkers = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:        queue,
		processor:    processor,
		workers:      map[entity.Route]int{entity.RouteFast: fastWorkers, entity.RouteHeavy: heavyWorkers},
		claimTimeout: 5 * time.Second,
		requeueMax:   1000,
		log:          log,
	}
}

// Run requeues deliveries orphaned by a previous crash, then serves both
// lanes until ctx is done and the in-flight jobs have drained.
func (p *Pool) Run(ctx context.Context) {
	n, err := p.queue.RequeueOrphaned(ctx, p.requeueMax)
	if err != nil {
		p.log.Error("[worker] requeue orphaned deliveries failed", zap.Error(err))
	} else if n > 0 {
		p.log.Info("[worker] requeued orphaned deliveries", zap.Int64("count", n))
	}

	var wg sync.WaitGroup
	for _, lane := range []entity.Route{entity.RouteFast, entity.RouteHeavy} {
		if p.workers[lane] == 0 {
			continue
		}
		wg.Add(1)
		go func(lane entity.Route) {
			defer wg.Done()
			p.runLane(ctx, lane, p.workers[lane])
		}(lane)
	}

	p.log.Info("[worker] pool started",
		zap.Int("fast_workers", p.workers[entity.RouteFast]), zap.Int("heavy_workers", p.workers[entity.RouteHeavy]))
	wg.Wait()
	p.log.Info("[worker] pool stopped")
}

func (p *Pool) runLane(ctx context.Context, lane entity.Route, workers int) {
	deliveries := make(chan service.Delivery)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for d := range deliveries {
				err := p.processor.Process(ctx, d)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						// left in processing; the next startup requeues it
						continue
					}
					p.log.Error("[worker] process failed",
						zap.String("lane", string(lane)), zap.Int("worker", n),
						zap.String("job_id", d.Payload.JobID), zap.Error(err))
				}
				// Ack either way: the job is terminal in the store or the
				// sweeper will drive it there.
				if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
					p.log.Error("[worker] ack failed",
						zap.String("lane", string(lane)), zap.String("job_id", d.Payload.JobID), zap.Error(ackErr))
				}
			}
		}(i + 1)
	}

	defer func() {
		close(deliveries)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.queue.Claim(ctx, lane, p.claimTimeout)
		if err != nil {
			if !errors.Is(err, service.ErrQueueEmpty) && ctx.Err() == nil {
				p.log.Warn("[worker] claim failed", zap.String("lane", string(lane)), zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}
		select {
		case deliveries <- d:
		case <-ctx.Done():
			return
		}
	}
}
