package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"newsarchive-ocr/internal/entity"
)

var (
	// ErrDuplicateSubmission is returned by SubmitHeavy together with the
	// execution id already holding the idempotency tag.
	ErrDuplicateSubmission = errors.New("duplicate heavy lane submission")
	// ErrQueueEmpty means a claim timed out without a delivery.
	ErrQueueEmpty = errors.New("queue empty")
)

// Payload is what a lane worker receives. Workers always re-read the job;
// the payload only carries what is needed to find and process it.
type Payload struct {
	JobID        string       `json:"job_id"`
	CreatedAt    time.Time    `json:"created_at"`
	Route        entity.Route `json:"route"`
	DocumentKey  string       `json:"document_key"`
	DocumentType string       `json:"document_type,omitempty"`
	GroupID      string       `json:"group_id,omitempty"`
	ExecutionID  string       `json:"execution_id,omitempty"`
}

func PayloadFor(job *entity.Job, lane entity.Route) Payload {
	return Payload{
		JobID:        job.JobID,
		CreatedAt:    job.CreatedAt,
		Route:        lane,
		DocumentKey:  job.DocumentKey,
		DocumentType: job.DocumentType,
		GroupID:      job.GroupID,
	}
}

func (p Payload) Key() entity.JobKey {
	return entity.JobKey{JobID: p.JobID, CreatedAt: p.CreatedAt}
}

// HeavyTag is the idempotency tag of a job's heavy lane submission.
func HeavyTag(jobID string) string { return "job-" + jobID }

// LaneQueue is the hand-off side used by the Dispatcher.
type LaneQueue interface {
	EnqueueFast(ctx context.Context, p Payload) error
	SubmitHeavy(ctx context.Context, p Payload, tag string) (string, error)
}

// Delivery is one claimed lane item. Raw is kept verbatim for Ack.
type Delivery struct {
	Lane    entity.Route
	Raw     string
	Payload Payload
}

// LaneConsumer is the worker side of the lanes.
type LaneConsumer interface {
	Claim(ctx context.Context, lane entity.Route, timeout time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	RequeueOrphaned(ctx context.Context, maxPerLane int64) (int64, error)
}

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// RedisLaneQueue implements both lanes with reliable Redis lists.
// Claim: BRPOPLPUSH lane.queue -> lane.processing
// Ack:   LREM from the lane's processing list
// Heavy submissions are deduplicated by SETNX on tagPrefix+tag.
type RedisLaneQueue struct {
	rdb       *redis.Client
	fast      Lane
	heavy     Lane
	tagPrefix string
	tagTTL    time.Duration
}

func NewRedisLaneQueue(rdb *redis.Client, fast, heavy Lane, tagPrefix string, tagTTL time.Duration) *RedisLaneQueue {
	if tagTTL <= 0 {
		tagTTL = 24 * time.Hour
	}
	return &RedisLaneQueue{rdb: rdb, fast: fast, heavy: heavy, tagPrefix: tagPrefix, tagTTL: tagTTL}
}

func (q *RedisLaneQueue) lane(r entity.Route) Lane {
	if r == entity.RouteHeavy {
		return q.heavy
	}
	return q.fast
}

func (q *RedisLaneQueue) EnqueueFast(ctx context.Context, p Payload) error {
	p.Route = entity.RouteFast
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return q.rdb.LPush(ctx, q.fast.QueueKey, raw).Err()
}

func (q *RedisLaneQueue) SubmitHeavy(ctx context.Context, p Payload, tag string) (string, error) {
	tagKey := q.tagPrefix + tag
	execID := uuid.NewString()

	ok, err := q.rdb.SetNX(ctx, tagKey, execID, q.tagTTL).Result()
	if err != nil {
		return "", fmt.Errorf("reserve tag %s: %w", tag, err)
	}
	if !ok {
		existing, err := q.rdb.Get(ctx, tagKey).Result()
		if err != nil {
			return "", fmt.Errorf("read tag %s: %w", tag, err)
		}
		return existing, ErrDuplicateSubmission
	}

	p.Route = entity.RouteHeavy
	p.ExecutionID = execID
	raw, err := json.Marshal(p)
	if err != nil {
		_ = q.rdb.Del(ctx, tagKey).Err()
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.heavy.QueueKey, raw).Err(); err != nil {
		// release the tag so a later attempt is not mistaken for a duplicate
		_ = q.rdb.Del(ctx, tagKey).Err()
		return "", err
	}
	return execID, nil
}

// Claim blocks up to timeout for the next item of a lane. A timeout of zero
// blocks until ctx is done.
func (q *RedisLaneQueue) Claim(ctx context.Context, lane entity.Route, timeout time.Duration) (Delivery, error) {
	ln := q.lane(lane)
	raw, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrQueueEmpty
		}
		return Delivery{}, err
	}

	d := Delivery{Lane: lane, Raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Payload); err != nil {
		// poison item: drop it from processing so it is not requeued forever
		_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, raw).Err()
		return Delivery{}, fmt.Errorf("decode payload: %w", err)
	}
	return d, nil
}

func (q *RedisLaneQueue) Ack(ctx context.Context, d Delivery) error {
	return q.rdb.LRem(ctx, q.lane(d.Lane).ProcessingKey, 1, d.Raw).Err()
}

// RequeueOrphaned moves items left in processing lists back to their queues.
// It runs once at worker startup: anything still in processing then belonged
// to a worker that died. Delivery is at-least-once.
func (q *RedisLaneQueue) RequeueOrphaned(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64
	for _, ln := range []Lane{q.fast, q.heavy} {
		for i := int64(0); i < maxPerLane; i++ {
			_, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

// Event is published when a job reaches a terminal state.
type Event struct {
	JobID   string           `json:"job_id"`
	GroupID string           `json:"group_id,omitempty"`
	Status  entity.JobStatus `json:"status"`
	Stage   string           `json:"stage,omitempty"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}

func EventFor(job *entity.Job) Event {
	ev := Event{JobID: job.JobID, GroupID: job.GroupID, Status: job.Status, Stage: job.ProcessingStage, At: job.UpdatedAt}
	if job.Error != nil {
		ev.Error = *job.Error
	}
	return ev
}

// RedisNotifier publishes job events on a pub/sub channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, raw).Err()
}
