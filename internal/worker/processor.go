package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository"
	"newsarchive-ocr/internal/service"
)

// Completer is the lifecycle side the processor reports to
// (implementation: service.JobService).
type Completer interface {
	CompleteFromRecognition(ctx context.Context, job *entity.Job, res gateway.RecognitionResult, stage string, enrich bool) (*entity.Job, error)
	FailJob(ctx context.Context, key entity.JobKey, expected entity.JobStatus, stage, reason string) (*entity.Job, error)
}

// JobStore is the part of the store the processor reads and writes.
type JobStore interface {
	service.JobWriter
	AttachExternalJob(ctx context.Context, key entity.JobKey, externalID string) (*entity.Job, error)
}

type Processor struct {
	store      JobStore
	jobs       Completer
	recognizer gateway.Recognizer
	poll       gateway.PollConfig
	startTries uint64
	log        *zap.Logger
}

func NewProcessor(store JobStore, jobs Completer, recognizer gateway.Recognizer, poll gateway.PollConfig, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{store: store, jobs: jobs, recognizer: recognizer, poll: poll, startTries: 3, log: log}
}

// Process runs one delivery to a terminal state. Deliveries are at-least-once:
// a job that is already terminal or owned by someone else is skipped.
func (p *Processor) Process(ctx context.Context, d service.Delivery) error {
	start := time.Now()
	key := d.Payload.Key()

	job, err := p.store.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn("[worker] job not found, dropping delivery", zap.String("job_id", key.JobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", key.JobID, err)
	}
	if job.Status.IsTerminal() {
		p.log.Info("[worker] duplicate delivery of finished job",
			zap.String("job_id", job.JobID), zap.String("status", string(job.Status)))
		return nil
	}

	job, err = p.begin(ctx, job)
	if err != nil {
		return p.settle(job, err)
	}

	if job.ExternalJobID == "" {
		extID, err := p.startRecognition(ctx, job)
		if err != nil {
			_, ferr := p.jobs.FailJob(ctx, job.Key(), job.Status, entity.StageRecognitionFailed,
				fmt.Sprintf("start recognition: %v", err))
			return p.settle(job, ferr)
		}
		updated, err := p.store.AttachExternalJob(ctx, job.Key(), extID)
		if err != nil {
			// A concurrent delivery attached its own recognition first.
			p.log.Warn("[worker] recognition id not recorded, leaving it orphaned",
				zap.String("job_id", job.JobID), zap.String("external_job_id", extID), zap.Error(err))
			return p.settle(job, err)
		}
		job = updated
	}

	res, err := gateway.AwaitResult(ctx, p.recognizer, job.ExternalJobID, p.poll)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stage := entity.StageRecognitionFailed
		switch {
		case errors.Is(err, gateway.ErrInvalidReference):
			stage = entity.StageInvalidReference
		case errors.Is(err, gateway.ErrTimeout):
			stage = entity.StageTimeout
		}
		_, ferr := p.jobs.FailJob(ctx, job.Key(), entity.StatusProcessing, stage, err.Error())
		return p.settle(job, ferr)
	}

	if res.Status == gateway.RecognitionFailed {
		reason := res.StatusMessage
		if reason == "" {
			reason = "recognition failed"
		}
		_, ferr := p.jobs.FailJob(ctx, job.Key(), entity.StatusProcessing, entity.StageRecognitionFailed, reason)
		return p.settle(job, ferr)
	}

	if _, err := p.jobs.CompleteFromRecognition(ctx, job, res, entity.StageCompleted, true); err != nil {
		return p.settle(job, err)
	}

	p.log.Info("[worker] job completed",
		zap.String("job_id", job.JobID), zap.String("lane", string(d.Lane)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// begin moves a handed-off job to processing. Fast lane jobs are already
// there; heavy lane jobs arrive submitted.
func (p *Processor) begin(ctx context.Context, job *entity.Job) (*entity.Job, error) {
	if job.Status == entity.StatusProcessing {
		return job, nil
	}
	upd := entity.JobUpdate{
		Status:          entity.Ptr(entity.StatusProcessing),
		ProcessingStage: entity.Ptr(entity.StageRecognizing),
	}
	if job.StartedAt == nil {
		upd.StartedAt = entity.Ptr(time.Now().UTC())
	}
	updated, err := p.store.ConditionalUpdate(ctx, job.Key(), job.Status, upd)
	if err != nil {
		return job, err
	}
	return updated, nil
}

func (p *Processor) startRecognition(ctx context.Context, job *entity.Job) (string, error) {
	var extID string
	op := func() error {
		id, err := p.recognizer.Start(ctx, job.DocumentKey, gateway.DefaultFeatures)
		if err != nil {
			if errors.Is(err, gateway.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		extID = id
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.poll.BaseDelay
	exp.MaxInterval = p.poll.MaxDelay
	b := backoff.WithContext(backoff.WithMaxRetries(exp, p.startTries-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return extID, nil
}

// settle logs the outcome of a failed step. A conflict means another writer
// (the sweeper or a duplicate delivery) already moved the job on, which is
// not an error for this delivery.
func (p *Processor) settle(job *entity.Job, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrConflict) {
		p.log.Info("[worker] job moved on concurrently", zap.String("job_id", job.JobID), zap.Error(err))
		return nil
	}
	return err
}
