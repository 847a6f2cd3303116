package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/repository"
)

// ErrHandoffFailed marks a fast lane hand-off that could not be delivered.
// The job has been failed with StageHandoffFailed when it is returned.
var ErrHandoffFailed = errors.New("lane hand-off failed")

// JobWriter is the part of the store the Dispatcher needs.
type JobWriter interface {
	Get(ctx context.Context, key entity.JobKey) (*entity.Job, error)
	ConditionalUpdate(ctx context.Context, key entity.JobKey, expected entity.JobStatus, upd entity.JobUpdate) (*entity.Job, error)
}

type Classifier interface {
	Classify(ctx context.Context, job *entity.Job) (entity.RoutingDecision, error)
}

// Dispatcher hands routed jobs to a lane and records the hand-off with a
// conditional update on the job's current status.
type Dispatcher struct {
	store  JobWriter
	router Classifier
	queue  LaneQueue
	log    *zap.Logger
	now    func() time.Time
}

func NewDispatcher(store JobWriter, router Classifier, queue LaneQueue, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, router: router, queue: queue, log: log, now: time.Now}
}

// Dispatch routes a freshly created job and hands it off.
func (d *Dispatcher) Dispatch(ctx context.Context, job *entity.Job) (*entity.Job, error) {
	return d.dispatch(ctx, job, entity.StageRouted)
}

// Redispatch repeats the hand-off for a job stuck before it. Workers tolerate
// duplicate deliveries, so running it twice is harmless.
func (d *Dispatcher) Redispatch(ctx context.Context, job *entity.Job) (*entity.Job, error) {
	return d.dispatch(ctx, job, entity.StageRecoveryTriggered)
}

func (d *Dispatcher) dispatch(ctx context.Context, job *entity.Job, stage string) (*entity.Job, error) {
	if job.Status.IsTerminal() || job.Status == entity.StatusProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", job.JobID, job.Status, repository.ErrConflict)
	}

	decision, err := d.decide(ctx, job)
	if err != nil {
		return nil, err
	}

	if decision.Route == entity.RouteHeavy {
		return d.routeToHeavy(ctx, job, decision, stage)
	}
	return d.routeToFast(ctx, job, decision, stage)
}

// decide keeps an already recorded route unless the submission forced one.
func (d *Dispatcher) decide(ctx context.Context, job *entity.Job) (entity.RoutingDecision, error) {
	if job.Route.Valid() && !job.ForceRoute.Valid() {
		return entity.RoutingDecision{
			Route:            job.Route,
			EstimatedSeconds: job.EstimatedProcessingTime,
			Factors:          append([]string{}, job.RoutingFactors...),
		}, nil
	}
	decision, err := d.router.Classify(ctx, job)
	if err != nil {
		return entity.RoutingDecision{}, fmt.Errorf("classify job %s: %w", job.JobID, err)
	}
	return decision, nil
}

func (d *Dispatcher) routeToFast(ctx context.Context, job *entity.Job, decision entity.RoutingDecision, stage string) (*entity.Job, error) {
	now := d.now().UTC()
	updated, err := d.store.ConditionalUpdate(ctx, job.Key(), job.Status, entity.JobUpdate{
		Status:                  entity.Ptr(entity.StatusProcessing),
		ProcessingStage:         entity.Ptr(stage),
		Route:                   entity.Ptr(decision.Route),
		EstimatedProcessingTime: entity.Ptr(decision.EstimatedSeconds),
		RoutingFactors:          nonNil(decision.Factors),
		StartedAt:               &now,
	})
	if err != nil {
		return nil, fmt.Errorf("mark job %s processing: %w", job.JobID, err)
	}

	if err := d.queue.EnqueueFast(ctx, PayloadFor(updated, entity.RouteFast)); err != nil {
		d.log.Error("[dispatch] fast lane hand-off failed",
			zap.String("job_id", job.JobID), zap.Error(err))

		failedAt := d.now().UTC()
		failed, uerr := d.store.ConditionalUpdate(ctx, updated.Key(), entity.StatusProcessing, entity.JobUpdate{
			Status:          entity.Ptr(entity.StatusFailed),
			ProcessingStage: entity.Ptr(entity.StageHandoffFailed),
			Error:           entity.Ptr("fast lane hand-off failed: " + err.Error()),
			FailedAt:        &failedAt,
		})
		if uerr != nil {
			return nil, fmt.Errorf("%w: %v (marking failed: %v)", ErrHandoffFailed, err, uerr)
		}
		return failed, fmt.Errorf("%w: %v", ErrHandoffFailed, err)
	}

	d.log.Info("[dispatch] handed off",
		zap.String("job_id", job.JobID), zap.String("lane", string(entity.RouteFast)),
		zap.String("route", string(decision.Route)), zap.String("stage", stage),
		zap.Strings("factors", decision.Factors))
	return updated, nil
}

func (d *Dispatcher) routeToHeavy(ctx context.Context, job *entity.Job, decision entity.RoutingDecision, stage string) (*entity.Job, error) {
	execID, err := d.queue.SubmitHeavy(ctx, PayloadFor(job, entity.RouteHeavy), HeavyTag(job.JobID))
	switch {
	case errors.Is(err, ErrDuplicateSubmission):
		d.log.Info("[dispatch] heavy submission already exists",
			zap.String("job_id", job.JobID), zap.String("batch_job_id", execID))
	case err != nil:
		d.log.Warn("[dispatch] heavy lane unavailable, falling back to fast lane",
			zap.String("job_id", job.JobID), zap.Error(err))
		decision.Factors = append(decision.Factors, FactorHeavyFallback)
		return d.routeToFast(ctx, job, decision, stage)
	}

	now := d.now().UTC()
	updated, err := d.store.ConditionalUpdate(ctx, job.Key(), job.Status, entity.JobUpdate{
		Status:                  entity.Ptr(entity.StatusSubmitted),
		ProcessingStage:         entity.Ptr(stage),
		Route:                   entity.Ptr(decision.Route),
		EstimatedProcessingTime: entity.Ptr(decision.EstimatedSeconds),
		RoutingFactors:          nonNil(decision.Factors),
		BatchJobID:              entity.Ptr(execID),
		StartedAt:               &now,
	})
	if errors.Is(err, repository.ErrConflict) {
		return d.backfillHeavy(ctx, job, decision, execID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job %s submitted: %w", job.JobID, err)
	}

	d.log.Info("[dispatch] handed off",
		zap.String("job_id", job.JobID), zap.String("lane", string(entity.RouteHeavy)),
		zap.String("batch_job_id", execID), zap.String("stage", stage),
		zap.Strings("factors", decision.Factors))
	return updated, nil
}

// backfillHeavy records the routing outcome on a job the heavy worker claimed
// before the submitted write landed. The worker owns the status, so only the
// routing columns are written, conditioned on whatever status it set.
func (d *Dispatcher) backfillHeavy(ctx context.Context, job *entity.Job, decision entity.RoutingDecision, execID string, cause error) (*entity.Job, error) {
	upd := entity.JobUpdate{
		Route:                   entity.Ptr(decision.Route),
		EstimatedProcessingTime: entity.Ptr(decision.EstimatedSeconds),
		RoutingFactors:          nonNil(decision.Factors),
		BatchJobID:              entity.Ptr(execID),
	}
	for attempt := 0; attempt < 3; attempt++ {
		current, err := d.store.Get(ctx, job.Key())
		if err != nil {
			return nil, fmt.Errorf("mark job %s submitted: %w (reload: %v)", job.JobID, cause, err)
		}
		switch {
		case current.Status == entity.StatusPending || current.Status == entity.StatusQueued:
			return nil, fmt.Errorf("mark job %s submitted: %w", job.JobID, cause)
		case current.Status.IsTerminal():
			d.log.Warn("[dispatch] heavy job finished before its routing was recorded",
				zap.String("job_id", job.JobID), zap.String("status", string(current.Status)),
				zap.String("batch_job_id", execID))
			return current, nil
		}

		updated, err := d.store.ConditionalUpdate(ctx, job.Key(), current.Status, upd)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("record routing for job %s: %w", job.JobID, err)
		}
		d.log.Info("[dispatch] handed off, claimed before submit was recorded",
			zap.String("job_id", job.JobID), zap.String("lane", string(entity.RouteHeavy)),
			zap.String("batch_job_id", execID), zap.String("status", string(updated.Status)),
			zap.Strings("factors", decision.Factors))
		return updated, nil
	}
	return nil, fmt.Errorf("record routing for job %s: %w", job.JobID, cause)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
