package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository"
)

type RecoveryConfig struct {
	PendingAfter time.Duration
	PollAfter    time.Duration
	TimeoutAfter time.Duration
	AbandonAfter time.Duration
	PageSize     int
	Interval     time.Duration
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		PendingAfter: 5 * time.Minute,
		PollAfter:    10 * time.Minute,
		TimeoutAfter: 30 * time.Minute,
		AbandonAfter: 60 * time.Minute,
		PageSize:     100,
		Interval:     5 * time.Minute,
	}
}

// Validate requires pending < poll < timeout < abandon so a job gets every
// normal recovery chance before it is abandoned.
func (c RecoveryConfig) Validate() error {
	if c.PendingAfter <= 0 || c.PageSize <= 0 {
		return fmt.Errorf("recovery: pending threshold and page size must be positive")
	}
	if !(c.PendingAfter < c.PollAfter && c.PollAfter < c.TimeoutAfter && c.TimeoutAfter < c.AbandonAfter) {
		return fmt.Errorf("recovery: thresholds must increase: pending %s, poll %s, timeout %s, abandon %s",
			c.PendingAfter, c.PollAfter, c.TimeoutAfter, c.AbandonAfter)
	}
	return nil
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Scanned           int `json:"scanned"`
	Redispatched      int `json:"redispatched"`
	AutoRecovered     int `json:"auto_recovered"`
	RecognitionFailed int `json:"recognition_failed"`
	TimedOut          int `json:"timed_out"`
	Abandoned         int `json:"abandoned"`
	Conflicts         int `json:"conflicts"`
	Errors            int `json:"errors"`
}

// Sweeper repairs jobs stuck in non-terminal states. A pass holds no state
// between runs and every write is conditional on the status it read, so a
// pass racing a worker never clobbers the worker's result.
type Sweeper struct {
	store      JobStore
	dispatcher *Dispatcher
	jobs       *JobService
	recognizer gateway.Recognizer
	cfg        RecoveryConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewSweeper(store JobStore, dispatcher *Dispatcher, jobs *JobService, recognizer gateway.Recognizer, cfg RecoveryConfig, log *zap.Logger) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		jobs:       jobs,
		recognizer: recognizer,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("[sweeper] started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("[sweeper] stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("[sweeper] sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one bounded pass over the non-terminal statuses. A failure on
// one job is logged and counted; it never stops the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	start := s.now()
	var report SweepReport

	for _, status := range entity.NonTerminalStatuses {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		jobs, err := s.store.QueryByStatus(ctx, status, s.cfg.PageSize)
		if err != nil {
			report.Errors++
			s.log.Error("[sweeper] query failed", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			report.Scanned++
			s.recoverJob(ctx, job, &report)
		}
	}

	s.log.Info("[sweeper] pass done",
		zap.Int("scanned", report.Scanned), zap.Int("redispatched", report.Redispatched),
		zap.Int("auto_recovered", report.AutoRecovered), zap.Int("recognition_failed", report.RecognitionFailed),
		zap.Int("timed_out", report.TimedOut), zap.Int("abandoned", report.Abandoned),
		zap.Int("conflicts", report.Conflicts), zap.Int("errors", report.Errors),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return report, nil
}

func (s *Sweeper) recoverJob(ctx context.Context, job *entity.Job, report *SweepReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Errors++
			s.log.Error("[sweeper] recovery panicked", zap.String("job_id", job.JobID), zap.Any("panic", r))
		}
	}()

	now := s.now()
	age := job.Age(now)
	var (
		acted bool
		err   error
	)

	switch job.Status {
	case entity.StatusPending:
		if age > s.cfg.PendingAfter && age <= s.cfg.AbandonAfter {
			acted, err = s.redispatch(ctx, job, report)
		}
	case entity.StatusProcessing, entity.StatusSubmitted:
		if job.ExternalJobID != "" && job.ProcessingAge(now) > s.cfg.PollAfter {
			acted, err = s.resolveWithGateway(ctx, job, now, report)
		}
	}

	if err == nil && !acted && age > s.cfg.AbandonAfter {
		err = s.abandon(ctx, job, age, report)
	}

	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			report.Conflicts++
			s.log.Info("[sweeper] job changed under recovery, skipped",
				zap.String("job_id", job.JobID), zap.Error(err))
			return
		}
		report.Errors++
		s.log.Error("[sweeper] recovery failed",
			zap.String("job_id", job.JobID), zap.String("status", string(job.Status)), zap.Error(err))
	}
}

func (s *Sweeper) redispatch(ctx context.Context, job *entity.Job, report *SweepReport) (bool, error) {
	updated, err := s.dispatcher.Redispatch(ctx, job)
	if err != nil {
		if updated != nil && errors.Is(err, ErrHandoffFailed) {
			// the job reached a terminal state; count it but do not retry
			s.jobs.afterTerminal(ctx, updated)
			report.Redispatched++
			return true, nil
		}
		return false, err
	}
	report.Redispatched++
	s.log.Info("[sweeper] re-dispatched stuck pending job",
		zap.String("job_id", job.JobID), zap.String("status", string(updated.Status)))
	return true, nil
}

// resolveWithGateway polls once. Unknown gateway states and transient errors
// leave the job for a later pass or the abandonment backstop.
func (s *Sweeper) resolveWithGateway(ctx context.Context, job *entity.Job, now time.Time, report *SweepReport) (bool, error) {
	res, err := s.recognizer.Poll(ctx, job.ExternalJobID)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidReference) {
			if _, ferr := s.jobs.FailJob(ctx, job.Key(), job.Status, entity.StageInvalidReference,
				fmt.Sprintf("recognition service does not know job %s", job.ExternalJobID)); ferr != nil {
				return false, ferr
			}
			report.RecognitionFailed++
			return true, nil
		}
		s.log.Warn("[sweeper] gateway poll failed",
			zap.String("job_id", job.JobID), zap.String("external_job_id", job.ExternalJobID), zap.Error(err))
		return false, nil
	}

	switch res.Status {
	case gateway.RecognitionSucceeded:
		if _, err := s.jobs.CompleteFromRecognition(ctx, job, res, entity.StageAutoRecovered, false); err != nil {
			return false, err
		}
		report.AutoRecovered++
		return true, nil
	case gateway.RecognitionFailed:
		reason := res.StatusMessage
		if reason == "" {
			reason = "recognition failed"
		}
		if _, err := s.jobs.FailJob(ctx, job.Key(), job.Status, entity.StageRecognitionFailed, reason); err != nil {
			return false, err
		}
		report.RecognitionFailed++
		return true, nil
	case gateway.RecognitionRunning:
		if job.ProcessingAge(now) > s.cfg.TimeoutAfter {
			reason := fmt.Sprintf("recognition still running after %s", job.ProcessingAge(now).Round(time.Second))
			if _, err := s.jobs.FailJob(ctx, job.Key(), job.Status, entity.StageTimeout, reason); err != nil {
				return false, err
			}
			report.TimedOut++
			return true, nil
		}
		return false, nil
	default:
		s.log.Warn("[sweeper] unrecognized gateway state",
			zap.String("job_id", job.JobID), zap.String("state", string(res.Status)))
		return false, nil
	}
}

func (s *Sweeper) abandon(ctx context.Context, job *entity.Job, age time.Duration, report *SweepReport) error {
	reason := fmt.Sprintf("abandoned after %s in %s", age.Round(time.Second), job.Status)
	if _, err := s.jobs.FailJob(ctx, job.Key(), job.Status, entity.StageAbandoned, reason); err != nil {
		return err
	}
	report.Abandoned++
	return nil
}
