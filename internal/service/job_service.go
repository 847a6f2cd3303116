package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/correction"
	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository"
)

var ErrInvalidRequest = errors.New("invalid request")

// JobStore is the persistence port (implementations: postgresql.JobStore,
// sqlite.JobStore). Every write is a compare-and-set on status.
type JobStore interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, key entity.JobKey) (*entity.Job, error)
	GetByID(ctx context.Context, jobID string) (*entity.Job, error)
	ConditionalUpdate(ctx context.Context, key entity.JobKey, expected entity.JobStatus, upd entity.JobUpdate) (*entity.Job, error)
	AttachExternalJob(ctx context.Context, key entity.JobKey, externalID string) (*entity.Job, error)
	QueryByStatus(ctx context.Context, status entity.JobStatus, limit int) ([]*entity.Job, error)
	QueryByGroup(ctx context.Context, groupID string) ([]*entity.Job, error)
	BatchDelete(ctx context.Context, keys []entity.JobKey) error

	EnsureDocument(ctx context.Context, groupID string) error
	GetDocument(ctx context.Context, groupID string) (*entity.Document, error)
	AdvanceDocument(ctx context.Context, groupID string, from, to entity.DocumentStatus) (bool, error)
	DeleteDocument(ctx context.Context, groupID string) error
}

// ObjectStore holds scanned images and result artifacts. Delete tolerates
// missing keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// JobService is the composition of the job lifecycle: submission, completion
// callbacks, document aggregation and cleanup.
type JobService struct {
	store      JobStore
	dispatcher *Dispatcher
	objects    ObjectStore
	notifier   Notifier
	analyzer   gateway.Analyzer
	corrector  *correction.Engine
	log        *zap.Logger
	now        func() time.Time

	submitWindow time.Duration
}

type JobServiceOption func(*JobService)

func WithObjectStore(o ObjectStore) JobServiceOption { return func(s *JobService) { s.objects = o } }
func WithNotifier(n Notifier) JobServiceOption { return func(s *JobService) { s.notifier = n } }
func WithAnalyzer(a gateway.Analyzer) JobServiceOption { return func(s *JobService) { s.analyzer = a } }
func WithClock(now func() time.Time) JobServiceOption { return func(s *JobService) { s.now = now } }

// WithSubmitWindow sets how far in the past a client created_at may lie for a
// key that does not exist yet. It should match the abandonment threshold.
func WithSubmitWindow(d time.Duration) JobServiceOption {
	return func(s *JobService) { s.submitWindow = d }
}

// MaxClockSkew is how far ahead of the server clock a client created_at may be.
const MaxClockSkew = 2 * time.Minute

func NewJobService(store JobStore, dispatcher *Dispatcher, log *zap.Logger, opts ...JobServiceOption) *JobService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &JobService{
		store:      store,
		dispatcher: dispatcher,
		corrector:  correction.NewEngine(),
		log:        log,
		now:        time.Now,

		submitWindow: DefaultRecoveryConfig().AbandonAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SubmitRequest struct {
	JobID         string       `json:"job_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at,omitempty"`
	FileSizeBytes int64        `json:"file_size_bytes"`
	IsMultiPage   bool         `json:"is_multi_page"`
	PageCount     int          `json:"page_count"`
	GroupID       string       `json:"group_id,omitempty"`
	Filename      string       `json:"filename"`
	DocumentKey   string       `json:"document_key"`
	DocumentType  string       `json:"document_type,omitempty"`
	ForceRoute    entity.Route `json:"force_route,omitempty"`
}

func (r SubmitRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Filename) == "" {
		problems = append(problems, "filename is required")
	}
	if strings.TrimSpace(r.DocumentKey) == "" {
		problems = append(problems, "document_key is required")
	}
	if r.FileSizeBytes < 0 {
		problems = append(problems, "file_size_bytes must not be negative")
	}
	if r.PageCount < 0 {
		problems = append(problems, "page_count must not be negative")
	}
	if r.ForceRoute != "" && !r.ForceRoute.Valid() {
		problems = append(problems, fmt.Sprintf("force_route %q is not fast or heavy", r.ForceRoute))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Submit creates the job record and dispatches it. Re-submitting the same
// (job_id, created_at) returns the stored job; a stored job still pending is
// dispatched again.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*entity.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &entity.Job{
		JobID:         req.JobID,
		CreatedAt:     req.CreatedAt,
		FileSizeBytes: req.FileSizeBytes,
		IsMultiPage:   req.IsMultiPage,
		PageCount:     req.PageCount,
		GroupID:       req.GroupID,
		Filename:      req.Filename,
		DocumentKey:   req.DocumentKey,
		DocumentType:  req.DocumentType,
		ForceRoute:    req.ForceRoute,
		Status:        entity.StatusPending,
		UpdatedAt:     now,
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.CreatedAt = repository.NormalizeTime(job.CreatedAt)
	if job.PageCount == 0 {
		job.PageCount = 1
	}

	// Recovery ages jobs from created_at, so a client timestamp must lie
	// inside the window the sweeper can act on. Older keys are only accepted
	// as re-submissions of a job that already exists.
	if job.CreatedAt.After(now.Add(MaxClockSkew)) {
		return nil, fmt.Errorf("%w: created_at %s is in the future", ErrInvalidRequest, job.CreatedAt.Format(time.RFC3339))
	}
	stale := s.submitWindow > 0 && now.Sub(job.CreatedAt) > s.submitWindow

	var createErr error
	if stale {
		createErr = repository.ErrAlreadyExists
	} else {
		createErr = s.store.Create(ctx, job)
	}
	if createErr != nil {
		if !errors.Is(createErr, repository.ErrAlreadyExists) {
			return nil, fmt.Errorf("create job: %w", createErr)
		}
		existing, gerr := s.store.Get(ctx, job.Key())
		if stale && errors.Is(gerr, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: created_at %s is older than %s", ErrInvalidRequest,
				job.CreatedAt.Format(time.RFC3339), s.submitWindow)
		}
		if gerr != nil {
			return nil, fmt.Errorf("load existing job: %w", gerr)
		}
		if existing.Status != entity.StatusPending {
			return existing, nil
		}
		job = existing
	}

	if job.GroupID != "" {
		if err := s.store.EnsureDocument(ctx, job.GroupID); err != nil {
			return nil, err
		}
	}

	dispatched, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		if dispatched != nil {
			s.afterTerminal(ctx, dispatched)
		}
		return dispatched, err
	}
	return dispatched, nil
}

func (s *JobService) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	return s.store.GetByID(ctx, jobID)
}

// Completion carries the results written by CompleteJob.
type Completion struct {
	ExtractedText   string
	CorrectedText   string
	ConfidenceScore float64
	Entities        []entity.Entity
	KeyPhrases      []entity.KeyPhrase
	Sentiment       *entity.Sentiment
	Stage           string
}

// CompleteJob is the worker success callback. It only applies while the job
// is still in expected, so a late completion never overwrites a recovery
// decision and vice versa.
func (s *JobService) CompleteJob(ctx context.Context, key entity.JobKey, expected entity.JobStatus, c Completion) (*entity.Job, error) {
	stage := c.Stage
	if stage == "" {
		stage = entity.StageCompleted
	}
	now := s.now().UTC()
	job, err := s.store.ConditionalUpdate(ctx, key, expected, entity.JobUpdate{
		Status:          entity.Ptr(entity.StatusCompleted),
		ProcessingStage: entity.Ptr(stage),
		ExtractedText:   entity.Ptr(c.ExtractedText),
		CorrectedText:   entity.Ptr(c.CorrectedText),
		ConfidenceScore: entity.Ptr(c.ConfidenceScore),
		Entities:        c.Entities,
		KeyPhrases:      c.KeyPhrases,
		Sentiment:       c.Sentiment,
		CompletedAt:     &now,
	})
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", key.JobID, err)
	}

	s.putArtifact(ctx, job)
	s.afterTerminal(ctx, job)
	s.log.Info("[jobs] completed",
		zap.String("job_id", job.JobID), zap.String("stage", stage),
		zap.Float64("confidence", job.ConfidenceScore))
	return job, nil
}

// FailJob is the worker failure callback. Every failure carries a stage
// naming the rule that produced it.
func (s *JobService) FailJob(ctx context.Context, key entity.JobKey, expected entity.JobStatus, stage, reason string) (*entity.Job, error) {
	now := s.now().UTC()
	job, err := s.store.ConditionalUpdate(ctx, key, expected, entity.JobUpdate{
		Status:          entity.Ptr(entity.StatusFailed),
		ProcessingStage: entity.Ptr(stage),
		Error:           entity.Ptr(reason),
		FailedAt:        &now,
	})
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", key.JobID, err)
	}

	s.afterTerminal(ctx, job)
	s.log.Warn("[jobs] failed",
		zap.String("job_id", job.JobID), zap.String("stage", stage), zap.String("error", reason))
	return job, nil
}

// CompleteFromRecognition turns a succeeded recognition result into a
// completion: text extraction, correction and, when enrich is set, NLP.
func (s *JobService) CompleteFromRecognition(ctx context.Context, job *entity.Job, res gateway.RecognitionResult, stage string, enrich bool) (*entity.Job, error) {
	extracted := gateway.ExtractText(res.Blocks)
	corrected, corrConf, corrections := s.corrector.Correct(extracted, job.DocumentType)

	c := Completion{
		ExtractedText:   extracted,
		CorrectedText:   corrected,
		ConfidenceScore: gateway.AverageConfidence(res.Blocks),
		Stage:           stage,
	}
	if enrich && s.analyzer != nil {
		e := gateway.Enrich(ctx, s.analyzer, corrected, s.log)
		c.Entities, c.KeyPhrases, c.Sentiment = e.Entities, e.KeyPhrases, &e.Sentiment
	}

	s.log.Debug("[jobs] text corrected",
		zap.String("job_id", job.JobID), zap.Int("corrections", corrections),
		zap.Float64("correction_confidence", corrConf))
	return s.CompleteJob(ctx, job.Key(), job.Status, c)
}

// CheckDocumentCompletion recomputes the aggregate of a group's pages and
// advances the document row once every page is terminal. Running it again is
// a no-op.
func (s *JobService) CheckDocumentCompletion(ctx context.Context, groupID string) (entity.DocumentAggregate, error) {
	pages, err := s.store.QueryByGroup(ctx, groupID)
	if err != nil {
		return entity.DocumentAggregate{}, fmt.Errorf("load pages of %s: %w", groupID, err)
	}
	agg := entity.AggregateDocument(groupID, pages)
	if !agg.Ready() {
		return agg, nil
	}
	advanced, err := s.store.AdvanceDocument(ctx, groupID, entity.DocumentProcessing, agg.Status)
	if err != nil {
		return agg, err
	}
	if advanced {
		s.log.Info("[jobs] document finished",
			zap.String("group_id", groupID), zap.String("status", string(agg.Status)),
			zap.Int("pages", agg.Pages), zap.Int("failed", agg.Failed))
	}
	return agg, nil
}

type DocumentView struct {
	Document  *entity.Document         `json:"document,omitempty"`
	Aggregate entity.DocumentAggregate `json:"aggregate"`
	Pages     []*entity.Job            `json:"pages"`
}

func (s *JobService) GetDocument(ctx context.Context, groupID string) (*DocumentView, error) {
	pages, err := s.store.QueryByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, groupID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if len(pages) == 0 && doc == nil {
		return nil, fmt.Errorf("document %s: %w", groupID, repository.ErrNotFound)
	}
	return &DocumentView{Document: doc, Aggregate: entity.AggregateDocument(groupID, pages), Pages: pages}, nil
}

// DeleteDocument removes a group's page records in store-sized chunks, then
// the document row. Object cleanup is best effort.
func (s *JobService) DeleteDocument(ctx context.Context, groupID string) (int, error) {
	pages, err := s.store.QueryByGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("document %s: %w", groupID, repository.ErrNotFound)
	}

	keys := make([]entity.JobKey, 0, len(pages))
	for _, p := range pages {
		s.deleteObject(ctx, p.DocumentKey)
		s.deleteObject(ctx, ResultKey(p.JobID))
		keys = append(keys, p.Key())
	}

	deleted := 0
	for _, chunk := range repository.Chunk(keys) {
		if err := s.store.BatchDelete(ctx, chunk); err != nil {
			return deleted, fmt.Errorf("delete pages of %s: %w", groupID, err)
		}
		deleted += len(chunk)
	}
	if err := s.store.DeleteDocument(ctx, groupID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// ResultKey is where the corrected text of a job is stored.
func ResultKey(jobID string) string { return "results/" + jobID + ".txt" }

func (s *JobService) afterTerminal(ctx context.Context, job *entity.Job) {
	if job.GroupID != "" {
		if _, err := s.CheckDocumentCompletion(ctx, job.GroupID); err != nil {
			s.log.Warn("[jobs] document completion check failed",
				zap.String("group_id", job.GroupID), zap.Error(err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, EventFor(job)); err != nil {
			s.log.Warn("[jobs] notify failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
}

func (s *JobService) putArtifact(ctx context.Context, job *entity.Job) {
	if s.objects == nil {
		return
	}
	if err := s.objects.Put(ctx, ResultKey(job.JobID), []byte(job.CorrectedText), "text/plain; charset=utf-8"); err != nil {
		s.log.Warn("[jobs] store result artifact failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (s *JobService) deleteObject(ctx context.Context, key string) {
	if s.objects == nil || key == "" {
		return
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		s.log.Warn("[jobs] delete object failed", zap.String("key", key), zap.Error(err))
	}
}
