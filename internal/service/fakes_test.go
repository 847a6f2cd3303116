package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository"
	"newsarchive-ocr/internal/service"
)

// memStore is an in-memory JobStore with the same compare-and-set contract
// as the SQL stores.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*entity.Job
	docs map[string]*entity.Document

	failUpdateFor map[string]error
	batchSizes    []int
	updates       int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:          map[string]*entity.Job{},
		docs:          map[string]*entity.Document{},
		failUpdateFor: map[string]error{},
	}
}

func clone(j *entity.Job) *entity.Job {
	c := *j
	c.RoutingFactors = append([]string(nil), j.RoutingFactors...)
	c.Entities = append([]entity.Entity(nil), j.Entities...)
	c.KeyPhrases = append([]entity.KeyPhrase(nil), j.KeyPhrases...)
	return &c
}

func (s *memStore) Create(ctx context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = repository.NormalizeTime(job.CreatedAt)
	k := job.Key().String()
	if _, ok := s.jobs[k]; ok {
		return repository.ErrAlreadyExists
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	s.jobs[k] = clone(job)
	return nil
}

// put stores a job as-is, bypassing Create, for arranging test fixtures.
func (s *memStore) put(job *entity.Job) *entity.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = repository.NormalizeTime(job.CreatedAt)
	s.jobs[job.Key().String()] = clone(job)
	return job
}

func (s *memStore) Get(ctx context.Context, key entity.JobKey) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.CreatedAt = repository.NormalizeTime(key.CreatedAt)
	j, ok := s.jobs[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(j), nil
}

func (s *memStore) GetByID(ctx context.Context, jobID string) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *entity.Job
	for _, j := range s.jobs {
		if j.JobID == jobID && (best == nil || j.CreatedAt.After(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return clone(best), nil
}

func (s *memStore) ConditionalUpdate(ctx context.Context, key entity.JobKey, expected entity.JobStatus, upd entity.JobUpdate) (*entity.Job, error) {
	if err := upd.Validate(expected); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUpdateFor[key.JobID]; err != nil {
		return nil, err
	}
	key.CreatedAt = repository.NormalizeTime(key.CreatedAt)
	j, ok := s.jobs[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.Status != expected {
		return nil, fmt.Errorf("job %s is %s: %w", key, j.Status, repository.ErrConflict)
	}
	upd.Apply(j, time.Now().UTC())
	s.updates++
	return clone(j), nil
}

func (s *memStore) AttachExternalJob(ctx context.Context, key entity.JobKey, externalID string) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.CreatedAt = repository.NormalizeTime(key.CreatedAt)
	j, ok := s.jobs[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.Status != entity.StatusProcessing || j.ExternalJobID != "" {
		return nil, fmt.Errorf("job %s is %s as %q: %w", key, j.Status, j.ExternalJobID, repository.ErrConflict)
	}
	upd := entity.JobUpdate{ExternalJobID: entity.Ptr(externalID), ProcessingStage: entity.Ptr(entity.StageRecognizing)}
	upd.Apply(j, time.Now().UTC())
	s.updates++
	return clone(j), nil
}

func (s *memStore) QueryByStatus(ctx context.Context, status entity.JobStatus, limit int) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, clone(j))
		}
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) QueryByGroup(ctx context.Context, groupID string) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Job
	for _, j := range s.jobs {
		if groupID != "" && j.GroupID == groupID {
			out = append(out, clone(j))
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *memStore) BatchDelete(ctx context.Context, keys []entity.JobKey) error {
	if len(keys) > repository.MaxBatchItems {
		return repository.ErrBatchTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchSizes = append(s.batchSizes, len(keys))
	for _, k := range keys {
		k.CreatedAt = repository.NormalizeTime(k.CreatedAt)
		delete(s.jobs, k.String())
	}
	return nil
}

func (s *memStore) EnsureDocument(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[groupID]; !ok {
		now := time.Now().UTC()
		s.docs[groupID] = &entity.Document{GroupID: groupID, Status: entity.DocumentProcessing, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (s *memStore) GetDocument(ctx context.Context, groupID string) (*entity.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *memStore) AdvanceDocument(ctx context.Context, groupID string, from, to entity.DocumentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[groupID]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) DeleteDocument(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, groupID)
	return nil
}

func (s *memStore) mustGet(key entity.JobKey) *entity.Job {
	j, err := s.Get(context.Background(), key)
	if err != nil {
		panic(err)
	}
	return j
}

func sortJobs(js []*entity.Job) {
	sort.Slice(js, func(a, b int) bool {
		if !js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		}
		return js[a].JobID < js[b].JobID
	})
}

// fakeLanes records hand-offs.
type fakeLanes struct {
	mu         sync.Mutex
	fast       []service.Payload
	heavy      []service.Payload
	tags       map[string]string
	fastErr    error
	heavyErr   error
	nextExecID int
}

func newFakeLanes() *fakeLanes { return &fakeLanes{tags: map[string]string{}} }

func (q *fakeLanes) EnqueueFast(ctx context.Context, p service.Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fastErr != nil {
		return q.fastErr
	}
	q.fast = append(q.fast, p)
	return nil
}

func (q *fakeLanes) SubmitHeavy(ctx context.Context, p service.Payload, tag string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heavyErr != nil {
		return "", q.heavyErr
	}
	if id, ok := q.tags[tag]; ok {
		return id, service.ErrDuplicateSubmission
	}
	q.nextExecID++
	id := fmt.Sprintf("exec-%d", q.nextExecID)
	q.tags[tag] = id
	p.ExecutionID = id
	q.heavy = append(q.heavy, p)
	return id, nil
}

func (q *fakeLanes) fastCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fast)
}

// fakeRecognizer answers polls from a per-external-id table.
type fakeRecognizer struct {
	mu      sync.Mutex
	results map[string]gateway.RecognitionResult
	errs    map[string]error
	polls   map[string]int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		results: map[string]gateway.RecognitionResult{},
		errs:    map[string]error{},
		polls:   map[string]int{},
	}
}

func (r *fakeRecognizer) Start(ctx context.Context, loc string, features []string) (string, error) {
	return "", errors.New("not used")
}

func (r *fakeRecognizer) Poll(ctx context.Context, id string) (gateway.RecognitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[id]++
	if err := r.errs[id]; err != nil {
		return gateway.RecognitionResult{}, err
	}
	res, ok := r.results[id]
	if !ok {
		return gateway.RecognitionResult{Status: gateway.RecognitionRunning}, nil
	}
	return res, nil
}

// fakeObjects is an ObjectStore that remembers puts and deletes.
type fakeObjects struct {
	mu        sync.Mutex
	puts      map[string][]byte
	deleted   []string
	deleteErr error
}

func newFakeObjects() *fakeObjects { return &fakeObjects{puts: map[string][]byte{}} }

func (o *fakeObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.puts[key] = append([]byte(nil), data...)
	return nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, key)
	return o.deleteErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []service.Event
	err    error
}

func (n *fakeNotifier) Notify(ctx context.Context, ev service.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

const mb = 1 << 20

func newJob(id string, size int64, age time.Duration) *entity.Job {
	created := time.Now().UTC().Add(-age)
	return &entity.Job{
		JobID:         id,
		CreatedAt:     created,
		FileSizeBytes: size,
		PageCount:     1,
		Filename:      id + ".png",
		DocumentKey:   "uploads/" + id + ".png",
		Status:        entity.StatusPending,
		UpdatedAt:     created,
	}
}
