package service_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository"
	"newsarchive-ocr/internal/service"
)

type harness struct {
	store    *memStore
	lanes    *fakeLanes
	objects  *fakeObjects
	notifier *fakeNotifier
	jobs     *service.JobService
}

func newHarness() *harness {
	h := &harness{
		store:    newMemStore(),
		lanes:    newFakeLanes(),
		objects:  newFakeObjects(),
		notifier: &fakeNotifier{},
	}
	d := newDispatcher(h.store, h.lanes)
	h.jobs = service.NewJobService(h.store, d, nil,
		service.WithObjectStore(h.objects),
		service.WithNotifier(h.notifier),
	)
	return h
}

func TestJobService_SubmitValidates(t *testing.T) {
	h := newHarness()
	_, err := h.jobs.Submit(context.Background(), service.SubmitRequest{FileSizeBytes: -1, ForceRoute: "turbo"})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "filename is required")
	assert.Contains(t, err.Error(), `force_route "turbo"`)
}

func TestJobService_SubmitIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	created := time.Now().Add(-time.Minute)
	req := service.SubmitRequest{
		JobID:         "scan-1",
		CreatedAt:     created,
		FileSizeBytes: 2 * mb,
		Filename:      "scan-1.png",
		DocumentKey:   "uploads/scan-1.png",
	}

	first, err := h.jobs.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, first.Status)
	assert.Equal(t, 1, first.PageCount)

	again, err := h.jobs.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, again.JobID)
	assert.Equal(t, entity.StatusProcessing, again.Status)
	assert.Equal(t, 1, h.lanes.fastCount(), "re-submission does not dispatch twice")
}

func TestJobService_SubmitRejectsCreatedAtOutsideRecoveryWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	now := time.Now()

	_, err := h.jobs.Submit(ctx, service.SubmitRequest{
		JobID:       "future",
		CreatedAt:   now.Add(24 * time.Hour),
		Filename:    "a.png",
		DocumentKey: "uploads/a.png",
	})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "in the future")

	_, err = h.jobs.Submit(ctx, service.SubmitRequest{
		JobID:       "ancient",
		CreatedAt:   now.Add(-3 * time.Hour),
		Filename:    "a.png",
		DocumentKey: "uploads/a.png",
	})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "older than")

	assert.Zero(t, h.lanes.fastCount())
	_, err = h.store.GetByID(ctx, "future")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	skewed, err := h.jobs.Submit(ctx, service.SubmitRequest{
		JobID:         "skewed",
		CreatedAt:     now.Add(30 * time.Second),
		FileSizeBytes: 2 * mb,
		Filename:      "a.png",
		DocumentKey:   "uploads/a.png",
	})
	require.NoError(t, err, "small clock skew is tolerated")
	assert.Equal(t, entity.StatusProcessing, skewed.Status)
}

func TestJobService_OldKeyIsStillIdempotentWhenItExists(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	old := h.store.put(newJob("kept", 2*mb, 3*time.Hour))
	old.Status = entity.StatusCompleted
	h.store.put(old)

	got, err := h.jobs.Submit(ctx, service.SubmitRequest{
		JobID:       "kept",
		CreatedAt:   old.CreatedAt,
		Filename:    "a.png",
		DocumentKey: "uploads/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Zero(t, h.lanes.fastCount())
}

func TestJobService_SubmitRegistersDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	job, err := h.jobs.Submit(ctx, service.SubmitRequest{
		GroupID:     "doc-9",
		Filename:    "p1.png",
		DocumentKey: "uploads/p1.png",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.JobID)

	doc, err := h.store.GetDocument(ctx, "doc-9")
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentProcessing, doc.Status)
}

func TestJobService_SubmitHandoffFailureIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.lanes.fastErr = errors.New("queue down")

	job, err := h.jobs.Submit(ctx, service.SubmitRequest{Filename: "a.png", DocumentKey: "uploads/a.png"})
	require.ErrorIs(t, err, service.ErrHandoffFailed)
	require.NotNil(t, job)
	assert.Equal(t, entity.StatusFailed, job.Status)
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, entity.StageHandoffFailed, h.notifier.events[0].Stage)
}

func TestJobService_CompleteFromRecognition(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	j := newJob("c1", 2*mb, time.Minute)
	j.Status = entity.StatusProcessing
	j.DocumentType = "newspaper"
	job := h.store.put(j)

	res := gateway.RecognitionResult{
		Status: gateway.RecognitionSucceeded,
		Blocks: []gateway.Block{
			{Type: gateway.BlockLine, Text: "Tbe rnayor spoke"},
			{Type: gateway.BlockWord, Text: "Tbe", Confidence: 90},
			{Type: gateway.BlockWord, Text: "rnayor", Confidence: 70},
		},
	}
	got, err := h.jobs.CompleteFromRecognition(ctx, job, res, entity.StageCompleted, false)
	require.NoError(t, err)

	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, "Tbe rnayor spoke", got.ExtractedText)
	assert.Equal(t, "The mayor spoke", got.CorrectedText)
	assert.InDelta(t, 80.0, got.ConfidenceScore, 1e-9)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []byte("The mayor spoke"), h.objects.puts[service.ResultKey("c1")])
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, entity.StatusCompleted, h.notifier.events[0].Status)
}

func TestJobService_NotificationFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.notifier.err = errors.New("pubsub down")
	j := newJob("n1", 2*mb, 0)
	j.Status = entity.StatusProcessing
	job := h.store.put(j)

	got, err := h.jobs.FailJob(ctx, job.Key(), entity.StatusProcessing, entity.StageRecognitionFailed, "blurry scan")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, "blurry scan", *got.Error)
}

func TestJobService_ConcurrentTerminalWritersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		h := newHarness()
		j := newJob(fmt.Sprintf("race-%d", round), 2*mb, 0)
		j.Status = entity.StatusProcessing
		job := h.store.put(j)

		var (
			wg   sync.WaitGroup
			errs = make([]error, 2)
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.jobs.CompleteJob(ctx, job.Key(), entity.StatusProcessing, service.Completion{CorrectedText: "ok"})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.jobs.FailJob(ctx, job.Key(), entity.StatusProcessing, entity.StageTimeout, "late")
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, repository.ErrConflict)
			}
		}
		assert.Equal(t, 1, wins)

		final := h.store.mustGet(job.Key())
		assert.True(t, final.Status.IsTerminal())
		if final.Status == entity.StatusCompleted {
			assert.Nil(t, final.FailedAt)
		} else {
			assert.Nil(t, final.CompletedAt)
		}
	}
}

func TestJobService_DocumentCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	require.NoError(t, h.store.EnsureDocument(ctx, "g"))

	var pages []*entity.Job
	for i := 0; i < 3; i++ {
		p := newJob(fmt.Sprintf("g-%d", i), mb, time.Duration(i)*time.Second)
		p.GroupID = "g"
		p.Status = entity.StatusProcessing
		pages = append(pages, h.store.put(p))
	}

	_, err := h.jobs.CompleteJob(ctx, pages[0].Key(), entity.StatusProcessing, service.Completion{})
	require.NoError(t, err)
	agg, err := h.jobs.CheckDocumentCompletion(ctx, "g")
	require.NoError(t, err)
	assert.False(t, agg.Ready())
	assert.Equal(t, 2, agg.InFlight)

	_, err = h.jobs.CompleteJob(ctx, pages[1].Key(), entity.StatusProcessing, service.Completion{})
	require.NoError(t, err)
	_, err = h.jobs.FailJob(ctx, pages[2].Key(), entity.StatusProcessing, entity.StageRecognitionFailed, "torn page")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		agg, err = h.jobs.CheckDocumentCompletion(ctx, "g")
		require.NoError(t, err)
		assert.True(t, agg.Ready())
		assert.Equal(t, entity.DocumentCompletedWithErrors, agg.Status)
	}
	doc, err := h.store.GetDocument(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, entity.DocumentCompletedWithErrors, doc.Status)

	view, err := h.jobs.GetDocument(ctx, "g")
	require.NoError(t, err)
	assert.Len(t, view.Pages, 3)
	assert.Equal(t, 1, view.Aggregate.Failed)
}

func TestJobService_DeleteDocumentChunksBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.objects.deleteErr = errors.New("access denied")
	require.NoError(t, h.store.EnsureDocument(ctx, "big"))
	for i := 0; i < 60; i++ {
		p := newJob(fmt.Sprintf("big-%02d", i), mb, time.Duration(i)*time.Second)
		p.GroupID = "big"
		h.store.put(p)
	}

	n, err := h.jobs.DeleteDocument(ctx, "big")
	require.NoError(t, err, "object cleanup failures are not fatal")
	assert.Equal(t, 60, n)
	assert.Equal(t, []int{25, 25, 10}, h.store.batchSizes)
	assert.Len(t, h.objects.deleted, 120)

	_, err = h.store.GetDocument(ctx, "big")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = h.jobs.DeleteDocument(ctx, "big")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// Random sequences of conditional updates never move a job out of a
// terminal state.
func TestJobService_TerminalStatesAreFinalUnderRandomUpdates(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	statuses := []entity.JobStatus{
		entity.StatusPending, entity.StatusQueued, entity.StatusSubmitted,
		entity.StatusProcessing, entity.StatusCompleted, entity.StatusFailed,
	}

	for run := 0; run < 200; run++ {
		store := newMemStore()
		job := store.put(newJob(fmt.Sprintf("walk-%d", run), mb, 0))
		var terminal entity.JobStatus

		for step := 0; step < 12; step++ {
			expected := statuses[rng.Intn(len(statuses))]
			target := statuses[rng.Intn(len(statuses))]
			_, _ = store.ConditionalUpdate(ctx, job.Key(), expected, entity.JobUpdate{Status: entity.Ptr(target)})

			current := store.mustGet(job.Key()).Status
			if terminal != "" {
				require.Equal(t, terminal, current, "run %d step %d", run, step)
			}
			if current.IsTerminal() {
				terminal = current
			}
		}
	}
}
