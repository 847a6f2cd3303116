package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/gateway"
)

// ---- fakes ----

type scriptedRecognizer struct {
	mu      sync.Mutex
	results []gateway.RecognitionResult
	errs    []error
	polls   int
}

func (r *scriptedRecognizer) Start(ctx context.Context, loc string, features []string) (string, error) {
	return "ext-1", nil
}

func (r *scriptedRecognizer) Poll(ctx context.Context, id string) (gateway.RecognitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.polls
	r.polls++
	if i < len(r.errs) && r.errs[i] != nil {
		return gateway.RecognitionResult{}, r.errs[i]
	}
	if i < len(r.results) {
		return r.results[i], nil
	}
	return gateway.RecognitionResult{Status: gateway.RecognitionRunning}, nil
}

func fastPoll(attempts int) gateway.PollConfig {
	return gateway.PollConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: attempts}
}

var sampleBlocks = []gateway.Block{
	{Type: gateway.BlockLine, Text: "Tbe city hall"},
	{Type: gateway.BlockWord, Text: "Tbe", Confidence: 80},
	{Type: gateway.BlockWord, Text: "city", Confidence: 90},
	{Type: gateway.BlockWord, Text: "hall", Confidence: 100},
	{Type: gateway.BlockLine, Text: "opened today"},
}

// ---- tests ----

func TestAwaitResult_PollsUntilSucceeded(t *testing.T) {
	r := &scriptedRecognizer{results: []gateway.RecognitionResult{
		{Status: gateway.RecognitionRunning},
		{Status: gateway.RecognitionRunning},
		{Status: gateway.RecognitionSucceeded, Blocks: sampleBlocks},
	}}

	res, err := gateway.AwaitResult(context.Background(), r, "ext-1", fastPoll(5))
	require.NoError(t, err)
	assert.Equal(t, gateway.RecognitionSucceeded, res.Status)
	assert.Equal(t, 3, r.polls)
}

func TestAwaitResult_RetriesTransientErrors(t *testing.T) {
	r := &scriptedRecognizer{
		errs: []error{gateway.ErrTransient, gateway.ErrTransient},
		results: []gateway.RecognitionResult{
			{}, {},
			{Status: gateway.RecognitionFailed, StatusMessage: "unreadable"},
		},
	}

	res, err := gateway.AwaitResult(context.Background(), r, "ext-1", fastPoll(5))
	require.NoError(t, err)
	assert.Equal(t, gateway.RecognitionFailed, res.Status)
	assert.Equal(t, "unreadable", res.StatusMessage)
}

func TestAwaitResult_InvalidReferenceIsNotRetried(t *testing.T) {
	r := &scriptedRecognizer{errs: []error{gateway.ErrInvalidReference}}

	_, err := gateway.AwaitResult(context.Background(), r, "nope", fastPoll(5))
	require.ErrorIs(t, err, gateway.ErrInvalidReference)
	assert.Equal(t, 1, r.polls)
}

func TestAwaitResult_TimesOutAfterBoundedAttempts(t *testing.T) {
	r := &scriptedRecognizer{}

	_, err := gateway.AwaitResult(context.Background(), r, "ext-1", fastPoll(4))
	require.ErrorIs(t, err, gateway.ErrTimeout)
	assert.Equal(t, 4, r.polls)
}

func TestExtractTextAndConfidence(t *testing.T) {
	assert.Equal(t, "Tbe city hall\nopened today", gateway.ExtractText(sampleBlocks))
	assert.InDelta(t, 90.0, gateway.AverageConfidence(sampleBlocks), 1e-9)
	assert.Equal(t, 0.0, gateway.AverageConfidence([]gateway.Block{{Type: gateway.BlockLine, Text: "x"}}))
}

type fakeAnalyzer struct {
	entitiesErr error
	seenLen     int
	mu          sync.Mutex
}

func (a *fakeAnalyzer) DetectEntities(ctx context.Context, text string) ([]entity.Entity, error) {
	if a.entitiesErr != nil {
		return nil, a.entitiesErr
	}
	return []entity.Entity{{Text: "City Hall", Type: "LOCATION", Score: 0.9}, {Text: "x", Type: "OTHER", Score: 0.2}}, nil
}

func (a *fakeAnalyzer) DetectKeyPhrases(ctx context.Context, text string) ([]entity.KeyPhrase, error) {
	a.mu.Lock()
	a.seenLen = len(text)
	a.mu.Unlock()
	return []entity.KeyPhrase{{Text: "city hall", Score: 0.7}, {Text: "today", Score: 0.69}}, nil
}

func (a *fakeAnalyzer) DetectSentiment(ctx context.Context, text string) (entity.Sentiment, error) {
	return entity.Sentiment{Label: "POSITIVE"}, nil
}

func TestEnrich_FiltersScores(t *testing.T) {
	a := &fakeAnalyzer{}
	out := gateway.Enrich(context.Background(), a, "The city hall opened today", zap.NewNop())

	assert.Equal(t, []entity.Entity{{Text: "City Hall", Type: "LOCATION", Score: 0.9}}, out.Entities)
	assert.Equal(t, []entity.KeyPhrase{{Text: "city hall", Score: 0.7}}, out.KeyPhrases)
	assert.Equal(t, "POSITIVE", out.Sentiment.Label)
}

func TestEnrich_OneFailingCallDoesNotFailTheRest(t *testing.T) {
	a := &fakeAnalyzer{entitiesErr: errors.New("throttled")}
	out := gateway.Enrich(context.Background(), a, "text", zap.NewNop())

	assert.Empty(t, out.Entities)
	assert.NotNil(t, out.Entities)
	assert.Len(t, out.KeyPhrases, 1)
	assert.Equal(t, "POSITIVE", out.Sentiment.Label)
}

func TestEnrich_TruncatesLongText(t *testing.T) {
	a := &fakeAnalyzer{}
	gateway.Enrich(context.Background(), a, strings.Repeat("é", 3000), nil)
	assert.LessOrEqual(t, a.seenLen, gateway.MaxAnalyzeBytes)
	assert.Equal(t, 4900, a.seenLen)
}

func TestTruncateUTF8_KeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "ab", gateway.TruncateUTF8("abé", 3))
	assert.Equal(t, "abé", gateway.TruncateUTF8("abé", 4))
	assert.Equal(t, "short", gateway.TruncateUTF8("short", 10))
}

func TestHTTPClient_StartAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["document_location"] != "uploads/a.png" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"job_id":"ext-42"}`))
		case r.URL.Path == "/jobs/ext-42":
			_, _ = w.Write([]byte(`{"status":"succeeded","blocks":[{"type":"WORD","text":"hi","confidence":99}]}`))
		case r.URL.Path == "/jobs/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := gateway.NewHTTPClient(srv.URL, srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	id, err := c.Start(ctx, "uploads/a.png", gateway.DefaultFeatures)
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)

	res, err := c.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, gateway.RecognitionSucceeded, res.Status)
	assert.Equal(t, 99.0, gateway.AverageConfidence(res.Blocks))

	_, err = c.Poll(ctx, "missing")
	assert.ErrorIs(t, err, gateway.ErrInvalidReference)

	_, err = c.Poll(ctx, "busy")
	assert.ErrorIs(t, err, gateway.ErrTransient)
}
