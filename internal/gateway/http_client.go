package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
)

// HTTPClient talks JSON to the recognition and NLP services.
//
//	POST {recognition}/jobs          {"document_location","features"} -> {"job_id"}
//	GET  {recognition}/jobs/{id}     -> RecognitionResult
//	POST {nlp}/entities|key-phrases|sentiment {"text","language"}
type HTTPClient struct {
	recognitionURL string
	nlpURL         string
	language       string
	client         *http.Client
	log            *zap.Logger
}

func NewHTTPClient(recognitionURL, nlpURL string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		recognitionURL: strings.TrimRight(recognitionURL, "/"),
		nlpURL:         strings.TrimRight(nlpURL, "/"),
		language:       "en",
		client:         &http.Client{Timeout: timeout},
		log:            log,
	}
}

type startRequest struct {
	DocumentLocation string   `json:"document_location"`
	Features         []string `json:"features"`
}

type startResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPClient) Start(ctx context.Context, documentLocation string, features []string) (string, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, c.recognitionURL+"/jobs", startRequest{
		DocumentLocation: documentLocation,
		Features:         features,
	}, &resp); err != nil {
		return "", fmt.Errorf("start recognition: %w", err)
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("start recognition: empty job id")
	}
	return resp.JobID, nil
}

func (c *HTTPClient) Poll(ctx context.Context, externalJobID string) (RecognitionResult, error) {
	var res RecognitionResult
	if err := c.do(ctx, http.MethodGet, c.recognitionURL+"/jobs/"+url.PathEscape(externalJobID), nil, &res); err != nil {
		return RecognitionResult{}, fmt.Errorf("poll recognition %s: %w", externalJobID, err)
	}
	return res, nil
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *HTTPClient) DetectEntities(ctx context.Context, text string) ([]entity.Entity, error) {
	var resp struct {
		Entities []entity.Entity `json:"entities"`
	}
	if err := c.do(ctx, http.MethodPost, c.nlpURL+"/entities", analyzeRequest{Text: text, Language: c.language}, &resp); err != nil {
		return nil, err
	}
	return resp.Entities, nil
}

func (c *HTTPClient) DetectKeyPhrases(ctx context.Context, text string) ([]entity.KeyPhrase, error) {
	var resp struct {
		KeyPhrases []entity.KeyPhrase `json:"key_phrases"`
	}
	if err := c.do(ctx, http.MethodPost, c.nlpURL+"/key-phrases", analyzeRequest{Text: text, Language: c.language}, &resp); err != nil {
		return nil, err
	}
	return resp.KeyPhrases, nil
}

func (c *HTTPClient) DetectSentiment(ctx context.Context, text string) (entity.Sentiment, error) {
	var resp entity.Sentiment
	if err := c.do(ctx, http.MethodPost, c.nlpURL+"/sentiment", analyzeRequest{Text: text, Language: c.language}, &resp); err != nil {
		return entity.Sentiment{}, err
	}
	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	reqID := uuid.New().String()
	start := time.Now()

	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("[gateway] request failed",
			zap.String("req_id", reqID), zap.String("url", endpoint),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	c.log.Debug("[gateway] response",
		zap.String("req_id", reqID), zap.String("url", endpoint), zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrInvalidReference
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
