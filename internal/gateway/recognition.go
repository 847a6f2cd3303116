package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrInvalidReference means the service does not know the external job id.
	// It is terminal and never retried.
	ErrInvalidReference = errors.New("unknown external job reference")
	// ErrTransient covers throttling, timeouts and 5xx answers.
	ErrTransient = errors.New("transient recognition error")
	// ErrTimeout is returned when polling gives up.
	ErrTimeout = errors.New("recognition polling timed out")
)

type RecognitionStatus string

const (
	RecognitionRunning   RecognitionStatus = "running"
	RecognitionSucceeded RecognitionStatus = "succeeded"
	RecognitionFailed    RecognitionStatus = "failed"
)

type BlockType string

const (
	BlockLine BlockType = "LINE"
	BlockWord BlockType = "WORD"
)

type Block struct {
	Type       BlockType `json:"type"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Page       int       `json:"page,omitempty"`
}

type RecognitionResult struct {
	Status        RecognitionStatus `json:"status"`
	Blocks        []Block           `json:"blocks"`
	StatusMessage string            `json:"status_message,omitempty"`
}

// Recognizer wraps a long-running asynchronous text recognition service.
type Recognizer interface {
	Start(ctx context.Context, documentLocation string, features []string) (string, error)
	Poll(ctx context.Context, externalJobID string) (RecognitionResult, error)
}

// DefaultFeatures are requested for every document.
var DefaultFeatures = []string{"TABLES", "FORMS"}

// ExtractText joins LINE blocks in order, one per line.
func ExtractText(blocks []Block) string {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockLine && b.Text != "" {
			lines = append(lines, b.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// AverageConfidence is the arithmetic mean over WORD blocks, zero without any.
func AverageConfidence(blocks []Block) float64 {
	var sum float64
	var n int
	for _, b := range blocks {
		if b.Type == BlockWord {
			sum += b.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PollConfig bounds AwaitResult.
type PollConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 40,
	}
}

// AwaitResult polls until the recognition job leaves the running state. It
// backs off exponentially between attempts and returns ErrTimeout once the
// attempts are exhausted. Transient poll errors count as attempts; invalid
// references stop immediately.
func AwaitResult(ctx context.Context, r Recognizer, externalJobID string, cfg PollConfig) (RecognitionResult, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1)), ctx)

	var (
		result  RecognitionResult
		lastErr error
	)
	op := func() error {
		res, err := r.Poll(ctx, externalJobID)
		if err != nil {
			if errors.Is(err, ErrInvalidReference) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		switch res.Status {
		case RecognitionSucceeded, RecognitionFailed:
			result = res
			return nil
		case RecognitionRunning:
			lastErr = nil
			return errStillRunning
		default:
			lastErr = fmt.Errorf("unrecognized recognition status %q", res.Status)
			return lastErr
		}
	}

	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrInvalidReference) {
			return RecognitionResult{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RecognitionResult{}, ctxErr
		}
		if lastErr != nil {
			return RecognitionResult{}, fmt.Errorf("%w after %d attempts: %v", ErrTimeout, cfg.MaxAttempts, lastErr)
		}
		return RecognitionResult{}, fmt.Errorf("%w after %d attempts", ErrTimeout, cfg.MaxAttempts)
	}
	return result, nil
}

var errStillRunning = errors.New("recognition still running")
