package entity

import (
	"fmt"
	"time"
)

// JobUpdate lists every mutable column of a job. Nil fields are left alone.
// Identity and classification inputs are deliberately absent.
type JobUpdate struct {
	Status          *JobStatus
	ProcessingStage *string
	Error           *string

	Route                   *Route
	EstimatedProcessingTime *int
	RoutingFactors          []string

	ExternalJobID *string
	BatchJobID    *string

	ExtractedText   *string
	CorrectedText   *string
	ConfidenceScore *float64
	Entities        []Entity
	KeyPhrases      []KeyPhrase
	Sentiment       *Sentiment

	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Validate checks the update against the status the caller expects the job
// to be in.
func (u JobUpdate) Validate(expected JobStatus) error {
	if u.Status == nil {
		if expected.IsTerminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, expected)
		}
		return nil
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *u.Status)
	}
	if !CanTransition(expected, *u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, *u.Status)
	}
	if u.Route != nil && !u.Route.Valid() {
		return fmt.Errorf("%w: unknown route %q", ErrInvalidTransition, *u.Route)
	}
	return nil
}

// Apply copies the set fields onto job and stamps UpdatedAt.
func (u JobUpdate) Apply(job *Job, now time.Time) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.ProcessingStage != nil {
		job.ProcessingStage = *u.ProcessingStage
	}
	if u.Error != nil {
		e := *u.Error
		job.Error = &e
	}
	if u.Route != nil {
		job.Route = *u.Route
	}
	if u.EstimatedProcessingTime != nil {
		job.EstimatedProcessingTime = *u.EstimatedProcessingTime
	}
	if u.RoutingFactors != nil {
		job.RoutingFactors = append([]string(nil), u.RoutingFactors...)
	}
	if u.ExternalJobID != nil {
		job.ExternalJobID = *u.ExternalJobID
	}
	if u.BatchJobID != nil {
		job.BatchJobID = *u.BatchJobID
	}
	if u.ExtractedText != nil {
		job.ExtractedText = *u.ExtractedText
	}
	if u.CorrectedText != nil {
		job.CorrectedText = *u.CorrectedText
	}
	if u.ConfidenceScore != nil {
		job.ConfidenceScore = *u.ConfidenceScore
	}
	if u.Entities != nil {
		job.Entities = append([]Entity(nil), u.Entities...)
	}
	if u.KeyPhrases != nil {
		job.KeyPhrases = append([]KeyPhrase(nil), u.KeyPhrases...)
	}
	if u.Sentiment != nil {
		s := *u.Sentiment
		job.Sentiment = &s
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
	if u.FailedAt != nil {
		t := *u.FailedAt
		job.FailedAt = &t
	}
	job.UpdatedAt = now
}

// Ptr is a small helper for building updates.
func Ptr[T any](v T) *T { return &v }
