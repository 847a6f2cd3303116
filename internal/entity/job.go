package entity

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusSubmitted  JobStatus = "submitted"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// NonTerminalStatuses is the scan order used by recovery.
var NonTerminalStatuses = []JobStatus{StatusPending, StatusQueued, StatusSubmitted, StatusProcessing}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Route string

const (
	RouteFast  Route = "fast"
	RouteHeavy Route = "heavy"
)

func (r Route) Valid() bool { return r == RouteFast || r == RouteHeavy }

// Processing stages written alongside status changes. Terminal failures always
// carry one of the failure stages so operators can tell them apart.
const (
	StageRouted            = "routed"
	StageRecognizing       = "recognizing"
	StageCompleted         = "completed"
	StageRecoveryTriggered = "recovery_triggered"
	StageAutoRecovered     = "auto_recovered"
	StageHandoffFailed     = "handoff_failed"
	StageRecognitionFailed = "recognition_failed"
	StageInvalidReference  = "invalid_reference"
	StageTimeout           = "timeout"
	StageAbandoned         = "abandoned"
)

// JobKey identifies a job record. CreatedAt is part of the key so re-creating
// the same job is idempotent.
type JobKey struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s@%d", k.JobID, k.CreatedAt.UnixMilli())
}

type Entity struct {
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

type KeyPhrase struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type Sentiment struct {
	Label  string             `json:"label"`
	Scores map[string]float64 `json:"scores,omitempty"`
}

// NeutralSentiment is substituted when sentiment detection is unavailable.
func NeutralSentiment() Sentiment {
	return Sentiment{Label: "NEUTRAL"}
}

type Job struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`

	FileSizeBytes int64      `json:"file_size_bytes"`
	IsMultiPage   bool       `json:"is_multi_page"`
	PageCount     int        `json:"page_count"`
	GroupID       string     `json:"group_id,omitempty"`
	Filename      string     `json:"filename"`
	DocumentKey   string     `json:"document_key"`
	DocumentType  string     `json:"document_type,omitempty"`
	ForceRoute    Route      `json:"force_route,omitempty"`

	Status          JobStatus `json:"status"`
	ProcessingStage string    `json:"processing_stage,omitempty"`
	Error           *string   `json:"error,omitempty"`

	Route                   Route    `json:"route,omitempty"`
	EstimatedProcessingTime int      `json:"estimated_processing_time,omitempty"`
	RoutingFactors          []string `json:"routing_factors,omitempty"`

	ExternalJobID string `json:"external_job_id,omitempty"`
	BatchJobID    string `json:"batch_job_id,omitempty"`

	ExtractedText   string      `json:"extracted_text,omitempty"`
	CorrectedText   string      `json:"corrected_text,omitempty"`
	ConfidenceScore float64     `json:"confidence_score,omitempty"`
	Entities        []Entity    `json:"entities,omitempty"`
	KeyPhrases      []KeyPhrase `json:"key_phrases,omitempty"`
	Sentiment       *Sentiment  `json:"sentiment,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (j *Job) Key() JobKey {
	return JobKey{JobID: j.JobID, CreatedAt: j.CreatedAt}
}

// Age is measured from creation.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// ProcessingAge is measured from the hand-off when one happened.
func (j *Job) ProcessingAge(now time.Time) time.Duration {
	if j.StartedAt != nil {
		return now.Sub(*j.StartedAt)
	}
	return j.Age(now)
}

// RoutingDecision is the Router's output. Factors are the ordered audit trail
// of every condition that fired.
type RoutingDecision struct {
	Route            Route    `json:"route"`
	EstimatedSeconds int      `json:"estimated_seconds"`
	Factors          []string `json:"factors"`
}
