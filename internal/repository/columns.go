package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"newsarchive-ocr/internal/entity"
)

// Column is one SET assignment of a conditional update. Names come from this
// file only; callers cannot inject their own.
type Column struct {
	Name  string
	Value any
}

// UpdateColumns maps the set fields of u to column assignments. Slices and
// structs are JSON-encoded; times are returned as UTC time.Time and converted
// by each backend.
func UpdateColumns(u entity.JobUpdate) ([]Column, error) {
	var cols []Column
	add := func(name string, v any) { cols = append(cols, Column{Name: name, Value: v}) }
	addJSON := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		add(name, b)
		return nil
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.ProcessingStage != nil {
		add("processing_stage", *u.ProcessingStage)
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if u.Route != nil {
		add("route", string(*u.Route))
	}
	if u.EstimatedProcessingTime != nil {
		add("estimated_processing_time", *u.EstimatedProcessingTime)
	}
	if u.RoutingFactors != nil {
		if err := addJSON("routing_factors", u.RoutingFactors); err != nil {
			return nil, err
		}
	}
	if u.ExternalJobID != nil {
		add("external_job_id", *u.ExternalJobID)
	}
	if u.BatchJobID != nil {
		add("batch_job_id", *u.BatchJobID)
	}
	if u.ExtractedText != nil {
		add("extracted_text", *u.ExtractedText)
	}
	if u.CorrectedText != nil {
		add("corrected_text", *u.CorrectedText)
	}
	if u.ConfidenceScore != nil {
		add("confidence_score", *u.ConfidenceScore)
	}
	if u.Entities != nil {
		if err := addJSON("entities", u.Entities); err != nil {
			return nil, err
		}
	}
	if u.KeyPhrases != nil {
		if err := addJSON("key_phrases", u.KeyPhrases); err != nil {
			return nil, err
		}
	}
	if u.Sentiment != nil {
		if err := addJSON("sentiment", u.Sentiment); err != nil {
			return nil, err
		}
	}
	if u.StartedAt != nil {
		add("started_at", u.StartedAt.UTC())
	}
	if u.CompletedAt != nil {
		add("completed_at", u.CompletedAt.UTC())
	}
	if u.FailedAt != nil {
		add("failed_at", u.FailedAt.UTC())
	}
	return cols, nil
}

// NormalizeTime truncates to the millisecond precision both backends keep, so
// keys round-trip exactly.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Chunk splits keys into slices of at most MaxBatchItems.
func Chunk(keys []entity.JobKey) [][]entity.JobKey {
	var out [][]entity.JobKey
	for len(keys) > 0 {
		n := MaxBatchItems
		if len(keys) < n {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

// DecodeJSON fills the JSON-typed job columns.
func DecodeJSON(job *entity.Job, factors, entities, phrases, sentiment []byte) error {
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &job.RoutingFactors); err != nil {
			return fmt.Errorf("decode routing_factors: %w", err)
		}
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &job.Entities); err != nil {
			return fmt.Errorf("decode entities: %w", err)
		}
	}
	if len(phrases) > 0 {
		if err := json.Unmarshal(phrases, &job.KeyPhrases); err != nil {
			return fmt.Errorf("decode key_phrases: %w", err)
		}
	}
	if len(sentiment) > 0 && string(sentiment) != "null" {
		var s entity.Sentiment
		if err := json.Unmarshal(sentiment, &s); err != nil {
			return fmt.Errorf("decode sentiment: %w", err)
		}
		job.Sentiment = &s
	}
	return nil
}

// EncodeJSON returns the JSON-typed columns of a full job row. Unset result
// fields encode as nil so they are stored as NULL.
func EncodeJSON(job *entity.Job) (factors, entities, phrases, sentiment []byte, err error) {
	fs := job.RoutingFactors
	if fs == nil {
		fs = []string{}
	}
	if factors, err = json.Marshal(fs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode routing_factors: %w", err)
	}
	if job.Entities != nil {
		if entities, err = json.Marshal(job.Entities); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode entities: %w", err)
		}
	}
	if job.KeyPhrases != nil {
		if phrases, err = json.Marshal(job.KeyPhrases); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode key_phrases: %w", err)
		}
	}
	if job.Sentiment != nil {
		if sentiment, err = json.Marshal(job.Sentiment); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode sentiment: %w", err)
		}
	}
	return factors, entities, phrases, sentiment, nil
}

// JobColumns is the column order shared by inserts, selects and RETURNING.
const JobColumns = `job_id, created_at, file_size_bytes, is_multi_page, page_count, group_id,
filename, document_key, document_type, force_route, status, processing_stage, error,
route, estimated_processing_time, routing_factors, external_job_id, batch_job_id,
extracted_text, corrected_text, confidence_score, entities, key_phrases, sentiment,
started_at, completed_at, failed_at, updated_at`

// JobColumnCount is the number of entries in JobColumns.
const JobColumnCount = 28
