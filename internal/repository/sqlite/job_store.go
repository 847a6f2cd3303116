// Package sqlite is the single-node job store. It keeps the same conditional
// update semantics as the Postgres store on one serialized connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  file_size_bytes INTEGER NOT NULL DEFAULT 0,
  is_multi_page INTEGER NOT NULL DEFAULT 0,
  page_count INTEGER NOT NULL DEFAULT 1,
  group_id TEXT NOT NULL DEFAULT '',
  filename TEXT NOT NULL DEFAULT '',
  document_key TEXT NOT NULL DEFAULT '',
  document_type TEXT NOT NULL DEFAULT '',
  force_route TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  processing_stage TEXT NOT NULL DEFAULT '',
  error TEXT,
  route TEXT NOT NULL DEFAULT '',
  estimated_processing_time INTEGER NOT NULL DEFAULT 0,
  routing_factors TEXT NOT NULL DEFAULT '[]',
  external_job_id TEXT NOT NULL DEFAULT '',
  batch_job_id TEXT NOT NULL DEFAULT '',
  extracted_text TEXT NOT NULL DEFAULT '',
  corrected_text TEXT NOT NULL DEFAULT '',
  confidence_score REAL NOT NULL DEFAULT 0,
  entities TEXT,
  key_phrases TEXT,
  sentiment TEXT,
  started_at INTEGER,
  completed_at INTEGER,
  failed_at INTEGER,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (job_id, created_at)
);
CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS jobs_group_id_idx ON jobs (group_id);
CREATE TABLE IF NOT EXISTS documents (
  group_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`

type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the schema if needed. Use ":memory:" for a throwaway store.
func Open(path string) (*JobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and makes writes
	// strictly serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return New(db), nil
}

// New wraps a handle whose schema already exists.
func New(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

func (s *JobStore) Close() error { return s.db.Close() }

func (s *JobStore) Create(ctx context.Context, job *entity.Job) error {
	job.CreatedAt = repository.NormalizeTime(job.CreatedAt)
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = s.now().UTC()
	}
	factors, ents, phrases, sentiment, err := repository.EncodeJSON(job)
	if err != nil {
		return err
	}

	q := `INSERT INTO jobs (` + repository.JobColumns + `)
VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", repository.JobColumnCount), ", ") + `)
ON CONFLICT (job_id, created_at) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q,
		job.JobID, job.CreatedAt.UnixMilli(), job.FileSizeBytes, job.IsMultiPage, job.PageCount, job.GroupID,
		job.Filename, job.DocumentKey, job.DocumentType, string(job.ForceRoute), string(job.Status), job.ProcessingStage, nullString(job.Error),
		string(job.Route), job.EstimatedProcessingTime, string(factors), job.ExternalJobID, job.BatchJobID,
		job.ExtractedText, job.CorrectedText, job.ConfidenceScore, nullJSON(ents), nullJSON(phrases), nullJSON(sentiment),
		nullMillis(job.StartedAt), nullMillis(job.CompletedAt), nullMillis(job.FailedAt), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.Key(), repository.ErrAlreadyExists)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, key entity.JobKey) (*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE job_id = ? AND created_at = ?`
	return scanJob(s.db.QueryRowContext(ctx, q, key.JobID, repository.NormalizeTime(key.CreatedAt).UnixMilli()))
}

func (s *JobStore) GetByID(ctx context.Context, jobID string) (*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`
	return scanJob(s.db.QueryRowContext(ctx, q, jobID))
}

func (s *JobStore) ConditionalUpdate(ctx context.Context, key entity.JobKey, expected entity.JobStatus, upd entity.JobUpdate) (*entity.Job, error) {
	if err := upd.Validate(expected); err != nil {
		return nil, err
	}
	cols, err := repository.UpdateColumns(upd)
	if err != nil {
		return nil, err
	}

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+4)
	for _, c := range cols {
		sets = append(sets, c.Name+" = ?")
		args = append(args, sqliteValue(c.Value))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli())
	args = append(args, key.JobID, repository.NormalizeTime(key.CreatedAt).UnixMilli(), string(expected))

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + `
WHERE job_id = ? AND created_at = ? AND status = ?
RETURNING ` + repository.JobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.explainMiss(ctx, key, expected)
	}
	return job, err
}

// AttachExternalJob records the recognition id on a processing job that has
// none yet. A job that already carries one is a conflict; the first id wins.
func (s *JobStore) AttachExternalJob(ctx context.Context, key entity.JobKey, externalID string) (*entity.Job, error) {
	q := `UPDATE jobs SET external_job_id = ?, processing_stage = ?, updated_at = ?
WHERE job_id = ? AND created_at = ? AND status = ? AND external_job_id = ''
RETURNING ` + repository.JobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, q, externalID, entity.StageRecognizing, s.now().UnixMilli(),
		key.JobID, repository.NormalizeTime(key.CreatedAt).UnixMilli(), string(entity.StatusProcessing)))
	if !errors.Is(err, repository.ErrNotFound) {
		return job, err
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT external_job_id FROM jobs WHERE job_id = ? AND created_at = ?`,
		key.JobID, repository.NormalizeTime(key.CreatedAt).UnixMilli()).Scan(&current)
	if err == nil && current != "" {
		return nil, fmt.Errorf("job %s already runs as %s: %w", key, current, repository.ErrConflict)
	}
	return nil, s.explainMiss(ctx, key, entity.StatusProcessing)
}

func (s *JobStore) explainMiss(ctx context.Context, key entity.JobKey, expected entity.JobStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ? AND created_at = ?`,
		key.JobID, repository.NormalizeTime(key.CreatedAt).UnixMilli()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", key, repository.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", key, current, expected, repository.ErrConflict)
}

func (s *JobStore) QueryByStatus(ctx context.Context, status entity.JobStatus, limit int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) QueryByGroup(ctx context.Context, groupID string) ([]*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE group_id = ? ORDER BY created_at ASC, job_id ASC`
	rows, err := s.db.QueryContext(ctx, q, groupID)
	if err != nil {
		return nil, fmt.Errorf("query by group: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) BatchDelete(ctx context.Context, keys []entity.JobKey) error {
	if len(keys) > repository.MaxBatchItems {
		return fmt.Errorf("%d keys: %w", len(keys), repository.ErrBatchTooLarge)
	}
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ? AND created_at = ?`,
			k.JobID, repository.NormalizeTime(k.CreatedAt).UnixMilli()); err != nil {
			return fmt.Errorf("batch delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *JobStore) EnsureDocument(ctx context.Context, groupID string) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (group_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (group_id) DO NOTHING`,
		groupID, string(entity.DocumentProcessing), now, now)
	if err != nil {
		return fmt.Errorf("ensure document %s: %w", groupID, err)
	}
	return nil
}

func (s *JobStore) GetDocument(ctx context.Context, groupID string) (*entity.Document, error) {
	var (
		doc                  entity.Document
		status               string
		createdMs, updatedMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, status, created_at, updated_at FROM documents WHERE group_id = ?`, groupID,
	).Scan(&doc.GroupID, &status, &createdMs, &updatedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", groupID, repository.ErrNotFound)
		}
		return nil, err
	}
	doc.Status = entity.DocumentStatus(status)
	doc.CreatedAt = time.UnixMilli(createdMs).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &doc, nil
}

func (s *JobStore) AdvanceDocument(ctx context.Context, groupID string, from, to entity.DocumentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE group_id = ? AND status = ?`,
		string(to), s.now().UnixMilli(), groupID, string(from))
	if err != nil {
		return false, fmt.Errorf("advance document %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *JobStore) DeleteDocument(ctx context.Context, groupID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete document %s: %w", groupID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job                                entity.Job
		createdMs, updatedMs               int64
		forceRoute, status, route, factors string
		errText, ents, phrases, sentiment  sql.NullString
		startedMs, completedMs, failedMs   sql.NullInt64
	)
	err := row.Scan(
		&job.JobID, &createdMs, &job.FileSizeBytes, &job.IsMultiPage, &job.PageCount, &job.GroupID,
		&job.Filename, &job.DocumentKey, &job.DocumentType, &forceRoute, &status, &job.ProcessingStage, &errText,
		&route, &job.EstimatedProcessingTime, &factors, &job.ExternalJobID, &job.BatchJobID,
		&job.ExtractedText, &job.CorrectedText, &job.ConfidenceScore, &ents, &phrases, &sentiment,
		&startedMs, &completedMs, &failedMs, &updatedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.ForceRoute = entity.Route(forceRoute)
	job.Status = entity.JobStatus(status)
	job.Route = entity.Route(route)
	if errText.Valid {
		e := errText.String
		job.Error = &e
	}
	job.StartedAt = fromMillis(startedMs)
	job.CompletedAt = fromMillis(completedMs)
	job.FailedAt = fromMillis(failedMs)
	if err := repository.DecodeJSON(&job, []byte(factors), []byte(ents.String), []byte(phrases.String), []byte(sentiment.String)); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*entity.Job, error) {
	defer rows.Close()
	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// sqliteValue converts update column values to their stored form.
func sqliteValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UnixMilli()
	case []byte:
		return string(x)
	default:
		return v
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullJSON(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
