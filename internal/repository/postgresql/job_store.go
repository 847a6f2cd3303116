package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/repository"
)

type JobStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool, now: time.Now}
}

func (s *JobStore) Create(ctx context.Context, job *entity.Job) error {
	job.CreatedAt = repository.NormalizeTime(job.CreatedAt)
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = s.now().UTC()
	}
	factors, ents, phrases, sentiment, err := repository.EncodeJSON(job)
	if err != nil {
		return err
	}

	placeholders := make([]string, repository.JobColumnCount)
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := `INSERT INTO jobs (` + repository.JobColumns + `)
VALUES (` + strings.Join(placeholders, ", ") + `)
ON CONFLICT (job_id, created_at) DO NOTHING;`

	tag, err := s.pool.Exec(ctx, q,
		job.JobID, job.CreatedAt, job.FileSizeBytes, job.IsMultiPage, job.PageCount, job.GroupID,
		job.Filename, job.DocumentKey, job.DocumentType, string(job.ForceRoute), string(job.Status), job.ProcessingStage, job.Error,
		string(job.Route), job.EstimatedProcessingTime, factors, job.ExternalJobID, job.BatchJobID,
		job.ExtractedText, job.CorrectedText, job.ConfidenceScore, ents, phrases, sentiment,
		job.StartedAt, job.CompletedAt, job.FailedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.Key(), repository.ErrAlreadyExists)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, key entity.JobKey) (*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE job_id = $1 AND created_at = $2;`
	return scanJob(s.pool.QueryRow(ctx, q, key.JobID, repository.NormalizeTime(key.CreatedAt)))
}

// GetByID returns the newest record with the given id.
func (s *JobStore) GetByID(ctx context.Context, jobID string) (*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1;`
	return scanJob(s.pool.QueryRow(ctx, q, jobID))
}

// ConditionalUpdate applies upd only if the stored status equals expected.
// The check and the write are one statement.
func (s *JobStore) ConditionalUpdate(ctx context.Context, key entity.JobKey, expected entity.JobStatus, upd entity.JobUpdate) (*entity.Job, error) {
	if err := upd.Validate(expected); err != nil {
		return nil, err
	}
	cols, err := repository.UpdateColumns(upd)
	if err != nil {
		return nil, err
	}

	args := []any{key.JobID, repository.NormalizeTime(key.CreatedAt), string(expected)}
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, c.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.Name, len(args)))
	}
	args = append(args, s.now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + `
WHERE job_id = $1 AND created_at = $2 AND status = $3
RETURNING ` + repository.JobColumns + `;`

	job, err := scanJob(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.explainMiss(ctx, key, expected)
	}
	return job, err
}

// AttachExternalJob records the recognition id on a processing job that has
// none yet. A job that already carries one is a conflict; the first id wins.
func (s *JobStore) AttachExternalJob(ctx context.Context, key entity.JobKey, externalID string) (*entity.Job, error) {
	const q = `UPDATE jobs SET external_job_id = $4, processing_stage = $5, updated_at = $6
WHERE job_id = $1 AND created_at = $2 AND status = $3 AND external_job_id = ''
RETURNING ` + repository.JobColumns + `;`

	created := repository.NormalizeTime(key.CreatedAt)
	job, err := scanJob(s.pool.QueryRow(ctx, q, key.JobID, created, string(entity.StatusProcessing),
		externalID, entity.StageRecognizing, s.now().UTC()))
	if !errors.Is(err, repository.ErrNotFound) {
		return job, err
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT external_job_id FROM jobs WHERE job_id = $1 AND created_at = $2;`,
		key.JobID, created).Scan(&current)
	if err == nil && current != "" {
		return nil, fmt.Errorf("job %s already runs as %s: %w", key, current, repository.ErrConflict)
	}
	return nil, s.explainMiss(ctx, key, entity.StatusProcessing)
}

func (s *JobStore) explainMiss(ctx context.Context, key entity.JobKey, expected entity.JobStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1 AND created_at = $2;`,
		key.JobID, repository.NormalizeTime(key.CreatedAt)).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", key, repository.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", key, current, expected, repository.ErrConflict)
}

// QueryByStatus returns up to limit jobs in the status, oldest first.
func (s *JobStore) QueryByStatus(ctx context.Context, status entity.JobStatus, limit int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2;`
	rows, err := s.pool.Query(ctx, q, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) QueryByGroup(ctx context.Context, groupID string) ([]*entity.Job, error) {
	q := `SELECT ` + repository.JobColumns + ` FROM jobs WHERE group_id = $1 ORDER BY created_at ASC, job_id ASC;`
	rows, err := s.pool.Query(ctx, q, groupID)
	if err != nil {
		return nil, fmt.Errorf("query by group: %w", err)
	}
	return collectJobs(rows)
}

// BatchDelete removes up to MaxBatchItems jobs in one statement. Missing keys
// are ignored.
func (s *JobStore) BatchDelete(ctx context.Context, keys []entity.JobKey) error {
	if len(keys) > repository.MaxBatchItems {
		return fmt.Errorf("%d keys: %w", len(keys), repository.ErrBatchTooLarge)
	}
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	created := make([]time.Time, len(keys))
	for i, k := range keys {
		ids[i] = k.JobID
		created[i] = repository.NormalizeTime(k.CreatedAt)
	}
	const q = `
DELETE FROM jobs
WHERE (job_id, created_at) IN (SELECT * FROM unnest($1::text[], $2::timestamptz[]));
`
	if _, err := s.pool.Exec(ctx, q, ids, created); err != nil {
		return fmt.Errorf("batch delete: %w", err)
	}
	return nil
}

// EnsureDocument creates the group row in processing unless it exists.
func (s *JobStore) EnsureDocument(ctx context.Context, groupID string) error {
	now := s.now().UTC()
	const q = `
INSERT INTO documents (group_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (group_id) DO NOTHING;
`
	if _, err := s.pool.Exec(ctx, q, groupID, string(entity.DocumentProcessing), now); err != nil {
		return fmt.Errorf("ensure document %s: %w", groupID, err)
	}
	return nil
}

func (s *JobStore) GetDocument(ctx context.Context, groupID string) (*entity.Document, error) {
	const q = `SELECT group_id, status, created_at, updated_at FROM documents WHERE group_id = $1;`
	var (
		doc    entity.Document
		status string
	)
	if err := s.pool.QueryRow(ctx, q, groupID).Scan(&doc.GroupID, &status, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", groupID, repository.ErrNotFound)
		}
		return nil, err
	}
	doc.Status = entity.DocumentStatus(status)
	return &doc, nil
}

// AdvanceDocument moves the group row from one status to another. It reports
// false when the row was not in the from status.
func (s *JobStore) AdvanceDocument(ctx context.Context, groupID string, from, to entity.DocumentStatus) (bool, error) {
	const q = `UPDATE documents SET status = $3, updated_at = $4 WHERE group_id = $1 AND status = $2;`
	tag, err := s.pool.Exec(ctx, q, groupID, string(from), string(to), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("advance document %s: %w", groupID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) DeleteDocument(ctx context.Context, groupID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE group_id = $1;`, groupID); err != nil {
		return fmt.Errorf("delete document %s: %w", groupID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job                               entity.Job
		forceRoute, status, route         string
		factors, ents, phrases, sentiment []byte
		startedAt, completedAt, failedAt  *time.Time
	)
	err := row.Scan(
		&job.JobID, &job.CreatedAt, &job.FileSizeBytes, &job.IsMultiPage, &job.PageCount, &job.GroupID,
		&job.Filename, &job.DocumentKey, &job.DocumentType, &forceRoute, &status, &job.ProcessingStage, &job.Error,
		&route, &job.EstimatedProcessingTime, &factors, &job.ExternalJobID, &job.BatchJobID,
		&job.ExtractedText, &job.CorrectedText, &job.ConfidenceScore, &ents, &phrases, &sentiment,
		&startedAt, &completedAt, &failedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	job.ForceRoute = entity.Route(forceRoute)
	job.Status = entity.JobStatus(status)
	job.Route = entity.Route(route)
	job.StartedAt, job.CompletedAt, job.FailedAt = startedAt, completedAt, failedAt
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if err := repository.DecodeJSON(&job, factors, ents, phrases, sentiment); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*entity.Job, error) {
	defer rows.Close()
	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
