package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsarchive-ocr/internal/entity"
	"newsarchive-ocr/internal/repository"
	"newsarchive-ocr/internal/repository/sqlite"
)

func TestBatchDelete_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	keys := []entity.JobKey{
		{JobID: "a", CreatedAt: created},
		{JobID: "b", CreatedAt: created},
		{JobID: "c", CreatedAt: created},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM jobs WHERE job_id = \? AND created_at = \?`).
		WithArgs("a", created.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM jobs`).
		WithArgs("b", created.UnixMilli()).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = sqlite.New(db).BatchDelete(context.Background(), keys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch delete b@")
	assert.NoError(t, mock.ExpectationsWereMet(), "c must not be attempted and nothing committed")
}

func TestBatchDelete_OversizeBatchTouchesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keys := make([]entity.JobKey, repository.MaxBatchItems+1)
	err = sqlite.New(db).BatchDelete(context.Background(), keys)
	require.ErrorIs(t, err, repository.ErrBatchTooLarge)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceDocument_ReportsWhetherItMoved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE documents SET status = \?`).
		WithArgs(string(entity.DocumentCompleted), sqlmock.AnyArg(), "issue-7", string(entity.DocumentProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := sqlite.New(db).AdvanceDocument(context.Background(), "issue-7", entity.DocumentProcessing, entity.DocumentCompleted)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
