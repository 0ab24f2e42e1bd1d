package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/student-transfer-engine/internal/models"
)

var transferRowColumns = []string{"id", "student_id", "from_class_id", "to_class_id", "status", "effective_date", "start_session_no",
	"reason", "notes", "processed_at", "processed_by", "retargeted_to_class_id", "retargeted_at", "retargeted_by",
	"reverted_at", "reverted_by", "transfer_fee", "invoice_id", "status_history", "change_log", "created_at", "updated_at"}

func TestTransferRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transfers")).WillReturnResult(sqlmock.NewResult(0, 1))

	transfer := &models.Transfer{StudentID: "stu-10", FromClassID: "class-a", ToClassID: "class-b", Status: models.TransferStatusActive,
		EffectiveDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), StartSessionNo: 3, TransferFee: decimal.NewFromInt(150000)}
	require.NoError(t, transfer.StatusHistory.Append(models.StatusChange{To: models.TransferStatusActive, At: time.Now()}))
	require.NoError(t, repo.Create(context.Background(), transfer))
	assert.NotEmpty(t, transfer.ID)
	assert.False(t, transfer.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryFindByIDDecodesAuditTrails(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	now := time.Now().UTC()
	history := []byte(`[{"from_status":"","to_status":"ACTIVE","actor":"admin","at":"2025-01-10T08:00:00Z"},{"from_status":"ACTIVE","to_status":"RETARGETED","actor":"admin","at":"2025-01-11T08:00:00Z"}]`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM transfers WHERE id = $1 FOR UPDATE")).
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows(transferRowColumns).AddRow(
			"tr-1", "stu-10", "class-a", "class-b", "RETARGETED", now, 3,
			"wrong class", "", now, "admin", "class-c", now, "admin",
			nil, nil, "150000.00", nil, history, []byte(`[]`), now, now))

	transfer, err := repo.FindByID(context.Background(), "tr-1", true)
	require.NoError(t, err)
	assert.Equal(t, "class-c", transfer.EffectiveTargetClassID())
	assert.True(t, decimal.NewFromInt(150000).Equal(transfer.TransferFee))
	assert.Equal(t, 2, transfer.StatusHistory.Len())
	assert.Equal(t, 0, transfer.ChangeLog.Len())
	require.NoError(t, transfer.CheckInvariants())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryFindActiveByStudent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM transfers WHERE student_id = $1 AND status = $2 LIMIT 1 FOR UPDATE")).
		WithArgs("stu-10", models.TransferStatusActive).
		WillReturnRows(sqlmock.NewRows(transferRowColumns))

	_, err := repo.FindActiveByStudent(context.Background(), "stu-10", true)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryUpdateRequiresRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE transfers SET status = ")).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Update(context.Background(), &models.Transfer{ID: "missing", Status: models.TransferStatusReverted})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryStatsWithDateFilter(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM transfers WHERE effective_date >= $1 AND effective_date <= $2")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "reverted", "retargeted"}).AddRow(4, 2, 1, 1))

	stats, err := repo.Stats(context.Background(), models.TransferStatsFilter{FromDate: &from, ToDate: &to})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 75.0, stats.SuccessRate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferRepositoryListByStudentNewestFirst(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTransferRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE student_id = $1 ORDER BY created_at DESC")).
		WithArgs("stu-10").
		WillReturnRows(sqlmock.NewRows(transferRowColumns))

	transfers, err := repo.ListByStudent(context.Background(), "stu-10")
	require.NoError(t, err)
	assert.Empty(t, transfers)
	require.NoError(t, mock.ExpectationsWereMet())
}
