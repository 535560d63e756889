package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/erp/arbook/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupPostedReceiptTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// one connection keeps every statement on the same in-memory database
	db, err := Open(sqlite.Open(":memory:"), &config.DatabaseConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.DB.AutoMigrate(&models.PostedReceiptModel{}))
	return db.DB
}

func postedReceipt(id string) appverification.PostedReceipt {
	return appverification.PostedReceipt{
		ReceiptID:      id,
		CustomerID:     "CUST-1",
		PostedBy:       "alice",
		PostedAt:       time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		Amount:         decimal.RequireFromString("1500000.50"),
		CurrencyCode:   "IDR",
		TotalAllocated: decimal.NewFromInt(1500000),
		Variance:       decimal.RequireFromString("0.5"),
	}
}

func TestGormPostedReceiptRepository_Record(t *testing.T) {
	db := setupPostedReceiptTestDB(t)
	repo := NewGormPostedReceiptRepository(db)
	ctx := context.Background()

	t.Run("records a new receipt", func(t *testing.T) {
		require.NoError(t, repo.Record(ctx, postedReceipt("R-1")))

		posted, err := repo.IsPosted(ctx, "R-1")
		require.NoError(t, err)
		assert.True(t, posted)
	})

	t.Run("second record is rejected", func(t *testing.T) {
		err := repo.Record(ctx, postedReceipt("R-1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrAlreadyPosted)

		var domainErr *shared.DomainError
		require.True(t, errors.As(err, &domainErr))
		assert.Equal(t, "R-1", domainErr.Details["receipt_id"])
	})

	t.Run("stored values round-trip", func(t *testing.T) {
		rec, err := repo.Get(ctx, "R-1")
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.Equal(t, "CUST-1", rec.CustomerID)
		assert.Equal(t, "alice", rec.PostedBy)
		assert.Equal(t, "IDR", rec.CurrencyCode)
		assert.True(t, rec.Amount.Equal(decimal.RequireFromString("1500000.50")))
		assert.True(t, rec.TotalAllocated.Equal(decimal.NewFromInt(1500000)))
		assert.True(t, rec.Variance.Equal(decimal.RequireFromString("0.5")))
		assert.True(t, rec.PostedAt.Equal(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)))
	})
}

func TestGormPostedReceiptRepository_IsPosted(t *testing.T) {
	db := setupPostedReceiptTestDB(t)
	repo := NewGormPostedReceiptRepository(db)

	posted, err := repo.IsPosted(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestGormPostedReceiptRepository_Get_NotPosted(t *testing.T) {
	db := setupPostedReceiptTestDB(t)
	repo := NewGormPostedReceiptRepository(db)

	rec, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGormPostedReceiptRepository_PostedAmong(t *testing.T) {
	db := setupPostedReceiptTestDB(t)
	repo := NewGormPostedReceiptRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, postedReceipt("R-1")))
	require.NoError(t, repo.Record(ctx, postedReceipt("R-3")))

	tests := []struct {
		name string
		ids  []string
		want []string
	}{
		{name: "empty input", ids: nil, want: nil},
		{name: "none posted", ids: []string{"R-2", "R-4"}, want: nil},
		{name: "subset posted", ids: []string{"R-1", "R-2", "R-3"}, want: []string{"R-1", "R-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.PostedAmong(ctx, tt.ids)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Len(t, got, len(tt.want))
			for _, id := range tt.want {
				assert.Contains(t, got, id)
			}
		})
	}
}

func TestGormPostedReceiptRepository_WithTx(t *testing.T) {
	db := setupPostedReceiptTestDB(t)
	repo := NewGormPostedReceiptRepository(db)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := repo.WithTx(tx).Record(ctx, postedReceipt("R-9")); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	require.Error(t, err)

	posted, err := repo.IsPosted(ctx, "R-9")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestGormPostedReceiptRepository_DatabaseErrors(t *testing.T) {
	dialector, mock, mockDB := newMockDialector(t)
	defer mockDB.Close()

	mock.ExpectPing()
	db, err := Open(dialector, nil)
	require.NoError(t, err)
	repo := NewGormPostedReceiptRepository(db.DB)
	ctx := context.Background()

	t.Run("IsPosted wraps query errors", func(t *testing.T) {
		mock.ExpectQuery(`SELECT count\(\*\) FROM "posted_receipts"`).
			WillReturnError(errors.New("connection reset"))

		_, err := repo.IsPosted(ctx, "R-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.NotErrorIs(t, err, shared.ErrAlreadyPosted)
	})

	t.Run("Record wraps insert errors", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO "posted_receipts"`).
			WillReturnError(errors.New("disk full"))

		err := repo.Record(ctx, postedReceipt("R-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("Record reports conflict as already posted", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO "posted_receipts" .* ON CONFLICT \("receipt_id"\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Record(ctx, postedReceipt("R-1"))
		assert.ErrorIs(t, err, shared.ErrAlreadyPosted)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
