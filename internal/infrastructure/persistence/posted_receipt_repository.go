package persistence

import (
	"context"
	"fmt"
	"time"

	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ appverification.PostedRegistry = (*GormPostedReceiptRepository)(nil)

// GormPostedReceiptRepository implements PostedRegistry using GORM
type GormPostedReceiptRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormPostedReceiptRepository creates a new GormPostedReceiptRepository
func NewGormPostedReceiptRepository(db *gorm.DB) *GormPostedReceiptRepository {
	return &GormPostedReceiptRepository{db: db, now: time.Now}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPostedReceiptRepository) WithTx(tx *gorm.DB) *GormPostedReceiptRepository {
	return &GormPostedReceiptRepository{db: tx, now: r.now}
}

// IsPosted reports whether the receipt has a posted record
func (r *GormPostedReceiptRepository) IsPosted(ctx context.Context, receiptID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PostedReceiptModel{}).
		Where("receipt_id = ?", receiptID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check posted receipt %s: %w", receiptID, err)
	}
	return count > 0, nil
}

// PostedAmong returns the subset of receiptIDs already posted
func (r *GormPostedReceiptRepository) PostedAmong(ctx context.Context, receiptIDs []string) (map[string]struct{}, error) {
	posted := make(map[string]struct{})
	if len(receiptIDs) == 0 {
		return posted, nil
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.PostedReceiptModel{}).
		Where("receipt_id IN ?", receiptIDs).
		Pluck("receipt_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list posted receipts: %w", err)
	}
	for _, id := range ids {
		posted[id] = struct{}{}
	}
	return posted, nil
}

// Record inserts the posted record. A second record for the same receipt is
// rejected with ALREADY_POSTED.
func (r *GormPostedReceiptRepository) Record(ctx context.Context, rec appverification.PostedReceipt) error {
	model := models.PostedReceiptModelFromDomain(rec)
	model.CreatedAt = r.now()

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "receipt_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return fmt.Errorf("failed to record posted receipt %s: %w", rec.ReceiptID, result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrAlreadyPosted.WithDetail("receipt_id", rec.ReceiptID)
	}
	return nil
}

// Get returns the posted record of a receipt, or nil when it was never posted
func (r *GormPostedReceiptRepository) Get(ctx context.Context, receiptID string) (*appverification.PostedReceipt, error) {
	var model models.PostedReceiptModel
	result := r.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Limit(1).
		Find(&model)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load posted receipt %s: %w", receiptID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	rec := model.ToDomain()
	return &rec, nil
}
