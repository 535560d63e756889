// Package models holds the GORM models of the service's own tables.
package models

import (
	"time"

	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/shopspring/decimal"
)

// PostedReceiptModel is one row of posted_receipts. A receipt id appears at most once.
type PostedReceiptModel struct {
	ReceiptID      string          `gorm:"column:receipt_id;type:varchar(64);primaryKey"`
	CustomerID     string          `gorm:"column:customer_id;type:varchar(64);not null;index"`
	PostedBy       string          `gorm:"column:posted_by;type:varchar(100);not null"`
	PostedAt       time.Time       `gorm:"column:posted_at;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(18,4);not null"`
	CurrencyCode   string          `gorm:"column:currency_code;type:varchar(3);not null"`
	TotalAllocated decimal.Decimal `gorm:"column:total_allocated;type:decimal(18,4);not null"`
	Variance       decimal.Decimal `gorm:"column:variance;type:decimal(18,4);not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null"`
}

// TableName returns the table name for GORM
func (PostedReceiptModel) TableName() string {
	return "posted_receipts"
}

// PostedReceiptModelFromDomain converts a posted record into its model
func PostedReceiptModelFromDomain(rec appverification.PostedReceipt) *PostedReceiptModel {
	return &PostedReceiptModel{
		ReceiptID:      rec.ReceiptID,
		CustomerID:     rec.CustomerID,
		PostedBy:       rec.PostedBy,
		PostedAt:       rec.PostedAt,
		Amount:         rec.Amount,
		CurrencyCode:   rec.CurrencyCode,
		TotalAllocated: rec.TotalAllocated,
		Variance:       rec.Variance,
	}
}

// ToDomain converts the model back into a posted record
func (m *PostedReceiptModel) ToDomain() appverification.PostedReceipt {
	return appverification.PostedReceipt{
		ReceiptID:      m.ReceiptID,
		CustomerID:     m.CustomerID,
		PostedBy:       m.PostedBy,
		PostedAt:       m.PostedAt,
		Amount:         m.Amount,
		CurrencyCode:   m.CurrencyCode,
		TotalAllocated: m.TotalAllocated,
		Variance:       m.Variance,
	}
}
