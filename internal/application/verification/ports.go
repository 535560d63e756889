package verification

import (
	"context"
	"errors"
	"time"

	"github.com/erp/arbook/internal/domain/verification"
	"github.com/shopspring/decimal"
)

// ErrLockNotObtained is returned by a Locker when another holder owns the key
var ErrLockNotObtained = errors.New("lock not obtained")

// ReceiptSource reads receipts awaiting verification
type ReceiptSource interface {
	GetPendingReceipts(ctx context.Context, customerID string) ([]verification.Receipt, error)
	// GetReceipt returns nil, nil when the receipt does not exist
	GetReceipt(ctx context.Context, receiptID string) (*verification.Receipt, error)
}

// InvoiceSource reads the invoices a receipt may settle
type InvoiceSource interface {
	GetOutstandingInvoices(ctx context.Context, customerID string) ([]verification.OutstandingInvoice, error)
}

// ReceiptBackend commits verification results to the ERP backend
type ReceiptBackend interface {
	SaveDraft(ctx context.Context, receiptID string, sub verification.Submission) error
	PostVerification(ctx context.Context, receiptID string, sub verification.Submission) error
}

// SessionStore keeps open sessions between requests, keyed by receipt id
type SessionStore interface {
	// Get returns nil, nil when no session is open for the receipt
	Get(ctx context.Context, receiptID string) (*verification.Session, error)
	Save(ctx context.Context, session *verification.Session) error
	Delete(ctx context.Context, receiptID string) error
}

// PostedReceipt is the durable record of a posted verification
type PostedReceipt struct {
	ReceiptID      string
	CustomerID     string
	PostedBy       string
	PostedAt       time.Time
	Amount         decimal.Decimal
	CurrencyCode   string
	TotalAllocated decimal.Decimal
	Variance       decimal.Decimal
}

// PostedRegistry remembers which receipts are posted
type PostedRegistry interface {
	IsPosted(ctx context.Context, receiptID string) (bool, error)
	// PostedAmong returns the subset of receiptIDs already posted
	PostedAmong(ctx context.Context, receiptIDs []string) (map[string]struct{}, error)
	// Record fails with ALREADY_POSTED when the receipt is already recorded
	Record(ctx context.Context, rec PostedReceipt) error
}

// Lock is a held lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker serializes edits and posting of one receipt across processes
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Metrics records verification activity
type Metrics interface {
	RecordSessionOpened(ctx context.Context, currency string)
	RecordPosted(ctx context.Context, currency string, variance float64)
	RecordPostRejected(ctx context.Context, reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSessionOpened(context.Context, string)   {}
func (nopMetrics) RecordPosted(context.Context, string, float64) {}
func (nopMetrics) RecordPostRejected(context.Context, string)    {}
