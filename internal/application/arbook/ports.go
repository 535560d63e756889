package arbook

import (
	"context"
	"io"
	"time"

	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/shopspring/decimal"
)

// Customer is an entry of the customer master
type Customer struct {
	ID           string `json:"customer_id"`
	Code         string `json:"customer_code"`
	Name         string `json:"customer_name"`
	CurrencyCode string `json:"currency_code,omitempty"`
}

// LedgerRequest selects the ledger rows of one customer
type LedgerRequest struct {
	CustomerID string
	OrgID      string
	BranchID   string
	FromDate   time.Time
	ToDate     time.Time
}

// LedgerSource reads AR ledger rows and sales details from the ERP backend
type LedgerSource interface {
	GetLedgerRows(ctx context.Context, req LedgerRequest) ([]ledger.Row, error)
	// GetSalesDetailInvoiceNumbers lists invoice numbers whose sales lines include itemID
	GetSalesDetailInvoiceNumbers(ctx context.Context, customerID, itemID string, from, to time.Time) ([]string, error)
}

// MasterSource reads master data from the ERP backend
type MasterSource interface {
	GetCustomers(ctx context.Context) ([]Customer, error)
	GetCurrencyRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// RateCache keeps the currency rate master between requests
type RateCache interface {
	GetRates(ctx context.Context) (map[string]decimal.Decimal, bool, error)
	SetRates(ctx context.Context, rates map[string]decimal.Decimal) error
}

// ReportWriter renders a book in one download format
type ReportWriter interface {
	Format() string
	ContentType() string
	Write(w io.Writer, book *Book) error
}

// Metrics records AR book activity
type Metrics interface {
	RecordBookBuilt(ctx context.Context, rows int, degraded bool, elapsed time.Duration)
	RecordMissingRate(ctx context.Context, currency string)
}

type nopMetrics struct{}

func (nopMetrics) RecordBookBuilt(context.Context, int, bool, time.Duration) {}
func (nopMetrics) RecordMissingRate(context.Context, string)                 {}
