package arbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// DateLayout is the ISO date format used by requests and the backend
const DateLayout = "2006-01-02"

// Warnings attached to a degraded book
const (
	WarningLedgerUnavailable     = "could not load ledger"
	WarningCustomersUnavailable  = "could not load customers"
	WarningRatesUnavailable      = "could not load currency rates"
	WarningItemFilterUnavailable = "could not load sales details for item filter"
)

// BookRequest is an AR Book query as received from a caller
type BookRequest struct {
	CustomerID string
	OrgID      string
	BranchID   string
	FromDate   string
	ToDate     string
	ItemID     string
	Currency   string
}

// parse validates the request and returns the ledger selection
func (r BookRequest) parse() (LedgerRequest, error) {
	if strings.TrimSpace(r.CustomerID) == "" {
		return LedgerRequest{}, shared.NewDomainError(shared.CodeInvalidInput, "customer_id is required")
	}
	from, err := time.Parse(DateLayout, r.FromDate)
	if err != nil {
		return LedgerRequest{}, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("from_date %q must be YYYY-MM-DD", r.FromDate))
	}
	to, err := time.Parse(DateLayout, r.ToDate)
	if err != nil {
		return LedgerRequest{}, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("to_date %q must be YYYY-MM-DD", r.ToDate))
	}
	if to.Before(from) {
		return LedgerRequest{}, shared.NewDomainError(shared.CodeInvalidInput, "to_date is before from_date")
	}
	return LedgerRequest{
		CustomerID: strings.TrimSpace(r.CustomerID),
		OrgID:      r.OrgID,
		BranchID:   r.BranchID,
		FromDate:   from,
		ToDate:     to,
	}, nil
}

// Book is the AR Book returned to callers
type Book struct {
	Customer           *Customer              `json:"customer,omitempty"`
	FromDate           string                 `json:"from_date"`
	ToDate             string                 `json:"to_date"`
	ItemID             string                 `json:"item_id,omitempty"`
	CurrencyFilter     string                 `json:"currency_filter,omitempty"`
	CurrencyFilterMode string                 `json:"currency_filter_mode"`
	Rows               []ledger.AggregatedRow `json:"rows"`
	TotalARValue       decimal.Decimal        `json:"total_ar_value"`
	HasForeignCurrency bool                   `json:"has_foreign_currency"`
	MissingRates       []string               `json:"missing_rates,omitempty"`
	Warnings           []string               `json:"warnings,omitempty"`
}

// Degraded reports whether some upstream data could not be loaded
func (b *Book) Degraded() bool {
	for _, w := range b.Warnings {
		switch w {
		case WarningLedgerUnavailable, WarningCustomersUnavailable, WarningRatesUnavailable, WarningItemFilterUnavailable:
			return true
		}
	}
	return false
}

// ExportFile is a rendered book ready for download
type ExportFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

func missingRateWarning(currency string) string {
	return fmt.Sprintf("no exchange rate for %s; amounts converted at 1", currency)
}
