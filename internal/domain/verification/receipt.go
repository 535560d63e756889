// Package verification matches an incoming receipt against outstanding invoices,
// bank charges, tax and advance payment until the receipt balances.
package verification

import (
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// ReceiptStatus represents where a receipt is in the verification workflow
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "PENDING"
	ReceiptStatusVerifying ReceiptStatus = "VERIFYING"
	ReceiptStatusPosted    ReceiptStatus = "POSTED"
)

// IsValid checks if the status is a valid value
func (s ReceiptStatus) IsValid() bool {
	switch s {
	case ReceiptStatusPending, ReceiptStatusVerifying, ReceiptStatusPosted:
		return true
	}
	return false
}

// String returns the string representation of ReceiptStatus
func (s ReceiptStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible
func (s ReceiptStatus) IsTerminal() bool {
	return s == ReceiptStatusPosted
}

// CanEdit returns true if allocations and deductions can be changed
func (s ReceiptStatus) CanEdit() bool {
	return s == ReceiptStatusVerifying
}

// PaymentType is how an invoice is settled by the receipt
type PaymentType string

const (
	PaymentTypeNone    PaymentType = ""
	PaymentTypeFull    PaymentType = "FULL"
	PaymentTypePartial PaymentType = "PARTIAL"
)

// ParsePaymentType accepts case-insensitive values; empty clears the type
func ParsePaymentType(s string) (PaymentType, bool) {
	pt := PaymentType(strings.ToUpper(strings.TrimSpace(s)))
	switch pt {
	case PaymentTypeNone, PaymentTypeFull, PaymentTypePartial:
		return pt, true
	}
	return "", false
}

// Receipt is an incoming customer payment waiting to be verified
type Receipt struct {
	ID           string               `json:"receipt_id"`
	ReceiptNo    string               `json:"receipt_no"`
	CustomerID   string               `json:"customer_id"`
	ReceiptDate  time.Time            `json:"receipt_date"`
	Amount       decimal.Decimal      `json:"amount"`
	CurrencyCode valueobject.Currency `json:"currency_code"`
	ExchangeRate decimal.Decimal      `json:"exchange_rate"`
}

// Currency returns the receipt currency, defaulting to the base currency
func (r Receipt) Currency() valueobject.Currency {
	return valueobject.NewCurrency(string(r.CurrencyCode))
}

// BaseAmount is the receipt amount in the base currency at the receipt's rate
func (r Receipt) BaseAmount() decimal.Decimal {
	if r.Currency().IsBase() || !r.ExchangeRate.IsPositive() {
		return r.Amount
	}
	return r.Amount.Mul(r.ExchangeRate)
}

// ExchangeRateEditable reports whether the rate may be changed by the user.
// Base-currency receipts are locked to a rate of 1.
func (r Receipt) ExchangeRateEditable() bool {
	return !r.Currency().IsBase()
}

// OutstandingInvoice is an unpaid or partially paid invoice available for allocation.
// BalanceDue is in the base currency, as the backend books it.
type OutstandingInvoice struct {
	InvoiceID   string          `json:"invoice_id"`
	InvoiceNo   string          `json:"invoice_no"`
	InvoiceDate time.Time       `json:"invoice_date"`
	BalanceDue  decimal.Decimal `json:"balance_due"`
}

// AllocationLine is the user's allocation choice for one outstanding invoice
type AllocationLine struct {
	InvoiceID       string          `json:"invoice_id"`
	InvoiceNo       string          `json:"invoice_no"`
	InvoiceDate     time.Time       `json:"invoice_date"`
	BalanceDue      decimal.Decimal `json:"balance_due"`
	PaymentType     PaymentType     `json:"payment_type"`
	AmountAllocated decimal.Decimal `json:"amount_allocated"`
	Selected        bool            `json:"selected"`
}

func newAllocationLine(inv OutstandingInvoice) AllocationLine {
	return AllocationLine{
		InvoiceID:       inv.InvoiceID,
		InvoiceNo:       inv.InvoiceNo,
		InvoiceDate:     inv.InvoiceDate,
		BalanceDue:      inv.BalanceDue,
		AmountAllocated: decimal.Zero,
	}
}

func (l *AllocationLine) selectFull() {
	l.Selected = true
	l.PaymentType = PaymentTypeFull
	l.AmountAllocated = l.BalanceDue
}

func (l *AllocationLine) clear() {
	l.Selected = false
	l.PaymentType = PaymentTypeNone
	l.AmountAllocated = decimal.Zero
}
