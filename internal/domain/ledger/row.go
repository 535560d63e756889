// Package ledger builds the AR Book: customer ledger rows converted to the base
// currency, merged per commercial invoice and annotated with running balances.
package ledger

import (
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// DeliveryOrderPrefixes mark references that belong to delivery orders, not invoices
var DeliveryOrderPrefixes = []string{"DO", "27"}

// Kind classifies a ledger row
type Kind string

const (
	KindInvoice    Kind = "INVOICE"
	KindDebitNote  Kind = "DEBIT_NOTE"
	KindCreditNote Kind = "CREDIT_NOTE"
	KindReceipt    Kind = "RECEIPT"
)

// String returns the string representation of Kind
func (k Kind) String() string {
	return string(k)
}

// Row is one accounting event against a customer as delivered by the ledger source
type Row struct {
	ReferenceNo      string               `json:"reference_no"`
	LedgerDate       time.Time            `json:"ledger_date"`
	CurrencyCode     valueobject.Currency `json:"currency_code"`
	ExchangeRate     decimal.Decimal      `json:"exchange_rate"`
	InvoiceAmount    decimal.Decimal      `json:"invoice_amount"`
	ReceiptAmount    decimal.Decimal      `json:"receipt_amount"`
	DebitNoteAmount  decimal.Decimal      `json:"debit_note_amount"`
	CreditNoteAmount decimal.Decimal      `json:"credit_note_amount"`
	Description      string               `json:"description,omitempty"`
}

// Kind infers the row kind from the non-zero amount fields
func (r Row) Kind() Kind {
	return inferKind(r.InvoiceAmount, r.ReceiptAmount, r.DebitNoteAmount, r.CreditNoteAmount)
}

func inferKind(invoice, receipt, debitNote, creditNote decimal.Decimal) Kind {
	switch {
	case !receipt.IsZero():
		return KindReceipt
	case !invoice.IsZero():
		return KindInvoice
	case !debitNote.IsZero():
		return KindDebitNote
	case !creditNote.IsZero():
		return KindCreditNote
	default:
		return KindInvoice
	}
}

// IsDeliveryOrder reports whether the reference carries a delivery-order prefix
func (r Row) IsDeliveryOrder() bool {
	return IsDeliveryOrderReference(r.ReferenceNo)
}

// Groupable reports whether the row may be merged into its commercial invoice
func (r Row) Groupable() bool {
	return r.ReceiptAmount.IsZero() && !r.IsDeliveryOrder()
}

// Currency returns the row currency, defaulting to the base currency
func (r Row) Currency() valueobject.Currency {
	return valueobject.NewCurrency(string(r.CurrencyCode))
}

// IsDeliveryOrderReference reports whether ref starts with a delivery-order prefix
func IsDeliveryOrderReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	for _, prefix := range DeliveryOrderPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

// ReferenceSet is a set of reference numbers used as an item filter
type ReferenceSet map[string]struct{}

// NewReferenceSet builds a set from reference numbers
func NewReferenceSet(refs ...string) ReferenceSet {
	set := make(ReferenceSet, len(refs))
	for _, ref := range refs {
		set[strings.TrimSpace(ref)] = struct{}{}
	}
	return set
}

// Contains reports whether ref is a member of the set
func (s ReferenceSet) Contains(ref string) bool {
	_, ok := s[strings.TrimSpace(ref)]
	return ok
}
