package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/shopspring/decimal"
)

// CurrencyFilterMode decides how the running balance behaves once a currency filter is applied
type CurrencyFilterMode string

const (
	// CurrencyFilterPreserve keeps the running balance of the unfiltered sequence
	CurrencyFilterPreserve CurrencyFilterMode = "preserve"
	// CurrencyFilterRecompute recomputes the running balance over the filtered rows
	CurrencyFilterRecompute CurrencyFilterMode = "recompute"
)

// ParseCurrencyFilterMode parses a configured mode; empty means preserve
func ParseCurrencyFilterMode(s string) (CurrencyFilterMode, error) {
	switch CurrencyFilterMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CurrencyFilterPreserve:
		return CurrencyFilterPreserve, nil
	case CurrencyFilterRecompute:
		return CurrencyFilterRecompute, nil
	default:
		return "", fmt.Errorf("unknown currency filter mode %q", s)
	}
}

// AggregatedRow is a ledger row after conversion to the base currency and merging.
// Amount fields hold converted values.
type AggregatedRow struct {
	ReferenceNo           string               `json:"reference_no"`
	LedgerDate            time.Time            `json:"ledger_date"`
	Kind                  Kind                 `json:"kind"`
	CurrencyCode          valueobject.Currency `json:"currency_code"`
	ExchangeRate          decimal.Decimal      `json:"exchange_rate"`
	InvoiceAmount         decimal.Decimal      `json:"invoice_amount"`
	ReceiptAmount         decimal.Decimal      `json:"receipt_amount"`
	DebitNoteAmount       decimal.Decimal      `json:"debit_note_amount"`
	CreditNoteAmount      decimal.Decimal      `json:"credit_note_amount"`
	OriginalInvoiceAmount decimal.Decimal      `json:"original_invoice_amount"`
	MergedCount           int                  `json:"merged_count"`
	BalanceDue            decimal.Decimal      `json:"balance_due"`
	CumulativeBalance     decimal.Decimal      `json:"cumulative_balance"`
	Description           string               `json:"description,omitempty"`
}

// AsRow turns an aggregated row back into a base-valued ledger row
func (a AggregatedRow) AsRow() Row {
	return Row{
		ReferenceNo:      a.ReferenceNo,
		LedgerDate:       a.LedgerDate,
		CurrencyCode:     a.CurrencyCode,
		ExchangeRate:     decimal.NewFromInt(1),
		InvoiceAmount:    a.InvoiceAmount,
		ReceiptAmount:    a.ReceiptAmount,
		DebitNoteAmount:  a.DebitNoteAmount,
		CreditNoteAmount: a.CreditNoteAmount,
		Description:      a.Description,
	}
}

func (a AggregatedRow) outstanding() decimal.Decimal {
	return a.InvoiceAmount.Add(a.DebitNoteAmount).Sub(a.CreditNoteAmount).Sub(a.ReceiptAmount)
}

// Query holds the per-request filters of an aggregation
type Query struct {
	// ItemFilter restricts rows to these references before grouping; nil disables it
	ItemFilter ReferenceSet
	// CurrencyFilter keeps only rows of this currency after the running balance; empty disables it
	CurrencyFilter string
}

// Result is the aggregated AR Book
type Result struct {
	Rows               []AggregatedRow        `json:"rows"`
	TotalARValue       decimal.Decimal        `json:"total_ar_value"`
	HasForeignCurrency bool                   `json:"has_foreign_currency"`
	MissingRates       []valueobject.Currency `json:"missing_rates,omitempty"`
}

// Aggregator merges ledger rows into the AR Book view
type Aggregator struct {
	filterMode CurrencyFilterMode
}

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithCurrencyFilterMode sets how a currency filter treats the running balance
func WithCurrencyFilterMode(mode CurrencyFilterMode) AggregatorOption {
	return func(a *Aggregator) {
		a.filterMode = mode
	}
}

// NewAggregator creates an Aggregator; the default mode preserves the unfiltered running balance
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{filterMode: CurrencyFilterPreserve}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FilterMode returns the configured currency filter mode
func (a *Aggregator) FilterMode() CurrencyFilterMode {
	return a.filterMode
}

type groupKey struct {
	referenceNo string
	currency    valueobject.Currency
}

// Aggregate converts, merges, orders and balances the given rows.
// It never fails: a missing rate converts at 1 and is listed in Result.MissingRates.
// Delivery orders take part in the running balance and are removed from the output last.
// HasForeignCurrency looks at every row that passed the item filter.
func (a *Aggregator) Aggregate(rows []Row, rates valueobject.RateTable, q Query) Result {
	missing := make(map[valueobject.Currency]struct{})
	groups := make(map[groupKey]int)
	entries := make([]AggregatedRow, 0, len(rows))
	hasForeign := false

	for _, row := range rows {
		if q.ItemFilter != nil && !q.ItemFilter.Contains(row.ReferenceNo) {
			continue
		}

		currency := row.Currency()
		if !currency.IsBase() {
			hasForeign = true
		}
		rate, isMissing := rates.Resolve(currency, row.ExchangeRate)
		if isMissing {
			missing[currency] = struct{}{}
		}
		converted := convert(row, currency, rate)

		// receipts and delivery orders pass through unmerged
		if !row.Groupable() {
			entries = append(entries, converted)
			continue
		}

		key := groupKey{referenceNo: converted.ReferenceNo, currency: currency}
		if idx, ok := groups[key]; ok {
			merge(&entries[idx], converted)
			continue
		}
		groups[key] = len(entries)
		entries = append(entries, converted)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LedgerDate.Before(entries[j].LedgerDate)
	})
	applyRunningBalance(entries)

	if q.CurrencyFilter != "" {
		entries = filterCurrency(entries, valueobject.NewCurrency(q.CurrencyFilter))
	}

	// delivery orders ride along in the sequence but are never shown
	entries = dropDeliveryOrders(entries)

	if q.CurrencyFilter != "" && a.filterMode == CurrencyFilterRecompute {
		applyRunningBalance(entries)
	}

	result := buildResult(entries, missing)
	result.HasForeignCurrency = hasForeign
	return result
}

func convert(row Row, currency valueobject.Currency, rate decimal.Decimal) AggregatedRow {
	agg := AggregatedRow{
		ReferenceNo:           strings.TrimSpace(row.ReferenceNo),
		LedgerDate:            row.LedgerDate,
		CurrencyCode:          currency,
		ExchangeRate:          rate,
		InvoiceAmount:         row.InvoiceAmount.Mul(rate),
		ReceiptAmount:         row.ReceiptAmount.Mul(rate),
		DebitNoteAmount:       row.DebitNoteAmount.Mul(rate),
		CreditNoteAmount:      row.CreditNoteAmount.Mul(rate),
		OriginalInvoiceAmount: row.InvoiceAmount,
		MergedCount:           1,
		Description:           row.Description,
	}
	agg.Kind = inferKind(agg.InvoiceAmount, agg.ReceiptAmount, agg.DebitNoteAmount, agg.CreditNoteAmount)
	return agg
}

// merge folds src into dst, keeping the first-seen date and reference
func merge(dst *AggregatedRow, src AggregatedRow) {
	dst.InvoiceAmount = dst.InvoiceAmount.Add(src.InvoiceAmount)
	dst.DebitNoteAmount = dst.DebitNoteAmount.Add(src.DebitNoteAmount)
	dst.CreditNoteAmount = dst.CreditNoteAmount.Add(src.CreditNoteAmount)
	dst.OriginalInvoiceAmount = dst.OriginalInvoiceAmount.Add(src.OriginalInvoiceAmount)
	dst.MergedCount++
	dst.Kind = inferKind(dst.InvoiceAmount, dst.ReceiptAmount, dst.DebitNoteAmount, dst.CreditNoteAmount)
}

func applyRunningBalance(entries []AggregatedRow) {
	running := decimal.Zero
	for i := range entries {
		entries[i].BalanceDue = entries[i].outstanding()
		running = running.Add(entries[i].BalanceDue)
		entries[i].CumulativeBalance = running
	}
}

func filterCurrency(entries []AggregatedRow, currency valueobject.Currency) []AggregatedRow {
	filtered := make([]AggregatedRow, 0, len(entries))
	for _, e := range entries {
		if e.CurrencyCode == currency {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func dropDeliveryOrders(entries []AggregatedRow) []AggregatedRow {
	kept := entries[:0]
	for _, e := range entries {
		if !IsDeliveryOrderReference(e.ReferenceNo) {
			kept = append(kept, e)
		}
	}
	return kept
}

func buildResult(entries []AggregatedRow, missing map[valueobject.Currency]struct{}) Result {
	result := Result{
		Rows:         entries,
		TotalARValue: decimal.Zero,
	}
	if len(entries) > 0 {
		result.TotalARValue = entries[len(entries)-1].CumulativeBalance
	}
	for currency := range missing {
		result.MissingRates = append(result.MissingRates, currency)
	}
	sort.Slice(result.MissingRates, func(i, j int) bool {
		return result.MissingRates[i] < result.MissingRates[j]
	})
	return result
}
