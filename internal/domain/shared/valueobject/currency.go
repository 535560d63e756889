package valueobject

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents a currency code (ISO 4217)
type Currency string

// BaseCurrency is the reporting currency every ledger amount is converted into
const BaseCurrency Currency = "IDR"

// NewCurrency normalizes a raw currency code. Absent codes default to the base currency.
func NewCurrency(code string) Currency {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return BaseCurrency
	}
	return Currency(code)
}

// IsBase returns true if the currency is the base currency
func (c Currency) IsBase() bool {
	return c == BaseCurrency || c == ""
}

// String returns the currency code
func (c Currency) String() string {
	return string(c)
}

// RateTable maps currency codes to their exchange rate against the base currency
type RateTable map[Currency]decimal.Decimal

// NewRateTable builds a rate table from raw codes, ignoring non-positive rates
func NewRateTable(raw map[string]decimal.Decimal) RateTable {
	table := make(RateTable, len(raw))
	for code, rate := range raw {
		if rate.IsPositive() {
			table[NewCurrency(code)] = rate
		}
	}
	return table
}

// Lookup returns the rate for a currency. The base currency is always 1.
func (t RateTable) Lookup(c Currency) (decimal.Decimal, bool) {
	if c.IsBase() {
		return decimal.NewFromInt(1), true
	}
	rate, ok := t[c]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// Resolve picks the conversion rate for an amount in currency c. An explicit
// positive rate wins, then the table; a missing rate falls back to 1 and is
// reported through the second return value.
func (t RateTable) Resolve(c Currency, explicit decimal.Decimal) (rate decimal.Decimal, missing bool) {
	if c.IsBase() {
		return decimal.NewFromInt(1), false
	}
	if explicit.IsPositive() {
		return explicit, false
	}
	if rate, ok := t.Lookup(c); ok {
		return rate, false
	}
	return decimal.NewFromInt(1), true
}
