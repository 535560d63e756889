package valueobject

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrInvalidAmount is returned when text cannot be read as an amount
var ErrInvalidAmount = errors.New("invalid amount")

var amountPrinter = message.NewPrinter(language.English)

// printableDigits keeps the printer's operand well inside int64
const printableDigits = 15

// ParseAmount reads a display-formatted amount such as "1,234.50".
// Thousands separators and surrounding spaces are stripped; empty text is zero.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if cleaned == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return d, nil
}

// ParseAmountOrZero is ParseAmount with unparseable input coerced to zero
func ParseAmountOrZero(raw string) decimal.Decimal {
	d, err := ParseAmount(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FormatAmount renders an amount with thousands grouping and two decimals, e.g. "1,234.50"
func FormatAmount(d decimal.Decimal) string {
	rounded := d.Round(2)
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Abs()
	}

	fixed := rounded.StringFixed(2)
	dot := strings.IndexByte(fixed, '.')
	return sign + groupDigits(fixed[:dot]) + "." + fixed[dot+1:]
}

// groupDigits groups an unsigned digit string of any length.
// Low-order groups are peeled off until the rest fits the printer.
func groupDigits(digits string) string {
	head, tail := digits, ""
	for len(head) > printableDigits {
		tail = "," + head[len(head)-3:] + tail
		head = head[:len(head)-3]
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return digits
	}
	return amountPrinter.Sprintf("%d", n) + tail
}
