package valueobject

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{"grouped with decimals", "1,234.50", "1234.5", false},
		{"plain integer", "950000", "950000", false},
		{"millions", "1,000,000", "1000000", false},
		{"surrounding spaces", "  12.25 ", "12.25", false},
		{"negative", "-1,500.75", "-1500.75", false},
		{"empty is zero", "", "0", false},
		{"letters", "abc", "0", true},
		{"double dot", "1.2.3", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
		})
	}
}

func TestParseAmountOrZero(t *testing.T) {
	assert.True(t, ParseAmountOrZero("not a number").IsZero())
	assert.True(t, ParseAmountOrZero("2,000").Equal(decimal.NewFromInt(2000)))
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"1234.5", "1,234.50"},
		{"0", "0.00"},
		{"950000", "950,000.00"},
		{"1000000.004", "1,000,000.00"},
		{"-0.5", "-0.50"},
		{"-1234567.891", "-1,234,567.89"},
		{"999.999", "1,000.00"},
		{"999999999999999.994", "999,999,999,999,999.99"},
		{"12345678901234567890.5", "12,345,678,901,234,567,890.50"},
		{"-98765432109876543210987.125", "-98,765,432,109,876,543,210,987.13"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatAmount(decimal.RequireFromString(tt.input)))
		})
	}
}

func TestAmount_RoundTrip(t *testing.T) {
	parsed, err := ParseAmount("1,234.50")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(decimal.RequireFromString("1234.50")))
	assert.Equal(t, "1,234.50", FormatAmount(parsed))
}
