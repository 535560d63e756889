// Package export renders AR books as downloadable spreadsheets.
package export

import (
	"github.com/erp/arbook/internal/application/arbook"
	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var bookHeader = []string{
	"Date",
	"Reference No",
	"Type",
	"Currency",
	"Exchange Rate",
	"Invoice",
	"Receipt",
	"Debit Note",
	"Credit Note",
	"Balance Due",
	"Cumulative Balance",
	"Description",
}

type bookLine struct {
	date        string
	reference   string
	kind        string
	currency    string
	rate        decimal.Decimal
	amounts     [6]decimal.Decimal
	description string
}

func lineOf(r ledger.AggregatedRow) bookLine {
	return bookLine{
		date:      r.LedgerDate.Format(dateLayout),
		reference: r.ReferenceNo,
		kind:      r.Kind.String(),
		currency:  string(r.CurrencyCode),
		rate:      r.ExchangeRate,
		amounts: [6]decimal.Decimal{
			r.InvoiceAmount,
			r.ReceiptAmount,
			r.DebitNoteAmount,
			r.CreditNoteAmount,
			r.BalanceDue,
			r.CumulativeBalance,
		},
		description: r.Description,
	}
}

func customerLabel(book *arbook.Book) string {
	if book.Customer == nil {
		return ""
	}
	if book.Customer.Code == "" {
		return book.Customer.Name
	}
	return book.Customer.Code + " - " + book.Customer.Name
}
