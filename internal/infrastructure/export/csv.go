package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/erp/arbook/internal/application/arbook"
)

var _ arbook.ReportWriter = CSVWriter{}

// CSVWriter renders a book as comma-separated values with a trailing total row
type CSVWriter struct{}

// Format returns the file extension
func (CSVWriter) Format() string { return "csv" }

// ContentType returns the MIME type
func (CSVWriter) ContentType() string { return "text/csv; charset=utf-8" }

// Write renders book to w
func (CSVWriter) Write(w io.Writer, book *arbook.Book) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(bookHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, row := range book.Rows {
		l := lineOf(row)
		record := make([]string, 0, len(bookHeader))
		record = append(record, l.date, l.reference, l.kind, l.currency, l.rate.String())
		for _, a := range l.amounts {
			record = append(record, a.StringFixed(2))
		}
		record = append(record, l.description)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row %s: %w", l.reference, err)
		}
	}

	total := make([]string, len(bookHeader))
	total[0] = "Total AR Value"
	total[len(bookHeader)-2] = book.TotalARValue.StringFixed(2)
	if err := cw.Write(total); err != nil {
		return fmt.Errorf("failed to write csv total: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
