package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/erp/arbook/internal/application/arbook"
	"github.com/xuri/excelize/v2"
)

var _ arbook.ReportWriter = XLSXWriter{}

// SheetName is the worksheet holding the book
const SheetName = "AR Book"

// titleRows precede the table header
const titleRows = 4

// XLSXWriter renders a book as an Excel workbook
type XLSXWriter struct{}

// Format returns the file extension
func (XLSXWriter) Format() string { return "xlsx" }

// ContentType returns the MIME type
func (XLSXWriter) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Write renders book to w
func (XLSXWriter) Write(w io.Writer, book *arbook.Book) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	styles, err := newSheetStyles(f)
	if err != nil {
		return err
	}

	if err := writeTitle(f, book, styles); err != nil {
		return err
	}

	headerRow := titleRows + 1
	if err := setRow(f, 1, headerRow, toAny(bookHeader)); err != nil {
		return err
	}
	if err := styleRange(f, 1, headerRow, len(bookHeader), headerRow, styles.header); err != nil {
		return err
	}

	rowNo := headerRow + 1
	for _, r := range book.Rows {
		l := lineOf(r)
		values := []any{l.date, l.reference, l.kind, l.currency, l.rate.InexactFloat64()}
		for _, a := range l.amounts {
			values = append(values, a.InexactFloat64())
		}
		values = append(values, l.description)
		if err := setRow(f, 1, rowNo, values); err != nil {
			return err
		}
		rowNo++
	}
	if len(book.Rows) > 0 {
		if err := styleRange(f, 6, headerRow+1, 11, rowNo-1, styles.amount); err != nil {
			return err
		}
	}

	if err := setRow(f, 1, rowNo, []any{"Total AR Value"}); err != nil {
		return err
	}
	if err := setRow(f, 11, rowNo, []any{book.TotalARValue.InexactFloat64()}); err != nil {
		return err
	}
	if err := styleRange(f, 1, rowNo, len(bookHeader), rowNo, styles.total); err != nil {
		return err
	}

	if err := f.SetColWidth(SheetName, "A", "K", 16); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(SheetName, "L", "L", 40); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

type sheetStyles struct {
	title  int
	header int
	amount int
	total  int
}

func newSheetStyles(f *excelize.File) (sheetStyles, error) {
	var s sheetStyles
	var err error
	// built-in number format 4 is "#,##0.00"
	if s.title, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}); err != nil {
		return s, fmt.Errorf("failed to create title style: %w", err)
	}
	if s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	}); err != nil {
		return s, fmt.Errorf("failed to create header style: %w", err)
	}
	if s.amount, err = f.NewStyle(&excelize.Style{NumFmt: 4}); err != nil {
		return s, fmt.Errorf("failed to create amount style: %w", err)
	}
	if s.total, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}, NumFmt: 4}); err != nil {
		return s, fmt.Errorf("failed to create total style: %w", err)
	}
	return s, nil
}

func writeTitle(f *excelize.File, book *arbook.Book, styles sheetStyles) error {
	if err := setRow(f, 1, 1, []any{"AR Book"}); err != nil {
		return err
	}
	if err := styleRange(f, 1, 1, 1, 1, styles.title); err != nil {
		return err
	}
	if err := setRow(f, 1, 2, []any{"Customer", customerLabel(book)}); err != nil {
		return err
	}
	if err := setRow(f, 1, 3, []any{"Period", book.FromDate + " to " + book.ToDate}); err != nil {
		return err
	}
	var notes []string
	if book.CurrencyFilter != "" {
		notes = append(notes, "Currency "+book.CurrencyFilter)
	}
	if book.ItemID != "" {
		notes = append(notes, "Item "+book.ItemID)
	}
	if len(book.MissingRates) > 0 {
		notes = append(notes, "Missing rates: "+strings.Join(book.MissingRates, ", "))
	}
	if len(notes) == 0 {
		return nil
	}
	return setRow(f, 1, 4, []any{"Filters", strings.Join(notes, "; ")})
}

func setRow(f *excelize.File, col, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", row, err)
	}
	return nil
}

func styleRange(f *excelize.File, fromCol, fromRow, toCol, toRow, style int) error {
	from, err := excelize.CoordinatesToCellName(fromCol, fromRow)
	if err != nil {
		return err
	}
	to, err := excelize.CoordinatesToCellName(toCol, toRow)
	if err != nil {
		return err
	}
	return f.SetCellStyle(SheetName, from, to, style)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
