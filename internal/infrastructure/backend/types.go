package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erp/arbook/internal/application/arbook"
	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// date accepts "YYYY-MM-DD" or RFC 3339 timestamps
type date struct {
	time.Time
}

func (d *date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q", s)
	}
	d.Time = t
	return nil
}

// amount accepts JSON numbers, null and display strings such as "1,234.50".
// Blank or unreadable text decodes as zero.
type amount struct {
	decimal.Decimal
}

func (a *amount) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	a.Decimal = valueobject.ParseAmountOrZero(raw)
	return nil
}

type ledgerRowDTO struct {
	ReferenceNo      string `json:"reference_no"`
	LedgerDate       date   `json:"ledger_date"`
	CurrencyCode     string `json:"currency_code"`
	ExchangeRate     amount `json:"exchange_rate"`
	InvoiceAmount    amount `json:"invoice_amount"`
	ReceiptAmount    amount `json:"receipt_amount"`
	DebitNoteAmount  amount `json:"debit_note_amount"`
	CreditNoteAmount amount `json:"credit_note_amount"`
	Description      string `json:"description"`
}

func (r ledgerRowDTO) toRow() ledger.Row {
	return ledger.Row{
		ReferenceNo:      strings.TrimSpace(r.ReferenceNo),
		LedgerDate:       r.LedgerDate.Time,
		CurrencyCode:     valueobject.NewCurrency(r.CurrencyCode),
		ExchangeRate:     r.ExchangeRate.Decimal,
		InvoiceAmount:    r.InvoiceAmount.Decimal,
		ReceiptAmount:    r.ReceiptAmount.Decimal,
		DebitNoteAmount:  r.DebitNoteAmount.Decimal,
		CreditNoteAmount: r.CreditNoteAmount.Decimal,
		Description:      r.Description,
	}
}

type customerDTO struct {
	ID           string `json:"customer_id"`
	Code         string `json:"customer_code"`
	Name         string `json:"customer_name"`
	CurrencyCode string `json:"currency_code"`
}

func (c customerDTO) toCustomer() arbook.Customer {
	return arbook.Customer{ID: c.ID, Code: c.Code, Name: c.Name, CurrencyCode: c.CurrencyCode}
}

type currencyRateDTO struct {
	CurrencyCode string `json:"currency_code"`
	ExchangeRate amount `json:"exchange_rate"`
}

type receiptDTO struct {
	ID           string `json:"receipt_id"`
	ReceiptNo    string `json:"receipt_no"`
	CustomerID   string `json:"customer_id"`
	ReceiptDate  date   `json:"receipt_date"`
	Amount       amount `json:"amount"`
	CurrencyCode string `json:"currency_code"`
	ExchangeRate amount `json:"exchange_rate"`
}

func (r receiptDTO) toReceipt() verification.Receipt {
	return verification.Receipt{
		ID:           r.ID,
		ReceiptNo:    r.ReceiptNo,
		CustomerID:   r.CustomerID,
		ReceiptDate:  r.ReceiptDate.Time,
		Amount:       r.Amount.Decimal,
		CurrencyCode: valueobject.NewCurrency(r.CurrencyCode),
		ExchangeRate: r.ExchangeRate.Decimal,
	}
}

type outstandingInvoiceDTO struct {
	InvoiceID   string `json:"invoice_id"`
	InvoiceNo   string `json:"invoice_no"`
	InvoiceDate date   `json:"invoice_date"`
	BalanceDue  amount `json:"balance_due"`
}

func (i outstandingInvoiceDTO) toInvoice() verification.OutstandingInvoice {
	return verification.OutstandingInvoice{
		InvoiceID:   i.InvoiceID,
		InvoiceNo:   i.InvoiceNo,
		InvoiceDate: i.InvoiceDate.Time,
		BalanceDue:  i.BalanceDue.Decimal,
	}
}

type allocationDTO struct {
	InvoiceID       string          `json:"invoice_id"`
	InvoiceNo       string          `json:"invoice_no"`
	PaymentType     string          `json:"payment_type"`
	AmountAllocated decimal.Decimal `json:"amount_allocated"`
}

// submissionDTO is the verification payload accepted by the backend
type submissionDTO struct {
	ReceiptID      string          `json:"receipt_id"`
	CustomerID     string          `json:"customer_id"`
	ActingUser     string          `json:"acting_user"`
	CurrencyCode   string          `json:"currency_code"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	ReceiptAmount  decimal.Decimal `json:"receipt_amount"`
	BaseAmount     decimal.Decimal `json:"receipt_base_amount"`
	BankCharges    decimal.Decimal `json:"bank_charges"`
	TaxDeduction   decimal.Decimal `json:"tax_deduction"`
	AdvancePayment decimal.Decimal `json:"advance_payment"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	TotalUtilized  decimal.Decimal `json:"total_utilized"`
	Variance       decimal.Decimal `json:"variance"`
	Allocations    []allocationDTO `json:"allocations"`
}

func newSubmissionDTO(sub verification.Submission) submissionDTO {
	out := submissionDTO{
		ReceiptID:      sub.ReceiptID,
		CustomerID:     sub.CustomerID,
		ActingUser:     sub.ActingUser,
		CurrencyCode:   sub.CurrencyCode,
		ExchangeRate:   sub.ExchangeRate,
		ReceiptAmount:  sub.ReceiptAmount,
		BaseAmount:     sub.Utilization.ReceiptAmount,
		BankCharges:    sub.BankCharges,
		TaxDeduction:   sub.TaxDeduction,
		AdvancePayment: sub.AdvancePayment,
		TotalAllocated: sub.Utilization.TotalAllocated,
		TotalUtilized:  sub.Utilization.TotalUtilized,
		Variance:       sub.Utilization.Variance,
		Allocations:    make([]allocationDTO, 0, len(sub.Allocations)),
	}
	for _, l := range sub.Allocations {
		out.Allocations = append(out.Allocations, allocationDTO{
			InvoiceID:       l.InvoiceID,
			InvoiceNo:       l.InvoiceNo,
			PaymentType:     string(l.PaymentType),
			AmountAllocated: l.AmountAllocated,
		})
	}
	return out
}
