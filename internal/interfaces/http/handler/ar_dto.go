package handler

import (
	arbookapp "github.com/erp/arbook/internal/application/arbook"
	appverification "github.com/erp/arbook/internal/application/verification"
)

// BookQuery selects an AR book
type BookQuery struct {
	CustomerID string `form:"customer_id" binding:"required,max=64"`
	OrgID      string `form:"org_id" binding:"max=64"`
	BranchID   string `form:"branch_id" binding:"max=64"`
	FromDate   string `form:"from_date" binding:"required,datetime=2006-01-02"`
	ToDate     string `form:"to_date" binding:"required,datetime=2006-01-02"`
	ItemID     string `form:"item_id" binding:"max=64"`
	Currency   string `form:"currency" binding:"max=8"`
}

func (q BookQuery) toRequest() arbookapp.BookRequest {
	return arbookapp.BookRequest{
		CustomerID: q.CustomerID,
		OrgID:      q.OrgID,
		BranchID:   q.BranchID,
		FromDate:   q.FromDate,
		ToDate:     q.ToDate,
		ItemID:     q.ItemID,
		Currency:   q.Currency,
	}
}

// ExportQuery selects an AR book and its download format
type ExportQuery struct {
	BookQuery
	Format string `form:"format" binding:"required,oneof=xlsx csv"`
}

// PendingQuery lists the receipts of a customer awaiting verification
type PendingQuery struct {
	CustomerID string `form:"customer_id" binding:"required,max=64"`
}

// OpenVerificationRequest opens a verification for a receipt
type OpenVerificationRequest struct {
	ReceiptID string `json:"receipt_id" binding:"required,max=64"`
}

// InvoiceSelectionRequest ticks or unticks one invoice
type InvoiceSelectionRequest struct {
	Selected *bool `json:"selected" binding:"required"`
}

// PaymentTypeRequest sets an invoice to Full or Partial payment
type PaymentTypeRequest struct {
	PaymentType string `json:"payment_type" binding:"required,max=16"`
}

// AmountRequest sets the amount allocated to an invoice, as typed by the user.
// Text that does not parse as an amount allocates zero.
type AmountRequest struct {
	Amount string `json:"amount" binding:"max=32"`
}

// SelectAllRequest ticks or unticks every invoice
type SelectAllRequest struct {
	Checked *bool `json:"checked" binding:"required"`
}

// DeductionsRequest updates deductions; omitted fields are left unchanged
type DeductionsRequest struct {
	BankCharges    *string `json:"bank_charges" binding:"required_without_all=TaxDeduction AdvancePayment"`
	TaxDeduction   *string `json:"tax_deduction"`
	AdvancePayment *string `json:"advance_payment"`
}

func (r DeductionsRequest) toDeductions() appverification.Deductions {
	return appverification.Deductions{
		BankCharges:    r.BankCharges,
		TaxDeduction:   r.TaxDeduction,
		AdvancePayment: r.AdvancePayment,
	}
}

// ExchangeRateRequest changes the rate of a foreign-currency receipt
type ExchangeRateRequest struct {
	ExchangeRate string `json:"exchange_rate" binding:"required,max=32"`
}
