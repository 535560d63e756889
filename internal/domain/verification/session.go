package verification

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VarianceTolerance is the largest absolute variance (in base units) still considered balanced
var VarianceTolerance = decimal.NewFromInt(1)

// WarningInvoicesUnavailable is attached to a session whose invoice list could not be fetched
const WarningInvoicesUnavailable = "could not load invoices"

// Session is the working state of one receipt being verified
type Session struct {
	ID             string           `json:"session_id"`
	Receipt        Receipt          `json:"receipt"`
	ActingUser     string           `json:"acting_user"`
	Status         ReceiptStatus    `json:"status"`
	BankCharges    decimal.Decimal  `json:"bank_charges"`
	TaxDeduction   decimal.Decimal  `json:"tax_deduction"`
	AdvancePayment decimal.Decimal  `json:"advance_payment"`
	Allocations    []AllocationLine `json:"allocations"`
	Warnings       []string         `json:"warnings,omitempty"`
	OpenedAt       time.Time        `json:"opened_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DraftSavedAt   *time.Time       `json:"draft_saved_at,omitempty"`
	PostedAt       *time.Time       `json:"posted_at,omitempty"`
}

// Utilization summarizes how much of the receipt is explained. All figures are
// in the base currency.
type Utilization struct {
	ReceiptAmount  decimal.Decimal `json:"receipt_base_amount"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	TotalUtilized  decimal.Decimal `json:"total_utilized"`
	Variance       decimal.Decimal `json:"variance"`
	IsValid        bool            `json:"is_valid"`
}

// Submission is what the backend receives when a draft is saved or a verification is posted
type Submission struct {
	ReceiptID      string           `json:"receipt_id"`
	CustomerID     string           `json:"customer_id"`
	ActingUser     string           `json:"acting_user"`
	CurrencyCode   string           `json:"currency_code"`
	ExchangeRate   decimal.Decimal  `json:"exchange_rate"`
	ReceiptAmount  decimal.Decimal  `json:"receipt_amount"`
	BankCharges    decimal.Decimal  `json:"bank_charges"`
	TaxDeduction   decimal.Decimal  `json:"tax_deduction"`
	AdvancePayment decimal.Decimal  `json:"advance_payment"`
	Allocations    []AllocationLine `json:"allocations"`
	Utilization    Utilization      `json:"utilization"`
}

// Open starts a verification session for a receipt. The acting user is required;
// invoices become unselected allocation lines.
func Open(receipt Receipt, invoices []OutstandingInvoice, actingUser string) (*Session, error) {
	if strings.TrimSpace(receipt.ID) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "receipt id cannot be empty")
	}
	if strings.TrimSpace(actingUser) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "acting user cannot be empty")
	}
	if receipt.Amount.IsNegative() {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "receipt amount cannot be negative")
	}

	receipt.CurrencyCode = receipt.Currency()
	if receipt.CurrencyCode.IsBase() || !receipt.ExchangeRate.IsPositive() {
		receipt.ExchangeRate = decimal.NewFromInt(1)
	}

	now := time.Now()
	s := &Session{
		ID:             uuid.New().String(),
		Receipt:        receipt,
		ActingUser:     actingUser,
		Status:         ReceiptStatusVerifying,
		BankCharges:    decimal.Zero,
		TaxDeduction:   decimal.Zero,
		AdvancePayment: decimal.Zero,
		Allocations:    make([]AllocationLine, 0, len(invoices)),
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	for _, inv := range invoices {
		s.Allocations = append(s.Allocations, newAllocationLine(inv))
	}
	return s, nil
}

// MarkInvoicesUnavailable leaves the session without allocations and records a warning.
// Deductions and drafts remain usable.
func (s *Session) MarkInvoicesUnavailable() {
	s.Allocations = []AllocationLine{}
	s.addWarning(WarningInvoicesUnavailable)
}

func (s *Session) addWarning(w string) {
	for _, existing := range s.Warnings {
		if existing == w {
			return
		}
	}
	s.Warnings = append(s.Warnings, w)
}

func (s *Session) ensureEditable() error {
	if !s.Status.CanEdit() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("cannot modify verification of receipt %s in %s status", s.Receipt.ID, s.Status))
	}
	return nil
}

func (s *Session) line(invoiceID string) (*AllocationLine, error) {
	for i := range s.Allocations {
		if s.Allocations[i].InvoiceID == invoiceID {
			return &s.Allocations[i], nil
		}
	}
	return nil, shared.NewDomainError(shared.CodeNotFound,
		fmt.Sprintf("invoice %s is not outstanding for receipt %s", invoiceID, s.Receipt.ID))
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now()
}

// ToggleInvoiceSelection selects an invoice in full or clears it
func (s *Session) ToggleInvoiceSelection(invoiceID string, selected bool) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	l, err := s.line(invoiceID)
	if err != nil {
		return err
	}
	if selected {
		l.selectFull()
	} else {
		l.clear()
	}
	s.touch()
	return nil
}

// SetPaymentType switches an invoice between full and partial settlement.
// Full snaps the amount to the balance due; Partial clears it for manual entry.
// Both mark the line selected. An empty type clears the line.
func (s *Session) SetPaymentType(invoiceID string, pt PaymentType) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	l, err := s.line(invoiceID)
	if err != nil {
		return err
	}
	switch pt {
	case PaymentTypeFull:
		l.selectFull()
	case PaymentTypePartial:
		l.Selected = true
		l.PaymentType = PaymentTypePartial
		l.AmountAllocated = decimal.Zero
	case PaymentTypeNone:
		l.clear()
	default:
		return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("unknown payment type %q", pt))
	}
	s.touch()
	return nil
}

// SetAmount sets the allocated amount from display text such as "1,234.50".
// Unreadable text counts as zero and no upper bound against the balance is
// enforced. Any amount other than the balance due turns the line into a
// selected partial payment.
func (s *Session) SetAmount(invoiceID, raw string) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	l, err := s.line(invoiceID)
	if err != nil {
		return err
	}
	amount := valueobject.ParseAmountOrZero(raw)
	l.AmountAllocated = amount
	l.Selected = true
	if l.PaymentType != PaymentTypeFull || !amount.Equal(l.BalanceDue) {
		l.PaymentType = PaymentTypePartial
	}
	s.touch()
	return nil
}

// SelectAll selects every invoice in full or clears every line
func (s *Session) SelectAll(checked bool) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	for i := range s.Allocations {
		if checked {
			s.Allocations[i].selectFull()
		} else {
			s.Allocations[i].clear()
		}
	}
	s.touch()
	return nil
}

// SetBankCharges sets bank charges from display text; unreadable text counts as zero
func (s *Session) SetBankCharges(raw string) error {
	return s.setDeduction(&s.BankCharges, raw)
}

// SetTaxDeduction sets the tax deduction from display text; unreadable text counts as zero
func (s *Session) SetTaxDeduction(raw string) error {
	return s.setDeduction(&s.TaxDeduction, raw)
}

// SetAdvancePayment sets the advance payment from display text; unreadable text counts as zero
func (s *Session) SetAdvancePayment(raw string) error {
	return s.setDeduction(&s.AdvancePayment, raw)
}

func (s *Session) setDeduction(field *decimal.Decimal, raw string) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	*field = valueobject.ParseAmountOrZero(raw)
	s.touch()
	return nil
}

// SetExchangeRate changes the receipt rate. Only foreign-currency receipts accept a new rate.
func (s *Session) SetExchangeRate(raw string) error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	if !s.Receipt.ExchangeRateEditable() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("exchange rate of %s receipts is fixed at 1", valueobject.BaseCurrency))
	}
	rate, err := valueobject.ParseAmount(raw)
	if err != nil || !rate.IsPositive() {
		return shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("invalid exchange rate %q", raw))
	}
	s.Receipt.ExchangeRate = rate
	s.touch()
	return nil
}

// ComputeUtilization totals selected allocations and deductions against the receipt
// amount converted at the receipt rate. Allocations and deductions are base amounts.
func (s *Session) ComputeUtilization() Utilization {
	allocated := decimal.Zero
	for _, l := range s.Allocations {
		if l.Selected {
			allocated = allocated.Add(l.AmountAllocated)
		}
	}
	utilized := allocated.Add(s.BankCharges).Add(s.TaxDeduction).Add(s.AdvancePayment)
	received := s.Receipt.BaseAmount()
	variance := received.Sub(utilized)

	return Utilization{
		ReceiptAmount:  received,
		TotalAllocated: allocated,
		TotalUtilized:  utilized,
		Variance:       variance,
		IsValid:        variance.Abs().LessThan(VarianceTolerance),
	}
}

// Validate returns a VALIDATION_ERROR carrying the variance when the receipt does not balance
func (s *Session) Validate() error {
	u := s.ComputeUtilization()
	if u.IsValid {
		return nil
	}
	return shared.NewDomainError(shared.CodeValidation,
		fmt.Sprintf("receipt %s does not balance: variance %s must be within %s",
			s.Receipt.ID, valueobject.FormatAmount(u.Variance), valueobject.FormatAmount(VarianceTolerance))).
		WithDetail("variance", u.Variance.String()).
		WithDetail("total_utilized", u.TotalUtilized.String()).
		WithDetail("receipt_amount", u.ReceiptAmount.String())
}

// Submission builds the backend payload with only the selected lines
func (s *Session) Submission() Submission {
	lines := make([]AllocationLine, 0, len(s.Allocations))
	for _, l := range s.Allocations {
		if l.Selected {
			lines = append(lines, l)
		}
	}
	return Submission{
		ReceiptID:      s.Receipt.ID,
		CustomerID:     s.Receipt.CustomerID,
		ActingUser:     s.ActingUser,
		CurrencyCode:   s.Receipt.Currency().String(),
		ExchangeRate:   s.Receipt.ExchangeRate,
		ReceiptAmount:  s.Receipt.Amount,
		BankCharges:    s.BankCharges,
		TaxDeduction:   s.TaxDeduction,
		AdvancePayment: s.AdvancePayment,
		Allocations:    lines,
		Utilization:    s.ComputeUtilization(),
	}
}

// MarkDraftSaved records that the current state was persisted as a draft
func (s *Session) MarkDraftSaved() error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	now := time.Now()
	s.DraftSavedAt = &now
	s.UpdatedAt = now
	return nil
}

// MarkPosted moves the receipt to its terminal status. The session must balance.
func (s *Session) MarkPosted() error {
	if err := s.ensureEditable(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	now := time.Now()
	s.Status = ReceiptStatusPosted
	s.PostedAt = &now
	s.UpdatedAt = now
	return nil
}

// Close abandons the session without posting; the receipt returns to pending
func (s *Session) Close() error {
	if s.Status.IsTerminal() {
		return shared.NewDomainError(shared.CodeInvalidState,
			fmt.Sprintf("receipt %s is already posted", s.Receipt.ID))
	}
	s.Status = ReceiptStatusPending
	s.touch()
	return nil
}
