// Package verification runs the receipt verification workflow: a user opens a
// pending receipt, allocates it to outstanding invoices and deductions, and
// posts it once it balances.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/erp/arbook/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const defaultPostLockTTL = 30 * time.Second

// View is a session together with its current utilization
type View struct {
	Session     *verification.Session    `json:"session"`
	Utilization verification.Utilization `json:"utilization"`
}

func newView(s *verification.Session) *View {
	return &View{Session: s, Utilization: s.ComputeUtilization()}
}

// Deductions carries raw deduction text; nil fields are left unchanged
type Deductions struct {
	BankCharges    *string
	TaxDeduction   *string
	AdvancePayment *string
}

// PostResult describes a posted receipt
type PostResult struct {
	ReceiptID   string                   `json:"receipt_id"`
	PostedBy    string                   `json:"posted_by"`
	PostedAt    time.Time                `json:"posted_at"`
	Utilization verification.Utilization `json:"utilization"`
	Warnings    []string                 `json:"warnings,omitempty"`
}

// WarningRegistryUnavailable is returned when a post succeeded but could not be recorded locally
const WarningRegistryUnavailable = "posted, but the posted-receipt registry could not be updated"

// Service runs verification sessions
type Service struct {
	receipts    ReceiptSource
	invoices    InvoiceSource
	backend     ReceiptBackend
	sessions    SessionStore
	registry    PostedRegistry
	locker      Locker
	postLockTTL time.Duration
	metrics     Metrics
	logger      *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithPostLockTTL bounds how long an edit or a post may hold the receipt lock
func WithPostLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.postLockTTL = ttl
		}
	}
}

// WithMetrics records verification activity
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewService creates a Service
func NewService(
	receipts ReceiptSource,
	invoices InvoiceSource,
	backend ReceiptBackend,
	sessions SessionStore,
	registry PostedRegistry,
	locker Locker,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		receipts:    receipts,
		invoices:    invoices,
		backend:     backend,
		sessions:    sessions,
		registry:    registry,
		locker:      locker,
		postLockTTL: defaultPostLockTTL,
		metrics:     nopMetrics{},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unavailable wraps an upstream failure as DATA_UNAVAILABLE unless it already carries a code
func unavailable(what string, err error) error {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	return shared.NewDomainError(shared.CodeDataUnavailable, fmt.Sprintf("%s: %v", what, err))
}

func requireActor(actingUser string) error {
	if strings.TrimSpace(actingUser) == "" {
		return shared.NewDomainError(shared.CodeUnauthorized, "acting user is required")
	}
	return nil
}

// ListPending returns the receipts of a customer that still await verification.
// Receipts recorded as posted are left out.
func (s *Service) ListPending(ctx context.Context, customerID string) ([]verification.Receipt, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_verification", "list_pending")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrCustomerID, customerID)

	receipts, err := s.receipts.GetPendingReceipts(ctx, customerID)
	if err != nil {
		err = unavailable("could not load pending receipts", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if len(receipts) == 0 {
		return []verification.Receipt{}, nil
	}

	ids := make([]string, len(receipts))
	for i, r := range receipts {
		ids[i] = r.ID
	}
	posted, err := s.registry.PostedAmong(ctx, ids)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to read posted receipts: %w", err)
	}

	pending := make([]verification.Receipt, 0, len(receipts))
	for _, r := range receipts {
		if _, ok := posted[r.ID]; !ok {
			pending = append(pending, r)
		}
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrRowCount, len(pending))
	return pending, nil
}

// Open starts a fresh session for a receipt, always refetching outstanding invoices.
// An invoice fetch failure leaves the session without allocations and with a warning.
func (s *Service) Open(ctx context.Context, receiptID, actingUser string) (*View, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_verification", "open")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrReceiptID, receiptID,
		telemetry.SpanAttrActingUser, actingUser,
	)

	if err := requireActor(actingUser); err != nil {
		return nil, err
	}
	if strings.TrimSpace(receiptID) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "receipt_id is required")
	}

	posted, err := s.registry.IsPosted(ctx, receiptID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to check posted receipts: %w", err)
	}
	if posted {
		return nil, shared.NewDomainError(shared.CodeAlreadyPosted,
			fmt.Sprintf("receipt %s is already posted", receiptID))
	}

	receipt, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		err = unavailable("could not load receipt", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if receipt == nil {
		return nil, shared.NewDomainError(shared.CodeNotFound, fmt.Sprintf("receipt %s not found", receiptID))
	}

	invoices, invErr := s.invoices.GetOutstandingInvoices(ctx, receipt.CustomerID)
	session, err := verification.Open(*receipt, invoices, actingUser)
	if err != nil {
		return nil, err
	}
	if invErr != nil {
		s.logger.Warn("Outstanding invoices unavailable",
			zap.String("receipt_id", receiptID),
			zap.String("customer_id", receipt.CustomerID),
			zap.Error(invErr),
		)
		telemetry.AddEvent(span, "invoices_unavailable")
		session.MarkInvoicesUnavailable()
	}

	if err := s.sessions.Save(ctx, session); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.metrics.RecordSessionOpened(ctx, session.Receipt.Currency().String())
	s.logger.Info("Verification opened",
		zap.String("receipt_id", receiptID),
		zap.String("acting_user", actingUser),
		zap.Int("invoices", len(session.Allocations)),
	)
	return newView(session), nil
}

// lockReceipt takes the per-receipt lock shared by edits and posting.
// The returned func releases it.
func (s *Service) lockReceipt(ctx context.Context, receiptID, activity string) (func(), error) {
	lock, err := s.locker.Obtain(ctx, "ar:verification:receipt:"+receiptID, s.postLockTTL)
	if err != nil {
		if errors.Is(err, ErrLockNotObtained) {
			return nil, shared.NewDomainError(shared.CodeConcurrentPost,
				fmt.Sprintf("receipt %s is being %s by another request", receiptID, activity))
		}
		return nil, fmt.Errorf("failed to lock receipt: %w", err)
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release receipt lock", zap.String("receipt_id", receiptID), zap.Error(err))
		}
	}, nil
}

func (s *Service) load(ctx context.Context, receiptID string) (*verification.Session, error) {
	session, err := s.sessions.Get(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil, shared.NewDomainError(shared.CodeNotFound,
			fmt.Sprintf("no open verification for receipt %s", receiptID))
	}
	return session, nil
}

// Get returns the open session of a receipt
func (s *Service) Get(ctx context.Context, receiptID string) (*View, error) {
	session, err := s.load(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return newView(session), nil
}

// Utilization computes the current utilization of a receipt's session
func (s *Service) Utilization(ctx context.Context, receiptID string) (verification.Utilization, error) {
	session, err := s.load(ctx, receiptID)
	if err != nil {
		return verification.Utilization{}, err
	}
	return session.ComputeUtilization(), nil
}

// mutate loads a session under the receipt lock, applies fn and stores the result.
// Holding the lock keeps an edit from writing back a session that a post has removed.
func (s *Service) mutate(ctx context.Context, receiptID, actingUser, op string, fn func(*verification.Session) error) (*View, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_verification", op)
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrReceiptID, receiptID,
		telemetry.SpanAttrActingUser, actingUser,
	)

	if err := requireActor(actingUser); err != nil {
		return nil, err
	}
	unlock, err := s.lockReceipt(ctx, receiptID, "updated")
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, receiptID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := fn(session); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	session.ActingUser = actingUser
	if err := s.sessions.Save(ctx, session); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return newView(session), nil
}

// ToggleInvoice selects an invoice in full or clears it
func (s *Service) ToggleInvoice(ctx context.Context, receiptID, invoiceID string, selected bool, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "toggle_invoice", func(session *verification.Session) error {
		return session.ToggleInvoiceSelection(invoiceID, selected)
	})
}

// SetPaymentType sets FULL, PARTIAL or "" on an invoice line
func (s *Service) SetPaymentType(ctx context.Context, receiptID, invoiceID, paymentType, actingUser string) (*View, error) {
	pt, ok := verification.ParsePaymentType(paymentType)
	if !ok {
		return nil, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("payment_type %q must be FULL, PARTIAL or empty", paymentType))
	}
	return s.mutate(ctx, receiptID, actingUser, "set_payment_type", func(session *verification.Session) error {
		return session.SetPaymentType(invoiceID, pt)
	})
}

// SetAmount sets the allocated amount of an invoice line from display text
func (s *Service) SetAmount(ctx context.Context, receiptID, invoiceID, amount, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "set_amount", func(session *verification.Session) error {
		return session.SetAmount(invoiceID, amount)
	})
}

// SelectAll selects or clears every invoice line
func (s *Service) SelectAll(ctx context.Context, receiptID string, checked bool, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "select_all", func(session *verification.Session) error {
		return session.SelectAll(checked)
	})
}

// SetDeductions updates bank charges, tax deduction and advance payment
func (s *Service) SetDeductions(ctx context.Context, receiptID string, d Deductions, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "set_deductions", func(session *verification.Session) error {
		if d.BankCharges != nil {
			if err := session.SetBankCharges(*d.BankCharges); err != nil {
				return err
			}
		}
		if d.TaxDeduction != nil {
			if err := session.SetTaxDeduction(*d.TaxDeduction); err != nil {
				return err
			}
		}
		if d.AdvancePayment != nil {
			if err := session.SetAdvancePayment(*d.AdvancePayment); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetExchangeRate changes the rate of a foreign-currency receipt
func (s *Service) SetExchangeRate(ctx context.Context, receiptID, rate, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "set_exchange_rate", func(session *verification.Session) error {
		return session.SetExchangeRate(rate)
	})
}

// SaveDraft sends the current state to the backend as a draft. Balance is not required.
func (s *Service) SaveDraft(ctx context.Context, receiptID, actingUser string) (*View, error) {
	return s.mutate(ctx, receiptID, actingUser, "save_draft", func(session *verification.Session) error {
		session.ActingUser = actingUser
		if err := s.backend.SaveDraft(ctx, receiptID, session.Submission()); err != nil {
			return unavailable("could not save draft", err)
		}
		return session.MarkDraftSaved()
	})
}

// Post commits a balanced verification. Only one post per receipt runs at a time;
// a receipt already in the registry is rejected.
func (s *Service) Post(ctx context.Context, receiptID, actingUser string) (*PostResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_verification", "post")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrReceiptID, receiptID,
		telemetry.SpanAttrActingUser, actingUser,
	)

	result, err := s.post(ctx, receiptID, actingUser)
	if err != nil {
		var de *shared.DomainError
		if errors.As(err, &de) {
			s.metrics.RecordPostRejected(ctx, de.Code)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrVariance, result.Utilization.Variance.String())
	telemetry.SetOK(span)
	return result, nil
}

func (s *Service) post(ctx context.Context, receiptID, actingUser string) (*PostResult, error) {
	if err := requireActor(actingUser); err != nil {
		return nil, err
	}
	session, err := s.load(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.lockReceipt(ctx, receiptID, "posted")
	if err != nil {
		return nil, err
	}
	defer unlock()

	posted, err := s.registry.IsPosted(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("failed to check posted receipts: %w", err)
	}
	if posted {
		_ = s.sessions.Delete(ctx, receiptID)
		return nil, shared.NewDomainError(shared.CodeAlreadyPosted,
			fmt.Sprintf("receipt %s is already posted", receiptID))
	}

	// the session may have been edited or closed while the lock was held elsewhere
	session, err = s.load(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	session.ActingUser = actingUser
	if err := session.Validate(); err != nil {
		return nil, err
	}

	sub := session.Submission()
	if err := s.backend.PostVerification(ctx, receiptID, sub); err != nil {
		return nil, unavailable("could not post verification", err)
	}
	if err := session.MarkPosted(); err != nil {
		return nil, err
	}

	result := &PostResult{
		ReceiptID:   receiptID,
		PostedBy:    actingUser,
		PostedAt:    *session.PostedAt,
		Utilization: sub.Utilization,
	}

	rec := PostedReceipt{
		ReceiptID:      receiptID,
		CustomerID:     session.Receipt.CustomerID,
		PostedBy:       actingUser,
		PostedAt:       *session.PostedAt,
		Amount:         session.Receipt.Amount,
		CurrencyCode:   session.Receipt.Currency().String(),
		TotalAllocated: sub.Utilization.TotalAllocated,
		Variance:       sub.Utilization.Variance,
	}
	if err := s.registry.Record(ctx, rec); err != nil {
		// the backend already holds the posting; keep going and surface it
		s.logger.Error("Failed to record posted receipt", zap.String("receipt_id", receiptID), zap.Error(err))
		result.Warnings = append(result.Warnings, WarningRegistryUnavailable)
	}
	if err := s.sessions.Delete(ctx, receiptID); err != nil {
		s.logger.Warn("Failed to delete posted session", zap.String("receipt_id", receiptID), zap.Error(err))
	}

	s.metrics.RecordPosted(ctx, rec.CurrencyCode, rec.Variance.InexactFloat64())
	s.logger.Info("Receipt posted",
		zap.String("receipt_id", receiptID),
		zap.String("acting_user", actingUser),
		zap.String("total_allocated", rec.TotalAllocated.String()),
	)
	return result, nil
}

// Close abandons a session without posting; the receipt returns to the pending queue
func (s *Service) Close(ctx context.Context, receiptID, actingUser string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "ar_verification", "close")
	defer span.End()
	telemetry.SetAttributes(span, telemetry.SpanAttrReceiptID, receiptID)

	if err := requireActor(actingUser); err != nil {
		return err
	}
	session, err := s.load(ctx, receiptID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := session.Close(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := s.sessions.Delete(ctx, receiptID); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("Verification closed", zap.String("receipt_id", receiptID), zap.String("acting_user", actingUser))
	return nil
}
