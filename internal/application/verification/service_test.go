package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Mocks and fakes
// =============================================================================

type MockReceiptSource struct {
	mock.Mock
}

func (m *MockReceiptSource) GetPendingReceipts(ctx context.Context, customerID string) ([]verification.Receipt, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]verification.Receipt), args.Error(1)
}

func (m *MockReceiptSource) GetReceipt(ctx context.Context, receiptID string) (*verification.Receipt, error) {
	args := m.Called(ctx, receiptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*verification.Receipt), args.Error(1)
}

type MockInvoiceSource struct {
	mock.Mock
}

func (m *MockInvoiceSource) GetOutstandingInvoices(ctx context.Context, customerID string) ([]verification.OutstandingInvoice, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]verification.OutstandingInvoice), args.Error(1)
}

type MockReceiptBackend struct {
	mock.Mock
}

func (m *MockReceiptBackend) SaveDraft(ctx context.Context, receiptID string, sub verification.Submission) error {
	args := m.Called(ctx, receiptID, sub)
	return args.Error(0)
}

func (m *MockReceiptBackend) PostVerification(ctx context.Context, receiptID string, sub verification.Submission) error {
	args := m.Called(ctx, receiptID, sub)
	return args.Error(0)
}

type MockPostedRegistry struct {
	mock.Mock
}

func (m *MockPostedRegistry) IsPosted(ctx context.Context, receiptID string) (bool, error) {
	args := m.Called(ctx, receiptID)
	return args.Bool(0), args.Error(1)
}

func (m *MockPostedRegistry) PostedAmong(ctx context.Context, receiptIDs []string) (map[string]struct{}, error) {
	args := m.Called(ctx, receiptIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *MockPostedRegistry) Record(ctx context.Context, rec PostedReceipt) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// fakeLocker grants one holder per key and records what it was asked for
type fakeLocker struct {
	mu         sync.Mutex
	held       map[string]bool
	obtained   []string
	ttls       []time.Duration
	released   int
	obtainErr  error
	releaseErr error
	// onObtain runs once the lock is granted, standing in for work done
	// by another request just before this one got the lock
	onObtain func()
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	if l.obtainErr != nil {
		l.mu.Unlock()
		return nil, l.obtainErr
	}
	if l.held[key] {
		l.mu.Unlock()
		return nil, ErrLockNotObtained
	}
	l.held[key] = true
	l.obtained = append(l.obtained, key)
	l.ttls = append(l.ttls, ttl)
	hook := l.onObtain
	l.onObtain = nil
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &fakeLock{locker: l, key: key}, nil
}

type fakeLock struct {
	locker *fakeLocker
	key    string
}

func (k *fakeLock) Release(context.Context) error {
	k.locker.mu.Lock()
	defer k.locker.mu.Unlock()
	delete(k.locker.held, k.key)
	k.locker.released++
	return k.locker.releaseErr
}

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) RecordSessionOpened(ctx context.Context, currency string) {
	m.Called(ctx, currency)
}

func (m *MockMetrics) RecordPosted(ctx context.Context, currency string, variance float64) {
	m.Called(ctx, currency, variance)
}

func (m *MockMetrics) RecordPostRejected(ctx context.Context, reason string) {
	m.Called(ctx, reason)
}

// fakeSessionStore keeps sessions in a map
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*verification.Session
	saveErr  error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*verification.Session{}}
}

func (f *fakeSessionStore) Get(_ context.Context, receiptID string) (*verification.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[receiptID]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Allocations = append([]verification.AllocationLine(nil), s.Allocations...)
	return &cp, nil
}

func (f *fakeSessionStore) Save(_ context.Context, s *verification.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.sessions[s.Receipt.ID] = s
	return nil
}

func (f *fakeSessionStore) Delete(_ context.Context, receiptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, receiptID)
	return nil
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	receipts *MockReceiptSource
	invoices *MockInvoiceSource
	backend  *MockReceiptBackend
	sessions *fakeSessionStore
	registry *MockPostedRegistry
	locker   *fakeLocker
	metrics  *MockMetrics
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		receipts: new(MockReceiptSource),
		invoices: new(MockInvoiceSource),
		backend:  new(MockReceiptBackend),
		sessions: newFakeSessionStore(),
		registry: new(MockPostedRegistry),
		locker:   newFakeLocker(),
		metrics:  new(MockMetrics),
	}
	f.metrics.On("RecordSessionOpened", mock.Anything, mock.Anything).Return().Maybe()
	f.metrics.On("RecordPosted", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.metrics.On("RecordPostRejected", mock.Anything, mock.Anything).Return().Maybe()
	f.svc = NewService(f.receipts, f.invoices, f.backend, f.sessions, f.registry, f.locker, zap.NewNop(),
		WithMetrics(f.metrics), WithPostLockTTL(5*time.Second))
	return f
}

func receipt() *verification.Receipt {
	return &verification.Receipt{
		ID:           "R-1",
		ReceiptNo:    "RCV/2024/001",
		CustomerID:   "C-1",
		ReceiptDate:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:       decimal.NewFromInt(1000000),
		CurrencyCode: "IDR",
	}
}

func invoices() []verification.OutstandingInvoice {
	return []verification.OutstandingInvoice{
		{InvoiceID: "I-1", InvoiceNo: "INV-1", BalanceDue: decimal.NewFromInt(950000)},
		{InvoiceID: "I-2", InvoiceNo: "INV-2", BalanceDue: decimal.NewFromInt(200000)},
	}
}

// open opens R-1 with both invoices available
func (f *fixture) open(t *testing.T) *View {
	t.Helper()
	f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil).Once()
	f.receipts.On("GetReceipt", mock.Anything, "R-1").Return(receipt(), nil).Once()
	f.invoices.On("GetOutstandingInvoices", mock.Anything, "C-1").Return(invoices(), nil).Once()
	view, err := f.svc.Open(context.Background(), "R-1", "u-100")
	require.NoError(t, err)
	return view
}

// balance makes R-1 balance: INV-1 in full plus 50,000 bank charges
func (f *fixture) balance(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.ToggleInvoice(ctx, "R-1", "I-1", true, "u-100")
	require.NoError(t, err)
	charges := "50,000"
	_, err = f.svc.SetDeductions(ctx, "R-1", Deductions{BankCharges: &charges}, "u-100")
	require.NoError(t, err)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var de *shared.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, code, de.Code)
}

// =============================================================================
// ListPending
// =============================================================================

func TestListPending(t *testing.T) {
	t.Run("filters posted receipts", func(t *testing.T) {
		f := newFixture()
		f.receipts.On("GetPendingReceipts", mock.Anything, "C-1").
			Return([]verification.Receipt{{ID: "R-1"}, {ID: "R-2"}, {ID: "R-3"}}, nil)
		f.registry.On("PostedAmong", mock.Anything, []string{"R-1", "R-2", "R-3"}).
			Return(map[string]struct{}{"R-2": {}}, nil)

		pending, err := f.svc.ListPending(context.Background(), "C-1")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "R-1", pending[0].ID)
		assert.Equal(t, "R-3", pending[1].ID)
	})

	t.Run("empty without registry lookup", func(t *testing.T) {
		f := newFixture()
		f.receipts.On("GetPendingReceipts", mock.Anything, "C-1").Return([]verification.Receipt{}, nil)

		pending, err := f.svc.ListPending(context.Background(), "C-1")
		require.NoError(t, err)
		assert.NotNil(t, pending)
		assert.Empty(t, pending)
		f.registry.AssertNotCalled(t, "PostedAmong", mock.Anything, mock.Anything)
	})

	t.Run("upstream failure is data unavailable", func(t *testing.T) {
		f := newFixture()
		f.receipts.On("GetPendingReceipts", mock.Anything, "C-1").Return(nil, errors.New("connection refused"))

		_, err := f.svc.ListPending(context.Background(), "C-1")
		assertCode(t, err, shared.CodeDataUnavailable)
		assert.ErrorIs(t, err, shared.ErrDataUnavailable)
	})
}

// =============================================================================
// Open
// =============================================================================

func TestOpen(t *testing.T) {
	t.Run("creates a verifying session with unselected lines", func(t *testing.T) {
		f := newFixture()
		view := f.open(t)

		assert.Equal(t, verification.ReceiptStatusVerifying, view.Session.Status)
		assert.Len(t, view.Session.Allocations, 2)
		assert.Equal(t, "u-100", view.Session.ActingUser)
		assert.True(t, view.Utilization.Variance.Equal(decimal.NewFromInt(1000000)))
		assert.False(t, view.Utilization.IsValid)
		f.metrics.AssertCalled(t, "RecordSessionOpened", mock.Anything, "IDR")

		stored, _ := f.sessions.Get(context.Background(), "R-1")
		require.NotNil(t, stored)
	})

	t.Run("invoice failure leaves empty allocations and a warning", func(t *testing.T) {
		f := newFixture()
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.receipts.On("GetReceipt", mock.Anything, "R-1").Return(receipt(), nil)
		f.invoices.On("GetOutstandingInvoices", mock.Anything, "C-1").Return(nil, errors.New("502"))

		view, err := f.svc.Open(context.Background(), "R-1", "u-100")
		require.NoError(t, err)
		assert.Empty(t, view.Session.Allocations)
		assert.Equal(t, []string{verification.WarningInvoicesUnavailable}, view.Session.Warnings)

		charges := "1,000,000"
		view, err = f.svc.SetDeductions(context.Background(), "R-1", Deductions{AdvancePayment: &charges}, "u-100")
		require.NoError(t, err)
		assert.True(t, view.Utilization.IsValid)
	})

	t.Run("posted receipt cannot be reopened", func(t *testing.T) {
		f := newFixture()
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(true, nil)

		_, err := f.svc.Open(context.Background(), "R-1", "u-100")
		assertCode(t, err, shared.CodeAlreadyPosted)
		f.receipts.AssertNotCalled(t, "GetReceipt", mock.Anything, mock.Anything)
	})

	t.Run("unknown receipt", func(t *testing.T) {
		f := newFixture()
		f.registry.On("IsPosted", mock.Anything, "R-9").Return(false, nil)
		f.receipts.On("GetReceipt", mock.Anything, "R-9").Return(nil, nil)

		_, err := f.svc.Open(context.Background(), "R-9", "u-100")
		assertCode(t, err, shared.CodeNotFound)
	})

	t.Run("receipt lookup failure", func(t *testing.T) {
		f := newFixture()
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.receipts.On("GetReceipt", mock.Anything, "R-1").Return(nil, errors.New("timeout"))

		_, err := f.svc.Open(context.Background(), "R-1", "u-100")
		assertCode(t, err, shared.CodeDataUnavailable)
	})

	t.Run("requires acting user and receipt id", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.Open(context.Background(), "R-1", " ")
		assertCode(t, err, shared.CodeUnauthorized)

		_, err = f.svc.Open(context.Background(), "", "u-100")
		assertCode(t, err, shared.CodeInvalidInput)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture()
		f.sessions.saveErr = errors.New("redis down")
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.receipts.On("GetReceipt", mock.Anything, "R-1").Return(receipt(), nil)
		f.invoices.On("GetOutstandingInvoices", mock.Anything, "C-1").Return(invoices(), nil)

		_, err := f.svc.Open(context.Background(), "R-1", "u-100")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis down")
	})
}

// =============================================================================
// Editing
// =============================================================================

func TestEditing(t *testing.T) {
	ctx := context.Background()

	t.Run("partial allocation leaves a variance", func(t *testing.T) {
		f := newFixture()
		f.open(t)

		_, err := f.svc.SetPaymentType(ctx, "R-1", "I-1", "partial", "u-100")
		require.NoError(t, err)
		_, err = f.svc.SetAmount(ctx, "R-1", "I-1", "900,000", "u-100")
		require.NoError(t, err)
		charges := "50,000"
		view, err := f.svc.SetDeductions(ctx, "R-1", Deductions{BankCharges: &charges}, "u-100")
		require.NoError(t, err)

		assert.True(t, view.Utilization.TotalUtilized.Equal(decimal.NewFromInt(950000)))
		assert.True(t, view.Utilization.Variance.Equal(decimal.NewFromInt(50000)))
		assert.False(t, view.Utilization.IsValid)

		u, err := f.svc.Utilization(ctx, "R-1")
		require.NoError(t, err)
		assert.Equal(t, view.Utilization, u)
	})

	t.Run("select all sums balances", func(t *testing.T) {
		f := newFixture()
		f.open(t)

		view, err := f.svc.SelectAll(ctx, "R-1", true, "u-100")
		require.NoError(t, err)
		assert.True(t, view.Utilization.TotalAllocated.Equal(decimal.NewFromInt(1150000)))

		view, err = f.svc.SelectAll(ctx, "R-1", false, "u-100")
		require.NoError(t, err)
		assert.True(t, view.Utilization.TotalAllocated.IsZero())
	})

	t.Run("unknown payment type", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		_, err := f.svc.SetPaymentType(ctx, "R-1", "I-1", "HALF", "u-100")
		assertCode(t, err, shared.CodeInvalidInput)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		_, err := f.svc.ToggleInvoice(ctx, "R-1", "I-404", true, "u-100")
		assertCode(t, err, shared.CodeNotFound)
	})

	t.Run("no open session", func(t *testing.T) {
		f := newFixture()
		_, err := f.svc.Get(ctx, "R-1")
		assertCode(t, err, shared.CodeNotFound)
		_, err = f.svc.SetAmount(ctx, "R-1", "I-1", "1", "u-100")
		assertCode(t, err, shared.CodeNotFound)
	})

	t.Run("base currency rate is locked", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		_, err := f.svc.SetExchangeRate(ctx, "R-1", "2", "u-100")
		assertCode(t, err, shared.CodeInvalidState)
	})

	t.Run("foreign currency rate is editable", func(t *testing.T) {
		f := newFixture()
		usd := receipt()
		usd.CurrencyCode = "USD"
		usd.ExchangeRate = decimal.NewFromInt(15000)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.receipts.On("GetReceipt", mock.Anything, "R-1").Return(usd, nil)
		f.invoices.On("GetOutstandingInvoices", mock.Anything, "C-1").Return(invoices(), nil)
		_, err := f.svc.Open(ctx, "R-1", "u-100")
		require.NoError(t, err)

		view, err := f.svc.SetExchangeRate(ctx, "R-1", "15,250.5", "u-200")
		require.NoError(t, err)
		assert.True(t, view.Session.Receipt.ExchangeRate.Equal(decimal.RequireFromString("15250.5")))
		assert.Equal(t, "u-200", view.Session.ActingUser)
	})

	t.Run("edit is refused while another request holds the receipt", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.locker.held["ar:verification:receipt:R-1"] = true

		_, err := f.svc.ToggleInvoice(ctx, "R-1", "I-1", true, "u-100")
		assertCode(t, err, shared.CodeConcurrentPost)

		delete(f.locker.held, "ar:verification:receipt:R-1")
		view, err := f.svc.Get(ctx, "R-1")
		require.NoError(t, err)
		assert.True(t, view.Utilization.TotalAllocated.IsZero())
	})

	t.Run("failed edit releases the lock", func(t *testing.T) {
		f := newFixture()
		f.open(t)

		_, err := f.svc.ToggleInvoice(ctx, "R-1", "I-404", true, "u-100")
		assertCode(t, err, shared.CodeNotFound)
		assert.Empty(t, f.locker.held)
		assert.Equal(t, 1, f.locker.released)
	})

	t.Run("lock backend failure", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.locker.obtainErr = errors.New("redis down")

		_, err := f.svc.SetAmount(ctx, "R-1", "I-1", "1", "u-100")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis down")
	})

	t.Run("edit after post does not bring the session back", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.backend.On("PostVerification", mock.Anything, "R-1", mock.Anything).Return(nil)
		f.registry.On("Record", mock.Anything, mock.Anything).Return(nil)

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		require.NoError(t, err)

		_, err = f.svc.SetAmount(ctx, "R-1", "I-1", "1", "u-100")
		assertCode(t, err, shared.CodeNotFound)
		stored, _ := f.sessions.Get(ctx, "R-1")
		assert.Nil(t, stored)
	})
}

// =============================================================================
// SaveDraft
// =============================================================================

func TestSaveDraft(t *testing.T) {
	ctx := context.Background()

	t.Run("unbalanced draft is accepted", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.backend.On("SaveDraft", mock.Anything, "R-1", mock.MatchedBy(func(sub verification.Submission) bool {
			return sub.ReceiptID == "R-1" && sub.ActingUser == "u-100" && !sub.Utilization.IsValid
		})).Return(nil)

		view, err := f.svc.SaveDraft(ctx, "R-1", "u-100")
		require.NoError(t, err)
		assert.NotNil(t, view.Session.DraftSavedAt)
		assert.Equal(t, verification.ReceiptStatusVerifying, view.Session.Status)
	})

	t.Run("backend failure", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.backend.On("SaveDraft", mock.Anything, "R-1", mock.Anything).Return(errors.New("503"))

		_, err := f.svc.SaveDraft(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeDataUnavailable)

		view, err := f.svc.Get(ctx, "R-1")
		require.NoError(t, err)
		assert.Nil(t, view.Session.DraftSavedAt)
	})
}

// =============================================================================
// Post
// =============================================================================

func TestPost(t *testing.T) {
	ctx := context.Background()

	t.Run("balanced receipt is posted", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)

		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.backend.On("PostVerification", mock.Anything, "R-1", mock.MatchedBy(func(sub verification.Submission) bool {
			return len(sub.Allocations) == 1 && sub.Allocations[0].InvoiceID == "I-1"
		})).Return(nil)
		f.registry.On("Record", mock.Anything, mock.MatchedBy(func(rec PostedReceipt) bool {
			return rec.ReceiptID == "R-1" && rec.PostedBy == "u-100" && rec.Variance.IsZero() &&
				rec.TotalAllocated.Equal(decimal.NewFromInt(950000))
		})).Return(nil)

		result, err := f.svc.Post(ctx, "R-1", "u-100")
		require.NoError(t, err)
		assert.Equal(t, "R-1", result.ReceiptID)
		assert.True(t, result.Utilization.IsValid)
		assert.Empty(t, result.Warnings)

		_, err = f.svc.Get(ctx, "R-1")
		assertCode(t, err, shared.CodeNotFound)
		assert.Equal(t, "ar:verification:receipt:R-1", f.locker.obtained[len(f.locker.obtained)-1])
		assert.Equal(t, 5*time.Second, f.locker.ttls[len(f.locker.ttls)-1])
		assert.Empty(t, f.locker.held)
		f.registry.AssertExpectations(t)
		f.metrics.AssertCalled(t, "RecordPosted", mock.Anything, "IDR", float64(0))
	})

	t.Run("unbalanced receipt is rejected with variance", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		_, err := f.svc.ToggleInvoice(ctx, "R-1", "I-1", true, "u-100")
		require.NoError(t, err)

		obtainedBefore := len(f.locker.obtained)
		_, err = f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeValidation)
		var de *shared.DomainError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "50000", de.Details["variance"])

		assert.Len(t, f.locker.obtained, obtainedBefore)
		f.metrics.AssertCalled(t, "RecordPostRejected", mock.Anything, shared.CodeValidation)

		_, err = f.svc.Get(ctx, "R-1")
		require.NoError(t, err)
	})

	t.Run("concurrent post", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.locker.held["ar:verification:receipt:R-1"] = true

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeConcurrentPost)
		f.backend.AssertNotCalled(t, "PostVerification", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("already posted by another process", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(true, nil)

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeAlreadyPosted)
		f.backend.AssertNotCalled(t, "PostVerification", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.locker.held)

		_, err = f.svc.Get(ctx, "R-1")
		assertCode(t, err, shared.CodeNotFound)
	})

	t.Run("backend failure keeps the session", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.backend.On("PostVerification", mock.Anything, "R-1", mock.Anything).Return(errors.New("502"))

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeDataUnavailable)

		view, err := f.svc.Get(ctx, "R-1")
		require.NoError(t, err)
		assert.Equal(t, verification.ReceiptStatusVerifying, view.Session.Status)
		f.registry.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	})

	t.Run("session edited while waiting for the lock is validated again", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.locker.onObtain = func() {
			stored, err := f.sessions.Get(ctx, "R-1")
			require.NoError(t, err)
			require.NoError(t, stored.ToggleInvoiceSelection("I-1", false))
			require.NoError(t, f.sessions.Save(ctx, stored))
		}

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeValidation)
		f.backend.AssertNotCalled(t, "PostVerification", mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, f.locker.held)
	})

	t.Run("session closed while waiting for the lock", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.locker.onObtain = func() {
			require.NoError(t, f.sessions.Delete(ctx, "R-1"))
		}

		_, err := f.svc.Post(ctx, "R-1", "u-100")
		assertCode(t, err, shared.CodeNotFound)
		f.backend.AssertNotCalled(t, "PostVerification", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("registry failure after commit is a warning", func(t *testing.T) {
		f := newFixture()
		f.open(t)
		f.balance(t)
		f.locker.releaseErr = errors.New("lock expired")
		f.registry.On("IsPosted", mock.Anything, "R-1").Return(false, nil)
		f.backend.On("PostVerification", mock.Anything, "R-1", mock.Anything).Return(nil)
		f.registry.On("Record", mock.Anything, mock.Anything).Return(errors.New("db down"))

		result, err := f.svc.Post(ctx, "R-1", "u-100")
		require.NoError(t, err)
		assert.Equal(t, []string{WarningRegistryUnavailable}, result.Warnings)
	})
}

// =============================================================================
// Close
// =============================================================================

func TestClose(t *testing.T) {
	ctx := context.Background()

	f := newFixture()
	f.open(t)
	require.NoError(t, f.svc.Close(ctx, "R-1", "u-100"))

	_, err := f.svc.Get(ctx, "R-1")
	assertCode(t, err, shared.CodeNotFound)

	err = f.svc.Close(ctx, "R-1", "u-100")
	assertCode(t, err, shared.CodeNotFound)

	f.backend.AssertNotCalled(t, "PostVerification", mock.Anything, mock.Anything, mock.Anything)
}
