package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/arbook/internal/application/arbook"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/shared/valueobject"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/erp/arbook/internal/infrastructure/config"
	"github.com/erp/arbook/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.BackendConfig{
		BaseURL:         srv.URL + "/api/v1",
		Token:           "service-token",
		Timeout:         2 * time.Second,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func writeData(t *testing.T, w http.ResponseWriter, data string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_, err := io.WriteString(w, `{"success":true,"data":`+data+`}`)
	assert.NoError(t, err)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(dateLayout, s)
	require.NoError(t, err)
	return d
}

// ==== Construction ====

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(config.BackendConfig{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

// ==== AR Book sources ====

func TestClient_GetLedgerRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/ar/ledger", r.URL.Path)
		assert.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "C-001", q.Get("customer_id"))
		assert.Equal(t, "ORG1", q.Get("org_id"))
		assert.Equal(t, "BR1", q.Get("branch_id"))
		assert.Equal(t, "2024-01-01", q.Get("from_date"))
		assert.Equal(t, "2024-01-31", q.Get("to_date"))

		writeData(t, w, `[
			{"reference_no":" INV-1 ","ledger_date":"2024-01-05","currency_code":"USD","exchange_rate":"15000","invoice_amount":"10"},
			{"reference_no":"RC-1","ledger_date":"2024-01-20T00:00:00Z","currency_code":"","exchange_rate":null,"receipt_amount":150000}
		]`)
	})

	rows, err := c.GetLedgerRows(context.Background(), arbook.LedgerRequest{
		CustomerID: "C-001",
		OrgID:      "ORG1",
		BranchID:   "BR1",
		FromDate:   day(t, "2024-01-01"),
		ToDate:     day(t, "2024-01-31"),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "INV-1", rows[0].ReferenceNo)
	assert.Equal(t, day(t, "2024-01-05"), rows[0].LedgerDate)
	assert.Equal(t, valueobject.Currency("USD"), rows[0].CurrencyCode)
	assert.True(t, rows[0].ExchangeRate.Equal(decimal.NewFromInt(15000)))
	assert.True(t, rows[0].InvoiceAmount.Equal(decimal.NewFromInt(10)))
	assert.True(t, rows[0].ReceiptAmount.IsZero())

	assert.Equal(t, valueobject.BaseCurrency, rows[1].CurrencyCode)
	assert.True(t, rows[1].ExchangeRate.IsZero())
	assert.True(t, rows[1].ReceiptAmount.Equal(decimal.NewFromInt(150000)))
}

func TestClient_GetLedgerRows_LenientAmounts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, `[
			{"reference_no":"INV-1","ledger_date":"2024-01-05","currency_code":"IDR","exchange_rate":"","invoice_amount":"1,234.50","receipt_amount":""},
			{"reference_no":"DN-1","ledger_date":"2024-01-06","currency_code":"IDR","debit_note_amount":" 2,000 ","credit_note_amount":"n/a"}
		]`)
	})

	rows, err := c.GetLedgerRows(context.Background(), arbook.LedgerRequest{CustomerID: "C-001"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].ExchangeRate.IsZero())
	assert.True(t, rows[0].InvoiceAmount.Equal(decimal.RequireFromString("1234.50")))
	assert.True(t, rows[0].ReceiptAmount.IsZero())
	assert.True(t, rows[1].DebitNoteAmount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, rows[1].CreditNoteAmount.IsZero())
}

func TestClient_GetOutstandingInvoices_DisplayFormattedBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, `[
			{"invoice_id":"I-1","invoice_no":"INV-1","invoice_date":"2024-01-05","balance_due":"1,234.50"},
			{"invoice_id":"I-2","invoice_no":"INV-2","invoice_date":"2024-01-06","balance_due":""}
		]`)
	})

	invoices, err := c.GetOutstandingInvoices(context.Background(), "C-001")
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.True(t, invoices[0].BalanceDue.Equal(decimal.RequireFromString("1234.50")))
	assert.True(t, invoices[1].BalanceDue.IsZero())
}

func TestClient_GetSalesDetailInvoiceNumbers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ar/sales-details/invoice-numbers", r.URL.Path)
		assert.Equal(t, "ITEM-9", r.URL.Query().Get("item_id"))
		writeData(t, w, `["INV-1","INV-3"]`)
	})

	numbers, err := c.GetSalesDetailInvoiceNumbers(context.Background(), "C-001", "ITEM-9",
		day(t, "2024-01-01"), day(t, "2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-1", "INV-3"}, numbers)
}

func TestClient_Masters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/masters/customers":
			writeData(t, w, `[{"customer_id":"C-001","customer_code":"ACME","customer_name":"Acme","currency_code":"USD"}]`)
		case "/api/v1/masters/currency-rates":
			writeData(t, w, `[{"currency_code":"USD","exchange_rate":"15000"},{"currency_code":"SGD","exchange_rate":11500.5}]`)
		default:
			http.NotFound(w, r)
		}
	})

	customers, err := c.GetCustomers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []arbook.Customer{{ID: "C-001", Code: "ACME", Name: "Acme", CurrencyCode: "USD"}}, customers)

	rates, err := c.GetCurrencyRates(context.Background())
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.True(t, rates["USD"].Equal(decimal.NewFromInt(15000)))
	assert.True(t, rates["SGD"].Equal(decimal.RequireFromString("11500.5")))
}

// ==== Retries and error mapping ====

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeData(t, w, `[]`)
	})

	rates, err := c.GetCurrencyRates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rates)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetCustomers(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrDataUnavailable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		code     string
		wantCode string
	}{
		{"backend code kept", http.StatusConflict, "already_posted", shared.CodeAlreadyPosted},
		{"bad request without code", http.StatusBadRequest, "", shared.CodeInvalidInput},
		{"unprocessable without code", http.StatusUnprocessableEntity, "", shared.CodeInvalidState},
		{"unauthorized service token", http.StatusUnauthorized, "", shared.CodeDataUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeError(w, tt.status, tt.code, "rejected by backend")
			})

			_, err := c.GetOutstandingInvoices(context.Background(), "C-001")
			require.Error(t, err)

			var de *shared.DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.wantCode, de.Code)
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	})

	_, err := c.GetCustomers(context.Background())
	assert.ErrorIs(t, err, shared.ErrDataUnavailable)
}

func TestClient_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, `[]`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetCustomers(ctx)
	assert.Error(t, err)
}

// ==== Verification sources ====

func TestClient_GetReceipt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ar/receipts/RC-1":
			writeData(t, w, `{"receipt_id":"RC-1","receipt_no":"RV/001","customer_id":"C-001","receipt_date":"2024-02-01","amount":"1000000","currency_code":"IDR"}`)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such receipt")
		}
	})

	r, err := c.GetReceipt(context.Background(), "RC-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "RV/001", r.ReceiptNo)
	assert.Equal(t, day(t, "2024-02-01"), r.ReceiptDate)
	assert.True(t, r.Amount.Equal(decimal.NewFromInt(1000000)))

	missing, err := c.GetReceipt(context.Background(), "RC-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_GetPendingReceiptsAndInvoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ar/receipts/pending":
			assert.Equal(t, "C-001", r.URL.Query().Get("customer_id"))
			writeData(t, w, `[{"receipt_id":"RC-1","amount":"10","currency_code":"USD","exchange_rate":"15000"}]`)
		case "/api/v1/ar/invoices/outstanding":
			writeData(t, w, `[{"invoice_id":"I-1","invoice_no":"INV-1","invoice_date":"2024-01-05","balance_due":"950000"}]`)
		}
	})

	receipts, err := c.GetPendingReceipts(context.Background(), "C-001")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, valueobject.Currency("USD"), receipts[0].CurrencyCode)
	assert.True(t, receipts[0].ExchangeRate.Equal(decimal.NewFromInt(15000)))

	invoices, err := c.GetOutstandingInvoices(context.Background(), "C-001")
	require.NoError(t, err)
	assert.Equal(t, []verification.OutstandingInvoice{{
		InvoiceID:   "I-1",
		InvoiceNo:   "INV-1",
		InvoiceDate: day(t, "2024-01-05"),
		BalanceDue:  decimal.NewFromInt(950000),
	}}, invoices)
}

func testSubmission() verification.Submission {
	return verification.Submission{
		ReceiptID:      "RC-1",
		CustomerID:     "C-001",
		ActingUser:     "1042",
		CurrencyCode:   "IDR",
		ExchangeRate:   decimal.NewFromInt(1),
		ReceiptAmount:  decimal.NewFromInt(1000000),
		BankCharges:    decimal.NewFromInt(50000),
		TaxDeduction:   decimal.Zero,
		AdvancePayment: decimal.Zero,
		Allocations: []verification.AllocationLine{{
			InvoiceID:       "I-1",
			InvoiceNo:       "INV-1",
			PaymentType:     verification.PaymentTypeFull,
			AmountAllocated: decimal.NewFromInt(950000),
			Selected:        true,
		}},
		Utilization: verification.Utilization{
			TotalAllocated: decimal.NewFromInt(950000),
			TotalUtilized:  decimal.NewFromInt(1000000),
			Variance:       decimal.Zero,
			IsValid:        true,
		},
	}
}

func TestClient_PostVerification(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ar/receipts/RC-1/verification", r.URL.Path)
		assert.Equal(t, "1042", r.Header.Get("X-Acting-User"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeData(t, w, `null`)
	})

	ctx := logger.WithUserID(logger.WithRequestID(context.Background(), "req-1"), "1042")
	require.NoError(t, c.PostVerification(ctx, "RC-1", testSubmission()))

	assert.Equal(t, "1042", body["acting_user"])
	assert.Equal(t, "950000", body["total_allocated"])
	assert.Equal(t, "0", body["variance"])
	allocations, ok := body["allocations"].([]any)
	require.True(t, ok)
	require.Len(t, allocations, 1)
	assert.Equal(t, "FULL", allocations[0].(map[string]any)["payment_type"])
}

func TestClient_PostVerificationIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.PostVerification(context.Background(), "RC-1", testSubmission())
	assert.ErrorIs(t, err, shared.ErrDataUnavailable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_SaveDraft(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.URL.Path != "/api/v1/ar/receipts/RC-1/verification/draft" {
			writeError(w, http.StatusNotFound, "", "")
			return
		}
		writeData(t, w, `{}`)
	})

	require.NoError(t, c.SaveDraft(context.Background(), "RC-1", testSubmission()))
	assert.EqualValues(t, 2, calls.Load())

	err := c.SaveDraft(context.Background(), "RC-404", testSubmission())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
