package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

// BackendReceipt is a receipt as the ERP backend serves it
type BackendReceipt struct {
	ID           string `json:"receipt_id"`
	ReceiptNo    string `json:"receipt_no"`
	CustomerID   string `json:"customer_id"`
	ReceiptDate  string `json:"receipt_date"`
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currency_code"`
	ExchangeRate string `json:"exchange_rate,omitempty"`
}

// BackendInvoice is an outstanding invoice as the ERP backend serves it
type BackendInvoice struct {
	InvoiceID   string `json:"invoice_id"`
	InvoiceNo   string `json:"invoice_no"`
	InvoiceDate string `json:"invoice_date"`
	BalanceDue  string `json:"balance_due"`
}

// BackendLedgerRow is a ledger row as the ERP backend serves it
type BackendLedgerRow struct {
	ReferenceNo      string `json:"reference_no"`
	LedgerDate       string `json:"ledger_date"`
	CurrencyCode     string `json:"currency_code"`
	ExchangeRate     string `json:"exchange_rate,omitempty"`
	InvoiceAmount    string `json:"invoice_amount,omitempty"`
	ReceiptAmount    string `json:"receipt_amount,omitempty"`
	DebitNoteAmount  string `json:"debit_note_amount,omitempty"`
	CreditNoteAmount string `json:"credit_note_amount,omitempty"`
	Description      string `json:"description,omitempty"`
}

// BackendCustomer is a customer master record
type BackendCustomer struct {
	ID           string `json:"customer_id"`
	Code         string `json:"customer_code"`
	Name         string `json:"customer_name"`
	CurrencyCode string `json:"currency_code"`
}

// BackendRate is a currency master rate
type BackendRate struct {
	CurrencyCode string `json:"currency_code"`
	ExchangeRate string `json:"exchange_rate"`
}

// FakeBackend serves the ERP backend API from memory and records what the
// service writes back
type FakeBackend struct {
	Server *httptest.Server

	mu          sync.Mutex
	receipts    map[string]BackendReceipt
	invoices    map[string][]BackendInvoice
	ledger      map[string][]BackendLedgerRow
	customers   []BackendCustomer
	rates       []BackendRate
	drafts      map[string][]json.RawMessage
	submissions map[string][]json.RawMessage
}

// NewFakeBackend starts a fake backend that is closed with the test
func NewFakeBackend(t *testing.T) *FakeBackend {
	t.Helper()
	fb := &FakeBackend{
		receipts:    make(map[string]BackendReceipt),
		invoices:    make(map[string][]BackendInvoice),
		ledger:      make(map[string][]BackendLedgerRow),
		drafts:      make(map[string][]json.RawMessage),
		submissions: make(map[string][]json.RawMessage),
	}

	engine := gin.New()
	api := engine.Group("/api/v1")
	api.GET("/ar/ledger", fb.getLedger)
	api.GET("/ar/sales-details/invoice-numbers", func(c *gin.Context) { ok(c, []string{}) })
	api.GET("/masters/customers", fb.getCustomers)
	api.GET("/masters/currency-rates", fb.getRates)
	api.GET("/ar/receipts/pending", fb.getPending)
	api.GET("/ar/receipts/:receipt_id", fb.getReceipt)
	api.GET("/ar/invoices/outstanding", fb.getInvoices)
	api.PUT("/ar/receipts/:receipt_id/verification/draft", fb.record(fb.drafts))
	api.POST("/ar/receipts/:receipt_id/verification", fb.record(fb.submissions))

	fb.Server = httptest.NewServer(engine)
	t.Cleanup(fb.Server.Close)
	return fb
}

// BaseURL is the API root to configure the backend client with
func (fb *FakeBackend) BaseURL() string {
	return fb.Server.URL + "/api/v1"
}

// AddReceipt makes a receipt pending
func (fb *FakeBackend) AddReceipt(r BackendReceipt) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.receipts[r.ID] = r
}

// SetInvoices replaces a customer's outstanding invoices
func (fb *FakeBackend) SetInvoices(customerID string, invoices ...BackendInvoice) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.invoices[customerID] = invoices
}

// SetLedger replaces a customer's ledger rows
func (fb *FakeBackend) SetLedger(customerID string, rows ...BackendLedgerRow) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.ledger[customerID] = rows
}

// SetMasters replaces the customer and currency masters
func (fb *FakeBackend) SetMasters(customers []BackendCustomer, rates []BackendRate) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.customers = customers
	fb.rates = rates
}

// Drafts returns the draft payloads saved for a receipt
func (fb *FakeBackend) Drafts(receiptID string) []json.RawMessage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]json.RawMessage(nil), fb.drafts[receiptID]...)
}

// Submissions returns the posted payloads for a receipt
func (fb *FakeBackend) Submissions(receiptID string) []json.RawMessage {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]json.RawMessage(nil), fb.submissions[receiptID]...)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (fb *FakeBackend) getLedger(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	rows := fb.ledger[c.Query("customer_id")]
	if rows == nil {
		rows = []BackendLedgerRow{}
	}
	ok(c, rows)
}

func (fb *FakeBackend) getCustomers(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	ok(c, fb.customers)
}

func (fb *FakeBackend) getRates(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	ok(c, fb.rates)
}

func (fb *FakeBackend) getPending(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	customerID := c.Query("customer_id")
	pending := make([]BackendReceipt, 0, len(fb.receipts))
	for _, r := range fb.receipts {
		if customerID == "" || r.CustomerID == customerID {
			pending = append(pending, r)
		}
	}
	ok(c, pending)
}

func (fb *FakeBackend) getReceipt(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	r, found := fb.receipts[c.Param("receipt_id")]
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"code": "NOT_FOUND", "message": "receipt not found"},
		})
		return
	}
	ok(c, r)
}

func (fb *FakeBackend) getInvoices(c *gin.Context) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	invoices := fb.invoices[c.Query("customer_id")]
	if invoices == nil {
		invoices = []BackendInvoice{}
	}
	ok(c, invoices)
}

func (fb *FakeBackend) record(into map[string][]json.RawMessage) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body json.RawMessage
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   gin.H{"code": "INVALID_INPUT", "message": err.Error()},
			})
			return
		}
		fb.mu.Lock()
		id := c.Param("receipt_id")
		into[id] = append(into[id], body)
		fb.mu.Unlock()
		ok(c, nil)
	}
}
