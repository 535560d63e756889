package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/erp/arbook/internal/application/arbook"
	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/ledger"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/erp/arbook/internal/domain/verification"
	"github.com/shopspring/decimal"
)

// Backend paths
const (
	pathLedger           = "/ar/ledger"
	pathSalesInvoiceNos  = "/ar/sales-details/invoice-numbers"
	pathCustomers        = "/masters/customers"
	pathCurrencyRates    = "/masters/currency-rates"
	pathPendingReceipts  = "/ar/receipts/pending"
	pathReceipts         = "/ar/receipts/"
	pathOutstandingInvs  = "/ar/invoices/outstanding"
	verificationDraftSfx = "/verification/draft"
	verificationSfx      = "/verification"
)

var (
	_ arbook.LedgerSource            = (*Client)(nil)
	_ arbook.MasterSource            = (*Client)(nil)
	_ appverification.ReceiptSource  = (*Client)(nil)
	_ appverification.InvoiceSource  = (*Client)(nil)
	_ appverification.ReceiptBackend = (*Client)(nil)
)

// GetLedgerRows implements arbook.LedgerSource
func (c *Client) GetLedgerRows(ctx context.Context, req arbook.LedgerRequest) ([]ledger.Row, error) {
	q := url.Values{}
	q.Set("customer_id", req.CustomerID)
	q.Set("org_id", req.OrgID)
	q.Set("branch_id", req.BranchID)
	q.Set("from_date", req.FromDate.Format(dateLayout))
	q.Set("to_date", req.ToDate.Format(dateLayout))

	var dtos []ledgerRowDTO
	if err := c.get(ctx, pathLedger, q, &dtos); err != nil {
		return nil, err
	}
	rows := make([]ledger.Row, 0, len(dtos))
	for _, d := range dtos {
		rows = append(rows, d.toRow())
	}
	return rows, nil
}

// GetSalesDetailInvoiceNumbers implements arbook.LedgerSource
func (c *Client) GetSalesDetailInvoiceNumbers(ctx context.Context, customerID, itemID string, from, to time.Time) ([]string, error) {
	q := url.Values{}
	q.Set("customer_id", customerID)
	q.Set("item_id", itemID)
	q.Set("from_date", from.Format(dateLayout))
	q.Set("to_date", to.Format(dateLayout))

	var numbers []string
	if err := c.get(ctx, pathSalesInvoiceNos, q, &numbers); err != nil {
		return nil, err
	}
	return numbers, nil
}

// GetCustomers implements arbook.MasterSource
func (c *Client) GetCustomers(ctx context.Context) ([]arbook.Customer, error) {
	var dtos []customerDTO
	if err := c.get(ctx, pathCustomers, nil, &dtos); err != nil {
		return nil, err
	}
	customers := make([]arbook.Customer, 0, len(dtos))
	for _, d := range dtos {
		customers = append(customers, d.toCustomer())
	}
	return customers, nil
}

// GetCurrencyRates implements arbook.MasterSource
func (c *Client) GetCurrencyRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	var dtos []currencyRateDTO
	if err := c.get(ctx, pathCurrencyRates, nil, &dtos); err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(dtos))
	for _, d := range dtos {
		rates[d.CurrencyCode] = d.ExchangeRate.Decimal
	}
	return rates, nil
}

// GetPendingReceipts implements verification.ReceiptSource
func (c *Client) GetPendingReceipts(ctx context.Context, customerID string) ([]verification.Receipt, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	var dtos []receiptDTO
	if err := c.get(ctx, pathPendingReceipts, q, &dtos); err != nil {
		return nil, err
	}
	receipts := make([]verification.Receipt, 0, len(dtos))
	for _, d := range dtos {
		receipts = append(receipts, d.toReceipt())
	}
	return receipts, nil
}

// GetReceipt implements verification.ReceiptSource. An unknown receipt yields nil, nil.
func (c *Client) GetReceipt(ctx context.Context, receiptID string) (*verification.Receipt, error) {
	var dto receiptDTO
	err := c.get(ctx, pathReceipts+url.PathEscape(receiptID), nil, &dto)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := dto.toReceipt()
	return &r, nil
}

// GetOutstandingInvoices implements verification.InvoiceSource
func (c *Client) GetOutstandingInvoices(ctx context.Context, customerID string) ([]verification.OutstandingInvoice, error) {
	q := url.Values{}
	q.Set("customer_id", customerID)

	var dtos []outstandingInvoiceDTO
	if err := c.get(ctx, pathOutstandingInvs, q, &dtos); err != nil {
		return nil, err
	}
	invoices := make([]verification.OutstandingInvoice, 0, len(dtos))
	for _, d := range dtos {
		invoices = append(invoices, d.toInvoice())
	}
	return invoices, nil
}

// SaveDraft implements verification.ReceiptBackend. Drafts overwrite, so the call is retried.
func (c *Client) SaveDraft(ctx context.Context, receiptID string, sub verification.Submission) error {
	path := pathReceipts + url.PathEscape(receiptID) + verificationDraftSfx
	return notFoundAsError(c.send(ctx, http.MethodPut, path, newSubmissionDTO(sub), c.maxRetries), receiptID)
}

// PostVerification implements verification.ReceiptBackend. It is sent exactly once.
func (c *Client) PostVerification(ctx context.Context, receiptID string, sub verification.Submission) error {
	path := pathReceipts + url.PathEscape(receiptID) + verificationSfx
	return notFoundAsError(c.send(ctx, http.MethodPost, path, newSubmissionDTO(sub), 0), receiptID)
}

func notFoundAsError(err error, receiptID string) error {
	if errors.Is(err, errNotFound) {
		return shared.NewDomainError(shared.CodeNotFound, "receipt "+receiptID+" not found in ERP backend")
	}
	return err
}
