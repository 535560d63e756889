package handler

import (
	"context"
	"fmt"

	appverification "github.com/erp/arbook/internal/application/verification"
	"github.com/erp/arbook/internal/domain/shared"
	"github.com/gin-gonic/gin"
)

// PostedReceiptReader looks up the registry entry of a posted receipt
type PostedReceiptReader interface {
	// Get returns nil, nil when the receipt was never posted here
	Get(ctx context.Context, receiptID string) (*appverification.PostedReceipt, error)
}

// VerificationHandler serves the receipt verification screen
type VerificationHandler struct {
	BaseHandler
	service *appverification.Service
	posted  PostedReceiptReader
}

// NewVerificationHandler creates a new VerificationHandler
func NewVerificationHandler(service *appverification.Service, posted PostedReceiptReader) *VerificationHandler {
	return &VerificationHandler{service: service, posted: posted}
}

// ListPending lists the customer's receipts that still await verification
func (h *VerificationHandler) ListPending(c *gin.Context) {
	var q PendingQuery
	if !h.BindQuery(c, &q) {
		return
	}
	receipts, err := h.service.ListPending(c.Request.Context(), q.CustomerID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.List(c, receipts, len(receipts))
}

// PostedReceiptResponse is the registry entry of a posted receipt
type PostedReceiptResponse struct {
	ReceiptID      string `json:"receipt_id"`
	CustomerID     string `json:"customer_id"`
	PostedBy       string `json:"posted_by"`
	PostedAt       string `json:"posted_at"`
	Amount         string `json:"amount"`
	CurrencyCode   string `json:"currency_code"`
	TotalAllocated string `json:"total_allocated"`
	Variance       string `json:"variance"`
}

// GetPosting returns who posted a receipt and with which totals
func (h *VerificationHandler) GetPosting(c *gin.Context) {
	receiptID := c.Param("receipt_id")
	rec, err := h.posted.Get(c.Request.Context(), receiptID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if rec == nil {
		h.HandleError(c, shared.NewDomainError(shared.CodeNotFound, fmt.Sprintf("receipt %s is not posted", receiptID)))
		return
	}
	h.Success(c, PostedReceiptResponse{
		ReceiptID:      rec.ReceiptID,
		CustomerID:     rec.CustomerID,
		PostedBy:       rec.PostedBy,
		PostedAt:       rec.PostedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Amount:         rec.Amount.String(),
		CurrencyCode:   rec.CurrencyCode,
		TotalAllocated: rec.TotalAllocated.String(),
		Variance:       rec.Variance.String(),
	})
}

// Open starts a verification session for a receipt
func (h *VerificationHandler) Open(c *gin.Context) {
	var req OpenVerificationRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.Open(c.Request.Context(), req.ReceiptID, actingUser(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, view)
}

// Get returns the open session of a receipt with its utilization
func (h *VerificationHandler) Get(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("receipt_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, view)
}

// ToggleInvoice ticks or unticks one invoice
func (h *VerificationHandler) ToggleInvoice(c *gin.Context) {
	var req InvoiceSelectionRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.ToggleInvoice(c.Request.Context(),
		c.Param("receipt_id"), c.Param("invoice_id"), *req.Selected, actingUser(c))
	h.respondView(c, view, err)
}

// SetPaymentType switches an invoice between Full and Partial
func (h *VerificationHandler) SetPaymentType(c *gin.Context) {
	var req PaymentTypeRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.SetPaymentType(c.Request.Context(),
		c.Param("receipt_id"), c.Param("invoice_id"), req.PaymentType, actingUser(c))
	h.respondView(c, view, err)
}

// SetAmount sets the amount allocated to an invoice
func (h *VerificationHandler) SetAmount(c *gin.Context) {
	var req AmountRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.SetAmount(c.Request.Context(),
		c.Param("receipt_id"), c.Param("invoice_id"), req.Amount, actingUser(c))
	h.respondView(c, view, err)
}

// SelectAll ticks or unticks every invoice
func (h *VerificationHandler) SelectAll(c *gin.Context) {
	var req SelectAllRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.SelectAll(c.Request.Context(), c.Param("receipt_id"), *req.Checked, actingUser(c))
	h.respondView(c, view, err)
}

// SetDeductions updates bank charges, tax deduction and advance payment
func (h *VerificationHandler) SetDeductions(c *gin.Context) {
	var req DeductionsRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.SetDeductions(c.Request.Context(), c.Param("receipt_id"), req.toDeductions(), actingUser(c))
	h.respondView(c, view, err)
}

// SetExchangeRate changes the rate of a foreign-currency receipt
func (h *VerificationHandler) SetExchangeRate(c *gin.Context) {
	var req ExchangeRateRequest
	if !h.BindJSON(c, &req) {
		return
	}
	view, err := h.service.SetExchangeRate(c.Request.Context(), c.Param("receipt_id"), req.ExchangeRate, actingUser(c))
	h.respondView(c, view, err)
}

// Utilization returns the current totals and variance
func (h *VerificationHandler) Utilization(c *gin.Context) {
	u, err := h.service.Utilization(c.Request.Context(), c.Param("receipt_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, u)
}

// SaveDraft stores the session in the backend without requiring balance
func (h *VerificationHandler) SaveDraft(c *gin.Context) {
	view, err := h.service.SaveDraft(c.Request.Context(), c.Param("receipt_id"), actingUser(c))
	h.respondView(c, view, err)
}

// Post commits a balanced verification
func (h *VerificationHandler) Post(c *gin.Context) {
	result, err := h.service.Post(c.Request.Context(), c.Param("receipt_id"), actingUser(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, result, result.Warnings, false)
}

// Close abandons the session without posting
func (h *VerificationHandler) Close(c *gin.Context) {
	if err := h.service.Close(c.Request.Context(), c.Param("receipt_id"), actingUser(c)); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

func (h *VerificationHandler) respondView(c *gin.Context, view *appverification.View, err error) {
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, view, view.Session.Warnings, false)
}
