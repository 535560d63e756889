package router

import (
	"github.com/erp/arbook/internal/interfaces/http/handler"
	"github.com/gin-gonic/gin"
)

// NewARBookRoutes mounts the AR book screen under /ar/book
func NewARBookRoutes(h *handler.ARBookHandler, guard ...gin.HandlerFunc) *DomainGroup {
	return NewDomainGroup("ar-book", "/ar/book").
		Use(guard...).
		GET("", h.GetBook).
		GET("/export", h.ExportBook)
}

// NewVerificationRoutes mounts the receipt verification screen under /ar
func NewVerificationRoutes(h *handler.VerificationHandler, guard ...gin.HandlerFunc) *DomainGroup {
	ar := NewDomainGroup("ar-verification", "/ar").Use(guard...)

	ar.Group("ar-verification", "/receipts").
		GET("/pending", h.ListPending).
		GET("/:receipt_id/posting", h.GetPosting)

	ar.Group("ar-verification", "/verifications").
		POST("", h.Open).
		GET("/:receipt_id", h.Get).
		DELETE("/:receipt_id", h.Close).
		PUT("/:receipt_id/invoices/:invoice_id/selection", h.ToggleInvoice).
		PUT("/:receipt_id/invoices/:invoice_id/payment-type", h.SetPaymentType).
		PUT("/:receipt_id/invoices/:invoice_id/amount", h.SetAmount).
		PUT("/:receipt_id/selection", h.SelectAll).
		PUT("/:receipt_id/deductions", h.SetDeductions).
		PUT("/:receipt_id/exchange-rate", h.SetExchangeRate).
		GET("/:receipt_id/utilization", h.Utilization).
		POST("/:receipt_id/draft", h.SaveDraft).
		POST("/:receipt_id/post", h.Post)

	return ar
}
