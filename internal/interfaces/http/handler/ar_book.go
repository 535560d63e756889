package handler

import (
	"mime"
	"net/http"

	arbookapp "github.com/erp/arbook/internal/application/arbook"
	"github.com/gin-gonic/gin"
)

// ARBookHandler serves the AR book screen
type ARBookHandler struct {
	BaseHandler
	service *arbookapp.Service
}

// NewARBookHandler creates a new ARBookHandler
func NewARBookHandler(service *arbookapp.Service) *ARBookHandler {
	return &ARBookHandler{service: service}
}

// GetBook returns the aggregated AR book of a customer.
// Upstream outages degrade the book; meta.warnings says what is missing.
func (h *ARBookHandler) GetBook(c *gin.Context) {
	var q BookQuery
	if !h.BindQuery(c, &q) {
		return
	}

	book, err := h.service.GetBook(c.Request.Context(), q.toRequest())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarnings(c, book, book.Warnings, book.Degraded())
}

// ExportBook downloads the AR book as xlsx or csv
func (h *ARBookHandler) ExportBook(c *gin.Context) {
	var q ExportQuery
	if !h.BindQuery(c, &q) {
		return
	}

	file, err := h.service.Export(c.Request.Context(), q.toRequest(), q.Format)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}))
	c.Data(http.StatusOK, file.ContentType, file.Content)
}
