package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/billing_backend/models"
	"github.com/gin-gonic/gin"
)

func RegisterInvoiceRoutes(r gin.IRoutes) {
	r.POST("/invoices", createInvoiceHandler)
	r.GET("/invoices", listInvoicesHandler)
	r.GET("/invoices/:id", getInvoiceHandler)
	r.GET("/invoices/:id/balance", getInvoiceBalanceHandler)
	r.POST("/invoices/:id/confirm", confirmInvoiceHandler)
	r.POST("/invoices/:id/cancel", cancelInvoiceHandler)
	r.POST("/invoices/:id/close", closeInvoiceHandler)
}

// versionBody carries the caller's last-read version for optimistic
// concurrency. A stale version gets VersionConflict, not a silent overwrite.
type versionBody struct {
	Version int `json:"version" binding:"required"`
}

func createInvoiceHandler(c *gin.Context) {
	var input models.NewInvoice
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.CreateInvoice(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func listInvoicesHandler(c *gin.Context) {
	var customerId *int
	if id, ok := queryInt(c, "customer_id"); ok {
		customerId = &id
	}
	var status *models.InvoiceStatus
	if v := c.Query("status"); v != "" {
		s := models.InvoiceStatus(v)
		status = &s
	}
	invoices, err := models.GetInvoices(c.Request.Context(), customerId, status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoices)
}

func getInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	invoice, err := models.GetInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func getInvoiceBalanceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	balance, err := models.InvoiceBalance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice_id": id, "balance": balance})
}

func confirmInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var body versionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.ConfirmInvoice(c.Request.Context(), id, body.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func cancelInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var body versionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.CancelInvoice(c.Request.Context(), id, body.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func closeInvoiceHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var body versionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	invoice, err := models.CloseInvoice(c.Request.Context(), id, body.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}
