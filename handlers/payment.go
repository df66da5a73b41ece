package handlers

import (
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/workflow"
	"github.com/gin-gonic/gin"
)

func RegisterPaymentRoutes(r gin.IRoutes) {
	// Manual entry: an operator records a payment or refund directly.
	r.POST("/payments", applyPaymentHandler)
	// Gateway callback: adapters normalize provider payloads into the
	// same event shape; delivery may repeat, so this path carries the
	// durable idempotency guard.
	r.POST("/payments/callback", paymentCallbackHandler)
	r.GET("/invoices/:id/payments", listInvoicePaymentsHandler)
	r.GET("/orphaned-refunds/escalated", listEscalatedOrphansHandler)
}

func queryInt(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func paymentResultStatusCode(status workflow.PaymentResultStatus) int {
	switch status {
	case workflow.PaymentResultOrphanedRefund:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func applyPaymentHandler(c *gin.Context) {
	var event workflow.PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, err)
		return
	}
	result, err := workflow.ApplyPayment(c.Request.Context(), &event)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(paymentResultStatusCode(result.Status), result)
}

func paymentCallbackHandler(c *gin.Context) {
	var event workflow.PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		respondError(c, err)
		return
	}
	result, err := workflow.ApplyPaymentFromCallback(c.Request.Context(), &event)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(paymentResultStatusCode(result.Status), result)
}

func listInvoicePaymentsHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	payments, err := models.GetInvoicePayments(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payments)
}

func listEscalatedOrphansHandler(c *gin.Context) {
	orphans, err := models.GetEscalatedOrphanedRefunds(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orphans)
}
