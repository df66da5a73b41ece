package handlers

import (
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"bitbucket.org/mmdatafocus/billing_backend/workflow"
	"github.com/gin-gonic/gin"
)

// Reporting endpoints are read-only projections; they never mutate engine
// state and may lag behind it by the cache TTL.
func RegisterReportingRoutes(r gin.IRoutes) {
	r.GET("/reporting/daily-summary", dailySummaryHandler)
	r.GET("/reporting/outstanding-receivables", outstandingReceivablesHandler)
}

func dailySummaryHandler(c *gin.Context) {
	date := time.Now().UTC()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			respondError(c, utils.NewFlowError(utils.ErrKindValidation, "", v, "date must be YYYY-MM-DD"))
			return
		}
		date = parsed
	}
	summary, err := workflow.GetDailySummary(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func outstandingReceivablesHandler(c *gin.Context) {
	receivables, err := workflow.GetOutstandingReceivables(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receivables)
}
