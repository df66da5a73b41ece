package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/gin-gonic/gin"
)

func RegisterTaxRoutes(r gin.IRoutes) {
	r.POST("/tax-rates", createTaxRateHandler)
	r.GET("/tax-rates/:jurisdiction", getJurisdictionTaxesHandler)
}

func createTaxRateHandler(c *gin.Context) {
	var input models.NewTaxRate
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	rate, err := models.CreateTaxRate(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rate)
}

func getJurisdictionTaxesHandler(c *gin.Context) {
	jurisdiction := c.Param("jurisdiction")
	if jurisdiction == "" {
		respondError(c, utils.NewFlowError(utils.ErrKindValidation, "taxRate", "", "jurisdiction is required"))
		return
	}
	components, err := models.GetJurisdictionTaxes(c.Request.Context(), jurisdiction)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, components)
}
