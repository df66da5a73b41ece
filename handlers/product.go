package handlers

import (
	"net/http"

	"bitbucket.org/mmdatafocus/billing_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func RegisterProductRoutes(r gin.IRoutes) {
	r.POST("/products", createProductHandler)
	r.GET("/products", listProductsHandler)
	r.GET("/products/:id", getProductHandler)
	r.PUT("/products/:id", updateProductHandler)
	r.DELETE("/products/:id", deleteProductHandler)

	// Standalone reservation trio for admin tooling. Invoice confirmation
	// makes its own reservations internally.
	r.POST("/products/:id/reserve", reserveStockHandler)
	r.POST("/reservations/:token/commit", commitReservationHandler)
	r.POST("/reservations/:token/release", releaseReservationHandler)
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func listProductsHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	products, err := models.GetProducts(c.Request.Context(), name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func getProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func updateProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.UpdateProduct(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func deleteProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.DeleteProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func reserveStockHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var body struct {
		Qty decimal.Decimal `json:"qty" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, err)
		return
	}
	reservation, err := models.ReserveStock(c.Request.Context(), id, body.Qty)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reservation)
}

func commitReservationHandler(c *gin.Context) {
	if err := models.CommitReservation(c.Request.Context(), c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func releaseReservationHandler(c *gin.Context) {
	if err := models.ReleaseReservation(c.Request.Context(), c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
