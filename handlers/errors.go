package handlers

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var kindToStatus = map[utils.ErrorKind]int{
	utils.ErrKindValidation:        http.StatusBadRequest,
	utils.ErrKindCustomerNotFound:  http.StatusNotFound,
	utils.ErrKindProductNotFound:   http.StatusNotFound,
	utils.ErrKindInvoiceNotFound:   http.StatusNotFound,
	utils.ErrKindInsufficientStock: http.StatusConflict,
	utils.ErrKindInvalidTransition: http.StatusConflict,
	utils.ErrKindVersionConflict:   http.StatusConflict,
	utils.ErrKindInvalidRefund:     http.StatusUnprocessableEntity,
	utils.ErrKindOverpaid:          http.StatusUnprocessableEntity,
	utils.ErrKindOrphanedRefund:    http.StatusAccepted,
	utils.ErrKindTaxComputation:    http.StatusUnprocessableEntity,
}

// respondError maps engine failures onto HTTP statuses; callers branch on
// the kind field, never on message text.
func respondError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"kind":   utils.ErrKindValidation,
			"fields": utils.ProcessValidationErrors(validationErrs),
		})
		return
	}

	var fe *utils.FlowError
	if errors.As(err, &fe) {
		status, ok := kindToStatus[fe.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, fe)
		return
	}

	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"kind": "NotFound", "message": err.Error()})
		return
	}

	config.LogError(config.GetLogger(), "handlers", "respondError", c.FullPath(), nil, err)
	c.JSON(http.StatusInternalServerError, gin.H{"kind": "InternalError", "message": "internal error"})
}
