package models

import (
	"context"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
)

type Customer struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:100;default:null" json:"email"`
	Phone     string    `gorm:"size:20;default:null" json:"phone"`
	Notes     string    `gorm:"type:text;default:null" json:"notes"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewCustomer) validate(ctx context.Context, id int) error {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return utils.NewFlowError(utils.ErrKindValidation, "customer", "", "email is not valid")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return utils.NewFlowError(utils.ErrKindValidation, "customer", "", "phone number is not valid")
		}
	}
	return nil
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	customer := Customer{
		Name:     input.Name,
		Email:    input.Email,
		Phone:    input.Phone,
		Notes:    input.Notes,
		IsActive: utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}

	return &customer, nil
}

func UpdateCustomer(ctx context.Context, id int, input *NewCustomer) (*Customer, error) {
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindCustomerNotFound, "customer", strconv.Itoa(id), "customer not found")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(customer).Updates(map[string]interface{}{
		"Name":  input.Name,
		"Email": input.Email,
		"Phone": input.Phone,
		"Notes": input.Notes,
	}).Error
	if err != nil {
		return nil, err
	}

	return customer, nil
}

// DeleteCustomer hard-deletes only when no invoice references the customer;
// referenced customers are soft-deleted instead (audit keeps the identity).
func DeleteCustomer(ctx context.Context, id int) (*Customer, error) {
	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindCustomerNotFound, "customer", strconv.Itoa(id), "customer not found")
	}

	db := config.GetDB()
	var refCount int64
	if err := db.WithContext(ctx).Model(&Invoice{}).Where("customer_id = ?", id).Count(&refCount).Error; err != nil {
		return nil, err
	}
	if refCount > 0 {
		if err := db.WithContext(ctx).Model(customer).Update("IsActive", false).Error; err != nil {
			return nil, err
		}
		customer.IsActive = utils.NewFalse()
		return customer, nil
	}

	if err := db.WithContext(ctx).Delete(customer).Error; err != nil {
		return nil, err
	}
	return customer, nil
}

func ToggleActiveCustomer(ctx context.Context, id int, isActive bool) (*Customer, error) {
	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindCustomerNotFound, "customer", strconv.Itoa(id), "customer not found")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(customer).Update("IsActive", isActive).Error; err != nil {
		return nil, err
	}
	customer.IsActive = &isActive
	return customer, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, utils.NewFlowError(utils.ErrKindCustomerNotFound, "customer", strconv.Itoa(id), "customer not found")
	}
	return customer, nil
}

func GetCustomers(ctx context.Context, name *string) ([]*Customer, error) {
	db := config.GetDB()
	var results []*Customer

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
