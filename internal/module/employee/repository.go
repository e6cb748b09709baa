package employee

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository defines the interface for employee and company data access.
type Repository interface {
	CreateCompany(ctx context.Context, c *Company) error
	CreateEmployee(ctx context.Context, e *Employee) error
	GetEmployee(ctx context.Context, id int64) (*Employee, error)
	GetCompany(ctx context.Context, id int64) (*Company, error)
	// GetCompanyForEmployee resolves the employee's company.
	GetCompanyForEmployee(ctx context.Context, employeeID int64) (*Company, error)
	// ResetPlan clears the employee's current plan and disables auto-renewal.
	ResetPlan(ctx context.Context, employeeID int64) error
	AssignPlan(ctx context.Context, employeeID int64, a PlanAssignment) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new employee repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateCompany(ctx context.Context, c *Company) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (r *repository) CreateEmployee(ctx context.Context, e *Employee) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("create employee: %w", err)
	}
	return nil
}

func (r *repository) GetEmployee(ctx context.Context, id int64) (*Employee, error) {
	var e Employee
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEmployeeNotFound
		}
		return nil, fmt.Errorf("get employee %d: %w", id, err)
	}
	return &e, nil
}

func (r *repository) GetCompany(ctx context.Context, id int64) (*Company, error) {
	var c Company
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("get company %d: %w", id, err)
	}
	return &c, nil
}

func (r *repository) GetCompanyForEmployee(ctx context.Context, employeeID int64) (*Company, error) {
	e, err := r.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if e.CompanyID == nil {
		return nil, ErrNoCompany
	}
	return r.GetCompany(ctx, *e.CompanyID)
}

func (r *repository) ResetPlan(ctx context.Context, employeeID int64) error {
	result := r.db.WithContext(ctx).Model(&Employee{}).
		Where("id = ?", employeeID).
		Updates(map[string]any{
			"current_plan_id":    nil,
			"data_usage":         decimal.Zero,
			"data_limit":         decimal.Zero,
			"plan_start_date":    nil,
			"plan_end_date":      nil,
			"auto_renew_enabled": false,
		})
	if result.Error != nil {
		return fmt.Errorf("reset employee plan %d: %w", employeeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEmployeeNotFound
	}
	return nil
}

func (r *repository) AssignPlan(ctx context.Context, employeeID int64, a PlanAssignment) error {
	result := r.db.WithContext(ctx).Model(&Employee{}).
		Where("id = ?", employeeID).
		Updates(map[string]any{
			"current_plan_id": a.PlanID,
			"data_usage":      decimal.Zero,
			"data_limit":      a.DataLimit,
			"plan_start_date": a.StartDate,
			"plan_end_date":   a.EndDate,
		})
	if result.Error != nil {
		return fmt.Errorf("assign plan to employee %d: %w", employeeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEmployeeNotFound
	}
	return nil
}
