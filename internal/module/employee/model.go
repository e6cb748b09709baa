package employee

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Company owns employees and a set of wallets.
type Company struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Country   string    `json:"country" gorm:"size:64"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the table name.
func (Company) TableName() string {
	return "companies"
}

// IsUAE reports whether the company is registered in the United Arab Emirates.
func (c *Company) IsUAE() bool {
	switch strings.ToUpper(strings.TrimSpace(c.Country)) {
	case "UAE", "AE", "UNITED ARAB EMIRATES":
		return true
	}
	return false
}

// Employee is an eSIM holder belonging to a company.
type Employee struct {
	ID               int64           `json:"id" gorm:"primaryKey"`
	CompanyID        *int64          `json:"companyId" gorm:"index"`
	Email            string          `json:"email" gorm:"not null"`
	Name             string          `json:"name"`
	CurrentPlanID    *int64          `json:"currentPlanId"`
	DataUsage        decimal.Decimal `json:"dataUsage" gorm:"type:numeric(12,3);default:0"`
	DataLimit        decimal.Decimal `json:"dataLimit" gorm:"type:numeric(12,3);default:0"`
	PlanStartDate    *time.Time      `json:"planStartDate"`
	PlanEndDate      *time.Time      `json:"planEndDate"`
	AutoRenewEnabled bool            `json:"autoRenewEnabled" gorm:"default:false"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TableName returns the table name.
func (Employee) TableName() string {
	return "employees"
}

// PlanAssignment describes the plan fields set on an employee.
type PlanAssignment struct {
	PlanID    int64
	DataLimit decimal.Decimal
	StartDate time.Time
	EndDate   time.Time
}
