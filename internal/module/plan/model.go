package plan

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a data plan sold to companies.
type Plan struct {
	ID             int64           `json:"id" gorm:"primaryKey"`
	ProviderPlanID string          `json:"providerPlanId" gorm:"uniqueIndex;size:64;not null"`
	Name           string          `json:"name" gorm:"not null"`
	DataGB         decimal.Decimal `json:"dataGb" gorm:"type:numeric(10,3);not null"`
	ValidityDays   int             `json:"validityDays" gorm:"not null"`
	ProviderPrice  decimal.Decimal `json:"providerPrice" gorm:"type:numeric(12,2);not null"`
	RetailPrice    decimal.Decimal `json:"retailPrice" gorm:"type:numeric(12,2);not null"`
	IsAPIManaged   bool            `json:"isApiManaged" gorm:"default:false"`
	Active         bool            `json:"active" gorm:"default:true"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TableName returns the table name.
func (Plan) TableName() string {
	return "plans"
}

// Profit is the margin recorded when the plan is sold.
func (p *Plan) Profit() decimal.Decimal {
	return p.RetailPrice.Sub(p.ProviderPrice)
}

// Validity returns the plan validity as a duration.
func (p *Plan) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}
