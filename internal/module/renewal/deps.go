package renewal

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/plan"
	"github.com/simdesk/server/internal/module/provider"
	"github.com/simdesk/server/internal/module/wallet"
)

// Purchaser orders and cancels profiles at the provider.
type Purchaser interface {
	PurchaseEsim(ctx context.Context, providerPlanID, email string) (*provider.PurchaseResult, error)
	WaitForEsimActivationData(ctx context.Context, orderID string) (*provider.ActivationData, error)
	CancelEsim(ctx context.Context, orderID, iccid string) (bool, error)
}

// EmployeeStore resolves owners and assigns the renewed plan.
type EmployeeStore interface {
	GetEmployee(ctx context.Context, id int64) (*employee.Employee, error)
	GetCompanyForEmployee(ctx context.Context, employeeID int64) (*employee.Company, error)
	AssignPlan(ctx context.Context, employeeID int64, a employee.PlanAssignment) error
}

// PlanReader looks up plans.
type PlanReader interface {
	GetByID(ctx context.Context, id int64) (*plan.Plan, error)
}

// Charger debits the company for the renewed eSIM.
type Charger interface {
	HasSufficientBalance(ctx context.Context, companyID int64, amount decimal.Decimal) (bool, error)
	ChargeEsimPurchase(ctx context.Context, charge wallet.PurchaseCharge) (*wallet.ChargeResult, error)
}
