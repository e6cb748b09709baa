package esim

import (
	"context"

	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/plan"
	"github.com/simdesk/server/internal/module/provider"
	"github.com/simdesk/server/internal/module/wallet"
)

// ProviderClient is the part of the upstream provider API the lifecycle needs.
type ProviderClient interface {
	CheckEsimStatus(ctx context.Context, orderID string) (*provider.StatusResult, error)
	CancelEsim(ctx context.Context, orderID, iccid string) (bool, error)
}

// EmployeeStore resolves owners and resets their plan fields.
type EmployeeStore interface {
	GetEmployee(ctx context.Context, id int64) (*employee.Employee, error)
	GetCompanyForEmployee(ctx context.Context, employeeID int64) (*employee.Company, error)
	ResetPlan(ctx context.Context, employeeID int64) error
}

// PlanReader looks up plans.
type PlanReader interface {
	GetByID(ctx context.Context, id int64) (*plan.Plan, error)
}

// RefundIssuer books refunds into wallets.
type RefundIssuer interface {
	RefundEsim(ctx context.Context, req wallet.RefundRequest) (*wallet.RefundResult, error)
}

// AutoRenewer renews a depleted or expired eSIM.
type AutoRenewer interface {
	ProcessAutoRenewals(ctx context.Context, esimID int64) error
}
