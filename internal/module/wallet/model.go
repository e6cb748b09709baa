package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletType identifies the purpose of a wallet.
type WalletType string

const (
	WalletGeneral    WalletType = "general"
	WalletProfit     WalletType = "profit"
	WalletProvider   WalletType = "provider"
	WalletTax        WalletType = "tax"
	WalletStripeFees WalletType = "stripe_fees"
)

// IsPlatform reports whether wallets of this type belong to the platform rather than a company.
func (t WalletType) IsPlatform() bool {
	return t != WalletGeneral
}

// Wallet holds a balance for a company or for the platform (CompanyID nil).
type Wallet struct {
	ID        int64           `json:"id" gorm:"primaryKey"`
	CompanyID *int64          `json:"companyId" gorm:"uniqueIndex:idx_wallets_company_type"`
	Type      WalletType      `json:"type" gorm:"size:32;not null;uniqueIndex:idx_wallets_company_type"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:numeric(14,2);not null;default:0"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TableName returns the table name.
func (Wallet) TableName() string {
	return "wallets"
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxCredit         TransactionType = "credit"
	TxDebit          TransactionType = "debit"
	TxRefund         TransactionType = "refund"
	TxProfit         TransactionType = "profit"
	TxProfitReversal TransactionType = "profit_reversal"
	TxVATRefund      TransactionType = "vat_refund"
	TxTaxReversal    TransactionType = "tax_reversal"
	TxTopUp          TransactionType = "topup"
	TxPurchase       TransactionType = "purchase"
	TxStripeFee      TransactionType = "stripe_fee"
)

// Transaction is one signed ledger entry against a wallet.
// Reference is unique when set and serves as the idempotency key.
type Transaction struct {
	ID          int64           `json:"id" gorm:"primaryKey"`
	WalletID    int64           `json:"walletId" gorm:"not null;index"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(14,2);not null"`
	Type        TransactionType `json:"type" gorm:"size:32;not null"`
	Description string          `json:"description"`
	Reference   *string         `json:"reference,omitempty" gorm:"size:128;uniqueIndex"`
	PlanID      *int64          `json:"planId,omitempty"`
	EmployeeID  *int64          `json:"employeeId,omitempty"`
	EsimID      *int64          `json:"esimId,omitempty"`
	CompanyID   *int64          `json:"companyId,omitempty" gorm:"index"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TableName returns the table name.
func (Transaction) TableName() string {
	return "wallet_transactions"
}

// RefundRequest describes the refund of one cancelled eSIM.
type RefundRequest struct {
	EsimID        int64
	OrderID       string
	CompanyID     int64
	EmployeeID    int64
	PlanID        int64
	RetailPrice   decimal.Decimal
	ProviderPrice decimal.Decimal
	IsUAE         bool
}

// Reference returns the idempotency key of the refund.
func (r RefundRequest) Reference() string {
	return RefundReference(r.OrderID, r.EsimID)
}

// RefundResult reports what a refund credited.
type RefundResult struct {
	AlreadyRefunded bool
	Reference       string
	BaseAmount      decimal.Decimal
	VATAmount       decimal.Decimal
	TotalAmount     decimal.Decimal
	ProfitReversed  bool
	IsUAE           bool
}

// PurchaseCharge describes the wallet side of an eSIM purchase.
type PurchaseCharge struct {
	OrderID       string
	CompanyID     int64
	EmployeeID    int64
	PlanID        int64
	EsimID        *int64
	RetailPrice   decimal.Decimal
	ProviderPrice decimal.Decimal
	IsUAE         bool
}

// ChargeResult reports what a purchase charge debited.
type ChargeResult struct {
	AlreadyCharged bool
	Reference      string
	Total          decimal.Decimal
	VATAmount      decimal.Decimal
	Profit         decimal.Decimal
}

// TopUp is a confirmed card payment crediting a company wallet.
type TopUp struct {
	PaymentIntentID string
	CompanyID       int64
	Amount          decimal.Decimal
	Fee             decimal.Decimal
}
