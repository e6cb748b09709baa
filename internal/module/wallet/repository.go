package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository defines the interface for wallet data access.
type Repository interface {
	// Transaction runs fn against a repository bound to one database transaction.
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	GetWallet(ctx context.Context, id int64) (*Wallet, error)
	// GetOrCreateWallet returns the wallet of the given type, creating it on first use.
	// A nil companyID addresses the platform wallet.
	GetOrCreateWallet(ctx context.Context, companyID *int64, walletType WalletType) (*Wallet, error)
	// AddToBalance atomically adds delta to the balance.
	AddToBalance(ctx context.Context, walletID int64, delta decimal.Decimal) error
	// DebitIfSufficient subtracts amount only when the balance covers it.
	DebitIfSufficient(ctx context.Context, walletID int64, amount decimal.Decimal) (bool, error)
	SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID int64) ([]*Transaction, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new wallet repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repository{db: tx})
	})
}

func (r *repository) GetWallet(ctx context.Context, id int64) (*Wallet, error) {
	var w Wallet
	if err := r.db.WithContext(ctx).First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet %d: %w", id, err)
	}
	return &w, nil
}

func (r *repository) GetOrCreateWallet(ctx context.Context, companyID *int64, walletType WalletType) (*Wallet, error) {
	if walletType.IsPlatform() && companyID != nil {
		return nil, fmt.Errorf("%s wallet for company %d: %w", walletType, *companyID, ErrPlatformWallet)
	}

	query := r.db.WithContext(ctx).Where("type = ?", walletType)
	if companyID == nil {
		query = query.Where("company_id IS NULL")
	} else {
		query = query.Where("company_id = ?", *companyID)
	}

	var w Wallet
	err := query.First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find %s wallet: %w", walletType, err)
	}

	w = Wallet{CompanyID: companyID, Type: walletType, Balance: decimal.Zero}
	if err := r.db.WithContext(ctx).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("create %s wallet: %w", walletType, err)
	}
	return &w, nil
}

func (r *repository) AddToBalance(ctx context.Context, walletID int64, delta decimal.Decimal) error {
	result := r.db.WithContext(ctx).Model(&Wallet{}).
		Where("id = ?", walletID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("update wallet %d balance: %w", walletID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (r *repository) DebitIfSufficient(ctx context.Context, walletID int64, amount decimal.Decimal) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Wallet{}).
		Where("id = ? AND balance >= ?", walletID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return false, fmt.Errorf("debit wallet %d: %w", walletID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal) error {
	result := r.db.WithContext(ctx).Model(&Wallet{}).
		Where("id = ?", walletID).
		Update("balance", balance)
	if result.Error != nil {
		return fmt.Errorf("set wallet %d balance: %w", walletID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (r *repository) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("create wallet transaction: %w", err)
	}
	return nil
}

func (r *repository) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var t Transaction
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get wallet transaction %s: %w", reference, err)
	}
	return &t, nil
}

func (r *repository) ListTransactions(ctx context.Context, walletID int64) ([]*Transaction, error) {
	var txs []*Transaction
	if err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("id ASC").
		Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("list wallet %d transactions: %w", walletID, err)
	}
	return txs, nil
}
