package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service moves money between company and platform wallets.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new wallet service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger.Named("wallet")}
}

// AddWalletCredit credits a company's general wallet.
func (s *Service) AddWalletCredit(ctx context.Context, companyID int64, amount decimal.Decimal, description string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var created *Transaction
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		w, err := repo.GetOrCreateWallet(ctx, &companyID, WalletGeneral)
		if err != nil {
			return err
		}
		created, err = post(ctx, repo, w, entry{amount: amount, typ: TxCredit, description: description, companyID: &companyID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit company %d: %w", companyID, err)
	}
	return created, nil
}

// AddWalletTransaction posts a signed amount to a wallet and records it.
// A non-empty reference makes the call idempotent.
func (s *Service) AddWalletTransaction(ctx context.Context, walletID int64, amount decimal.Decimal, typ TransactionType, description, reference string) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		if reference != "" {
			if _, err := repo.GetTransactionByReference(ctx, reference); err == nil {
				return nil
			} else if !errors.Is(err, ErrTransactionNotFound) {
				return err
			}
		}
		w, err := repo.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		_, err = post(ctx, repo, w, entry{amount: amount, typ: typ, description: description, reference: reference, companyID: w.CompanyID})
		return err
	})
}

// UpdateWalletBalance overwrites a balance and records the correction.
func (s *Service) UpdateWalletBalance(ctx context.Context, walletID int64, newBalance decimal.Decimal) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		w, err := repo.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if err := repo.SetBalance(ctx, walletID, newBalance); err != nil {
			return err
		}
		delta := newBalance.Sub(w.Balance)
		typ := TxCredit
		if delta.IsNegative() {
			typ = TxDebit
		}
		s.logger.Info("wallet balance corrected",
			zap.Int64("wallet_id", walletID),
			zap.String("old_balance", w.Balance.StringFixed(2)),
			zap.String("new_balance", newBalance.StringFixed(2)),
		)
		return repo.CreateTransaction(ctx, &Transaction{
			WalletID:    walletID,
			Amount:      delta,
			Type:        typ,
			Description: "Balance correction",
			CompanyID:   w.CompanyID,
		})
	})
}

// GetBalance returns the balance of a company wallet, zero when it does not exist yet.
func (s *Service) GetBalance(ctx context.Context, companyID int64, walletType WalletType) (decimal.Decimal, error) {
	w, err := s.repo.GetOrCreateWallet(ctx, &companyID, walletType)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// RefundEsim credits the retail price (plus VAT for UAE companies) back to the
// company and reverses the platform profit, all in one transaction.
// A refund already recorded under the same reference is reported, not repeated.
func (s *Service) RefundEsim(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ref := req.Reference()
	result := &RefundResult{
		Reference:  ref,
		BaseAmount: req.RetailPrice,
		VATAmount:  VAT(req.RetailPrice, req.IsUAE),
		IsUAE:      req.IsUAE,
	}
	result.TotalAmount = result.BaseAmount.Add(result.VATAmount)

	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := repo.GetTransactionByReference(ctx, ref); err == nil {
			result.AlreadyRefunded = true
			return nil
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		general, err := repo.GetOrCreateWallet(ctx, &req.CompanyID, WalletGeneral)
		if err != nil {
			return err
		}
		base := entry{
			amount:      req.RetailPrice,
			typ:         TxRefund,
			description: fmt.Sprintf("Refund for cancelled eSIM %s", req.OrderID),
			reference:   ref,
			planID:      &req.PlanID,
			employeeID:  &req.EmployeeID,
			esimID:      &req.EsimID,
			companyID:   &req.CompanyID,
		}
		if _, err := post(ctx, repo, general, base); err != nil {
			return fmt.Errorf("base refund: %w", err)
		}

		if result.VATAmount.IsPositive() {
			vat := base
			vat.amount = result.VATAmount
			vat.typ = TxVATRefund
			vat.description = fmt.Sprintf("VAT refund for cancelled eSIM %s", req.OrderID)
			vat.reference = ref + ":vat"
			if _, err := post(ctx, repo, general, vat); err != nil {
				return fmt.Errorf("vat refund: %w", err)
			}

			tax, err := repo.GetOrCreateWallet(ctx, nil, WalletTax)
			if err != nil {
				return err
			}
			taxDebit := vat
			taxDebit.amount = result.VATAmount.Neg()
			taxDebit.typ = TxTaxReversal
			taxDebit.reference = ref + ":tax"
			if _, err := post(ctx, repo, tax, taxDebit); err != nil {
				return fmt.Errorf("tax reversal: %w", err)
			}
		}

		profit := req.RetailPrice.Sub(req.ProviderPrice)
		if profit.IsPositive() {
			pw, err := repo.GetOrCreateWallet(ctx, nil, WalletProfit)
			if err != nil {
				return err
			}
			reversal := base
			reversal.amount = profit.Neg()
			reversal.typ = TxProfitReversal
			reversal.description = fmt.Sprintf("Profit reversal for cancelled eSIM %s", req.OrderID)
			reversal.reference = ref + ":profit"
			if _, err := post(ctx, repo, pw, reversal); err != nil {
				return fmt.Errorf("profit reversal: %w", err)
			}
		}
		result.ProfitReversed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund esim %d: %w", req.EsimID, err)
	}

	if result.AlreadyRefunded {
		s.logger.Info("refund already recorded", zap.String("reference", ref))
	} else {
		s.logger.Info("esim refunded",
			zap.Int64("esim_id", req.EsimID),
			zap.Int64("company_id", req.CompanyID),
			zap.String("base", result.BaseAmount.StringFixed(2)),
			zap.String("vat", result.VATAmount.StringFixed(2)),
		)
	}
	return result, nil
}

// ChargeEsimPurchase debits the company for a purchased eSIM and books VAT and profit
// on the platform wallets.
func (s *Service) ChargeEsimPurchase(ctx context.Context, charge PurchaseCharge) (*ChargeResult, error) {
	ref := PurchaseReference(charge.OrderID)
	vat := VAT(charge.RetailPrice, charge.IsUAE)
	result := &ChargeResult{
		Reference: ref,
		Total:     charge.RetailPrice.Add(vat),
		VATAmount: vat,
		Profit:    charge.RetailPrice.Sub(charge.ProviderPrice),
	}

	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := repo.GetTransactionByReference(ctx, ref); err == nil {
			result.AlreadyCharged = true
			return nil
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		general, err := repo.GetOrCreateWallet(ctx, &charge.CompanyID, WalletGeneral)
		if err != nil {
			return err
		}
		ok, err := repo.DebitIfSufficient(ctx, general.ID, result.Total)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientBalance
		}

		base := entry{
			typ:         TxPurchase,
			description: fmt.Sprintf("eSIM purchase %s", charge.OrderID),
			reference:   ref,
			planID:      &charge.PlanID,
			employeeID:  &charge.EmployeeID,
			esimID:      charge.EsimID,
			companyID:   &charge.CompanyID,
		}
		if err := repo.CreateTransaction(ctx, base.transaction(general.ID, result.Total.Neg())); err != nil {
			return err
		}

		if vat.IsPositive() {
			tax, err := repo.GetOrCreateWallet(ctx, nil, WalletTax)
			if err != nil {
				return err
			}
			e := base
			e.amount = vat
			e.typ = TxCredit
			e.description = fmt.Sprintf("VAT on eSIM purchase %s", charge.OrderID)
			e.reference = ref + ":vat"
			if _, err := post(ctx, repo, tax, e); err != nil {
				return err
			}
		}

		if result.Profit.IsPositive() {
			pw, err := repo.GetOrCreateWallet(ctx, nil, WalletProfit)
			if err != nil {
				return err
			}
			e := base
			e.amount = result.Profit
			e.typ = TxProfit
			e.description = fmt.Sprintf("Profit on eSIM purchase %s", charge.OrderID)
			e.reference = ref + ":profit"
			if _, err := post(ctx, repo, pw, e); err != nil {
				return err
			}
		}

		if charge.ProviderPrice.IsPositive() {
			pw, err := repo.GetOrCreateWallet(ctx, nil, WalletProvider)
			if err != nil {
				return err
			}
			e := base
			e.amount = charge.ProviderPrice.Neg()
			e.typ = TxDebit
			e.description = fmt.Sprintf("Provider cost of eSIM purchase %s", charge.OrderID)
			e.reference = ref + ":provider"
			if _, err := post(ctx, repo, pw, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("charge purchase %s: %w", charge.OrderID, err)
	}
	return result, nil
}

// HasSufficientBalance reports whether the company can pay amount from its general wallet.
func (s *Service) HasSufficientBalance(ctx context.Context, companyID int64, amount decimal.Decimal) (bool, error) {
	balance, err := s.GetBalance(ctx, companyID, WalletGeneral)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// CreditTopUp books a confirmed card payment. It returns false when the payment
// was already booked.
func (s *Service) CreditTopUp(ctx context.Context, topUp TopUp) (bool, error) {
	if !topUp.Amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	ref := TopUpReference(topUp.PaymentIntentID)

	credited := false
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := repo.GetTransactionByReference(ctx, ref); err == nil {
			return nil
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		general, err := repo.GetOrCreateWallet(ctx, &topUp.CompanyID, WalletGeneral)
		if err != nil {
			return err
		}
		if _, err := post(ctx, repo, general, entry{
			amount:      topUp.Amount,
			typ:         TxTopUp,
			description: "Card top-up",
			reference:   ref,
			companyID:   &topUp.CompanyID,
		}); err != nil {
			return err
		}

		if topUp.Fee.IsPositive() {
			fees, err := repo.GetOrCreateWallet(ctx, nil, WalletStripeFees)
			if err != nil {
				return err
			}
			if _, err := post(ctx, repo, fees, entry{
				amount:      topUp.Fee,
				typ:         TxStripeFee,
				description: "Card processing fee",
				reference:   ref + ":fee",
				companyID:   &topUp.CompanyID,
			}); err != nil {
				return err
			}
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("top up company %d: %w", topUp.CompanyID, err)
	}
	return credited, nil
}

type entry struct {
	amount      decimal.Decimal
	typ         TransactionType
	description string
	reference   string
	planID      *int64
	employeeID  *int64
	esimID      *int64
	companyID   *int64
}

func (e entry) transaction(walletID int64, amount decimal.Decimal) *Transaction {
	t := &Transaction{
		WalletID:    walletID,
		Amount:      amount,
		Type:        e.typ,
		Description: e.description,
		PlanID:      e.planID,
		EmployeeID:  e.employeeID,
		EsimID:      e.esimID,
		CompanyID:   e.companyID,
	}
	if e.reference != "" {
		ref := e.reference
		t.Reference = &ref
	}
	return t
}

// post applies e.amount to the wallet balance and records the ledger entry.
func post(ctx context.Context, repo Repository, w *Wallet, e entry) (*Transaction, error) {
	if err := repo.AddToBalance(ctx, w.ID, e.amount); err != nil {
		return nil, err
	}
	t := e.transaction(w.ID, e.amount)
	if err := repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
