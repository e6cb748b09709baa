package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/shared/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, Repository) {
	t.Helper()
	db := dbtest.Open(t, &Wallet{}, &Transaction{})
	repo := NewRepository(db)
	return NewService(repo, zap.NewNop()), repo
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balance(t *testing.T, repo Repository, companyID *int64, typ WalletType) decimal.Decimal {
	t.Helper()
	w, err := repo.GetOrCreateWallet(context.Background(), companyID, typ)
	require.NoError(t, err)
	return w.Balance
}

func TestVAT(t *testing.T) {
	assert.True(t, VAT(dec("10"), true).Equal(dec("0.50")))
	assert.True(t, VAT(dec("19.99"), true).Equal(dec("1.00")))
	assert.True(t, VAT(dec("10"), false).IsZero())
}

func TestRefundReference(t *testing.T) {
	assert.Equal(t, "refund:B1", RefundReference("B1", 7))
	assert.Equal(t, "refund:esim:7", RefundReference("", 7))
}

func TestService_AddWalletCredit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := int64(1)

	tx, err := svc.AddWalletCredit(ctx, companyID, dec("25"), "manual credit")
	require.NoError(t, err)
	assert.Equal(t, TxCredit, tx.Type)
	assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("25")))

	_, err = svc.AddWalletCredit(ctx, companyID, dec("-1"), "bad")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestService_AddWalletTransaction(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	w, err := repo.GetOrCreateWallet(ctx, nil, WalletProfit)
	require.NoError(t, err)

	require.NoError(t, svc.AddWalletTransaction(ctx, w.ID, dec("4"), TxProfit, "profit", "ref-1"))
	require.NoError(t, svc.AddWalletTransaction(ctx, w.ID, dec("4"), TxProfit, "profit", "ref-1"))
	require.NoError(t, svc.AddWalletTransaction(ctx, w.ID, dec("-1"), TxDebit, "adjust", ""))

	assert.True(t, balance(t, repo, nil, WalletProfit).Equal(dec("3")))

	txs, err := repo.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestService_UpdateWalletBalance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := int64(5)

	_, err := svc.AddWalletCredit(ctx, companyID, dec("10"), "seed")
	require.NoError(t, err)
	w, err := repo.GetOrCreateWallet(ctx, &companyID, WalletGeneral)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateWalletBalance(ctx, w.ID, dec("4")))
	assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("4")))

	txs, err := repo.ListTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxDebit, txs[1].Type)
	assert.True(t, txs[1].Amount.Equal(dec("-6")))

	assert.ErrorIs(t, svc.UpdateWalletBalance(ctx, 999, dec("1")), ErrWalletNotFound)
}

func TestService_RefundEsim(t *testing.T) {
	t.Run("uae company gets vat and refund happens once", func(t *testing.T) {
		svc, repo := newTestService(t)
		ctx := context.Background()
		companyID := int64(1)

		req := RefundRequest{
			EsimID:        11,
			OrderID:       "B100",
			CompanyID:     companyID,
			EmployeeID:    3,
			PlanID:        4,
			RetailPrice:   dec("10"),
			ProviderPrice: dec("6"),
			IsUAE:         true,
		}

		res, err := svc.RefundEsim(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.AlreadyRefunded)
		assert.True(t, res.BaseAmount.Equal(dec("10")))
		assert.True(t, res.VATAmount.Equal(dec("0.5")))
		assert.True(t, res.TotalAmount.Equal(dec("10.5")))
		assert.True(t, res.ProfitReversed)

		assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("10.5")))
		assert.True(t, balance(t, repo, nil, WalletTax).Equal(dec("-0.5")))
		assert.True(t, balance(t, repo, nil, WalletProfit).Equal(dec("-4")))

		again, err := svc.RefundEsim(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.AlreadyRefunded)
		assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("10.5")))

		general, err := repo.GetOrCreateWallet(ctx, &companyID, WalletGeneral)
		require.NoError(t, err)
		txs, err := repo.ListTransactions(ctx, general.ID)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, TxRefund, txs[0].Type)
		assert.Equal(t, TxVATRefund, txs[1].Type)
	})

	t.Run("non uae company gets base only", func(t *testing.T) {
		svc, repo := newTestService(t)
		ctx := context.Background()
		companyID := int64(2)

		res, err := svc.RefundEsim(ctx, RefundRequest{
			EsimID:        12,
			OrderID:       "B200",
			CompanyID:     companyID,
			RetailPrice:   dec("10"),
			ProviderPrice: dec("12"),
		})
		require.NoError(t, err)
		assert.True(t, res.VATAmount.IsZero())
		assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("10")))
		assert.True(t, balance(t, repo, nil, WalletTax).IsZero())
		assert.True(t, balance(t, repo, nil, WalletProfit).IsZero())
	})
}

func TestService_ChargeEsimPurchase(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := int64(1)

	charge := PurchaseCharge{
		OrderID:       "B300",
		CompanyID:     companyID,
		EmployeeID:    2,
		PlanID:        3,
		RetailPrice:   dec("10"),
		ProviderPrice: dec("7"),
		IsUAE:         true,
	}

	_, err := svc.ChargeEsimPurchase(ctx, charge)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, balance(t, repo, &companyID, WalletGeneral).IsZero())

	_, err = svc.AddWalletCredit(ctx, companyID, dec("20"), "seed")
	require.NoError(t, err)

	res, err := svc.ChargeEsimPurchase(ctx, charge)
	require.NoError(t, err)
	assert.True(t, res.Total.Equal(dec("10.5")))
	assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("9.5")))
	assert.True(t, balance(t, repo, nil, WalletTax).Equal(dec("0.5")))
	assert.True(t, balance(t, repo, nil, WalletProfit).Equal(dec("3")))
	assert.True(t, balance(t, repo, nil, WalletProvider).Equal(dec("-7")))

	again, err := svc.ChargeEsimPurchase(ctx, charge)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCharged)
	assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("9.5")))
}

func TestService_CreditTopUp(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := int64(9)

	topUp := TopUp{PaymentIntentID: "pi_1", CompanyID: companyID, Amount: dec("50"), Fee: dec("1.75")}

	credited, err := svc.CreditTopUp(ctx, topUp)
	require.NoError(t, err)
	assert.True(t, credited)

	credited, err = svc.CreditTopUp(ctx, topUp)
	require.NoError(t, err)
	assert.False(t, credited)

	assert.True(t, balance(t, repo, &companyID, WalletGeneral).Equal(dec("50")))
	assert.True(t, balance(t, repo, nil, WalletStripeFees).Equal(dec("1.75")))
}

func TestRepository_PlatformWalletHasNoCompany(t *testing.T) {
	_, repo := newTestService(t)
	companyID := int64(1)

	_, err := repo.GetOrCreateWallet(context.Background(), &companyID, WalletTax)
	assert.ErrorIs(t, err, ErrPlatformWallet)

	w, err := repo.GetOrCreateWallet(context.Background(), nil, WalletTax)
	require.NoError(t, err)
	assert.Nil(t, w.CompanyID)
}
