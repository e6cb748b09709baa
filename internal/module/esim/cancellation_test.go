package esim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/simdesk/server/internal/module/employee"
	"github.com/simdesk/server/internal/module/plan"
	"github.com/simdesk/server/internal/module/provider"
	"github.com/simdesk/server/internal/module/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (env *testEnv) assignPlan(t *testing.T) {
	t.Helper()
	require.NoError(t, env.employees.AssignPlan(context.Background(), env.employee.ID, employee.PlanAssignment{
		PlanID:    env.plan.ID,
		DataLimit: env.plan.DataGB,
		StartDate: testNow,
		EndDate:   testNow.Add(env.plan.Validity()),
	}))
}

func (env *testEnv) assertPlanReset(t *testing.T, reset bool) {
	t.Helper()
	emp, err := env.employees.GetEmployee(context.Background(), env.employee.ID)
	require.NoError(t, err)
	if reset {
		assert.Nil(t, emp.CurrentPlanID)
		assert.True(t, emp.DataLimit.IsZero())
	} else {
		assert.NotNil(t, emp.CurrentPlanID)
	}
}

func TestService_Cancel_RecentPurchaseSurvivesProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.assignPlan(t)
	e := env.createEsim(t, "B1", StatusWaitingForActivation, 5*time.Second)
	env.provider.On("CancelEsim", mock.Anything, "B1", "").Return(false, provider.ErrProviderUnavailable).Once()

	res, err := env.svc.Cancel(context.Background(), CancelRequest{EsimID: e.ID, Reason: "employee left"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.ProviderCancelled)
	assert.True(t, res.Refunded)
	assertDecimal(t, "10", res.RefundAmount)
	assert.Equal(t, "B1", res.OrderID)

	got := env.reload(t, e.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.Metadata.Cancellation)
	assert.False(t, got.Metadata.Cancellation.ProviderCancelled)
	assert.Contains(t, got.Metadata.Cancellation.CancellationError, "unavailable")
	assert.Equal(t, "employee left", got.Metadata.Cancellation.CancelReason)
	assert.Equal(t, StatusWaitingForActivation, got.Metadata.Cancellation.PreviousStatus)

	env.provider.AssertExpectations(t)
	env.assertPlanReset(t, true)

	changes := env.publisher.statusChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "cancelled", changes[0].NewStatus)
}

func TestService_Cancel_OldPurchaseProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.assignPlan(t)
	e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour, func(e *PurchasedEsim) {
		e.ICCID = stringPtr("8985")
	})
	env.provider.On("CancelEsim", mock.Anything, "B1", "8985").Return(false, provider.ErrProviderUnavailable).Once()

	res, err := env.svc.Cancel(context.Background(), CancelRequest{EsimID: e.ID})
	assert.ErrorIs(t, err, ErrProviderCancelFailed)
	require.NotNil(t, res)
	assert.Equal(t, "B1", res.OrderID)
	assert.False(t, res.Success)

	assert.Equal(t, StatusWaitingForActivation, env.reload(t, e.ID).Status)
	assert.True(t, env.balance(t, wallet.WalletGeneral).IsZero())
	assert.Empty(t, env.publisher.statusChanges())
	env.assertPlanReset(t, true)
}

func TestService_Cancel_UAERefundIsBookedOnce(t *testing.T) {
	env := newTestEnv(t, withUAECompany())
	ctx := context.Background()
	e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour)
	env.provider.On("CancelEsim", mock.Anything, "B1", "").Return(true, nil).Once()

	res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
	require.NoError(t, err)
	assert.True(t, res.ProviderCancelled)
	assert.True(t, res.Refunded)
	assertDecimal(t, "10.50", res.RefundAmount)

	assertDecimal(t, "10.50", env.balance(t, wallet.WalletGeneral))
	assertDecimal(t, "-0.50", env.balance(t, wallet.WalletTax))
	assertDecimal(t, "-4", env.balance(t, wallet.WalletProfit))

	got := env.reload(t, e.ID)
	require.NotNil(t, got.Metadata.Refund)
	rf := got.Metadata.Refund
	assert.True(t, rf.Refunded)
	assert.False(t, rf.PendingRefund)
	assert.True(t, rf.IsUAECompany)
	assertDecimal(t, "10", rf.BaseRefundAmount)
	assertDecimal(t, "0.50", rf.VATRefundAmount)
	assert.Equal(t, "refund:B1", rf.IdempotencyKey)
	require.NotNil(t, rf.RefundedToCompany)
	assert.Equal(t, env.company.ID, *rf.RefundedToCompany)

	// Retrying the cancellation must not credit the wallet again.
	res, err = env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Refunded)
	assertDecimal(t, "10.50", res.RefundAmount)

	assertDecimal(t, "10.50", env.balance(t, wallet.WalletGeneral))
	assertDecimal(t, "-0.50", env.balance(t, wallet.WalletTax))
	env.provider.AssertExpectations(t)
	assert.Len(t, env.publisher.statusChanges(), 1)
}

func TestService_Cancel_AlreadyCancelled(t *testing.T) {
	cancelledWith := func(reason string, refund *RefundRecord) func(*PurchasedEsim) {
		return func(e *PurchasedEsim) {
			at := testNow.Add(-time.Hour)
			e.Metadata.Cancellation = &CancellationRecord{
				IsCancelled:    true,
				CancelledAt:    &at,
				PreviousStatus: StatusWaitingForActivation,
				CancelReason:   reason,
			}
			e.Metadata.Refund = refund
		}
	}

	tests := []struct {
		name     string
		mutate   func(*PurchasedEsim)
		refunded bool
		balance  string
	}{
		{"unpaid renewal", cancelledWith("Renewal charge failed", nil), false, "0"},
		{"stale sibling", cancelledWith(InactivityCancelReason, nil), false, "0"},
		{"cancelled at provider", cancelledWith("Cancelled at provider", nil), false, "0"},
		{"no cancellation record", func(*PurchasedEsim) {}, false, "0"},
		{"refund left pending", cancelledWith("employee left", &RefundRecord{PendingRefund: true, Attempts: 1}), true, "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			e := env.createEsim(t, "B1", StatusCancelled, 72*time.Hour, tt.mutate)

			res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.False(t, res.ProviderCancelled)
			assert.Equal(t, tt.refunded, res.Refunded)

			assertDecimal(t, tt.balance, env.balance(t, wallet.WalletGeneral))
			assert.Equal(t, tt.refunded, env.reload(t, e.ID).IsRefunded())
			assert.Empty(t, env.publisher.statusChanges())
			env.provider.AssertNotCalled(t, "CancelEsim", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestService_Cancel_ActivationGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("really activated esim is refused", func(t *testing.T) {
		env := newTestEnv(t)
		env.assignPlan(t)
		activatedAt := testNow.Add(-time.Hour)
		e := env.createEsim(t, "B1", StatusActivated, 2*time.Hour, func(e *PurchasedEsim) {
			e.Metadata.Activation = &ActivationRecord{ActivationDate: &activatedAt}
		})

		res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
		assert.ErrorIs(t, err, ErrCannotCancelActivated)
		assert.Equal(t, "B1", res.OrderID)
		assert.Equal(t, StatusActivated, env.reload(t, e.ID).Status)
		env.provider.AssertNotCalled(t, "CancelEsim", mock.Anything, mock.Anything, mock.Anything)
		env.assertPlanReset(t, false)
	})

	t.Run("activated status without evidence can be cancelled", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActivated, 2*time.Hour)
		env.provider.On("CancelEsim", mock.Anything, "B1", "").Return(true, nil).Once()

		res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
		require.NoError(t, err)
		assert.True(t, res.Success)

		got := env.reload(t, e.ID)
		assert.Equal(t, StatusCancelled, got.Status)
		require.Len(t, got.Metadata.Transitions, 1)
		assert.True(t, got.Metadata.Transitions[0].Valid)
	})

	t.Run("unknown esim", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Cancel(ctx, CancelRequest{EsimID: 404})
		assert.ErrorIs(t, err, ErrEsimNotFound)
	})
}

func TestService_Cancel_APIManagedPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown plan refunds the fallback amount", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour, func(e *PurchasedEsim) {
			e.PlanID = 999
		})

		res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID, APIManagedPlan: true})
		require.NoError(t, err)
		assert.False(t, res.ProviderCancelled)
		assert.True(t, res.Refunded)
		assertDecimal(t, "10", res.RefundAmount)
		assertDecimal(t, "10", env.balance(t, wallet.WalletGeneral))

		got := env.reload(t, e.ID)
		assert.True(t, got.Metadata.Cancellation.APIManaged)
		env.provider.AssertNotCalled(t, "CancelEsim", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("requested plan is priced", func(t *testing.T) {
		env := newTestEnv(t)
		premium := &plan.Plan{
			ProviderPlanID: "PKG-20GB",
			Name:           "Global 20GB",
			DataGB:         decimal.NewFromInt(20),
			ValidityDays:   30,
			ProviderPrice:  decimal.NewFromInt(12),
			RetailPrice:    decimal.NewFromInt(20),
			Active:         true,
		}
		require.NoError(t, env.plans.Create(ctx, premium))
		e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour, func(e *PurchasedEsim) {
			e.PlanID = 999
		})

		res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID, APIManagedPlan: true, PlanID: premium.ID})
		require.NoError(t, err)
		assertDecimal(t, "20", res.RefundAmount)
		assertDecimal(t, "-8", env.balance(t, wallet.WalletProfit))
	})
}

func TestService_Cancel_StaleSiblings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour)
	stale := env.createEsim(t, "B2", StatusWaitingForActivation, 72*time.Hour)
	recent := env.createEsim(t, "B3", StatusWaitingForActivation, 24*time.Hour)
	inUse := env.createEsim(t, "B4", StatusActive, 100*time.Hour)

	env.provider.On("CancelEsim", mock.Anything, "B1", "").Return(true, nil).Once()
	env.provider.On("CancelEsim", mock.Anything, "B2", "").Return(true, nil).Once()

	_, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
	require.NoError(t, err)
	env.provider.AssertExpectations(t)

	sib := env.reload(t, stale.ID)
	assert.Equal(t, StatusCancelled, sib.Status)
	require.NotNil(t, sib.Metadata.Cancellation)
	assert.Equal(t, InactivityCancelReason, sib.Metadata.Cancellation.CancelReason)
	assert.Nil(t, sib.Metadata.Refund)

	assert.Equal(t, StatusWaitingForActivation, env.reload(t, recent.ID).Status)
	assert.Equal(t, StatusActive, env.reload(t, inUse.ID).Status)

	// Only the requested eSIM is refunded.
	assertDecimal(t, "10", env.balance(t, wallet.WalletGeneral))
	assert.Len(t, env.publisher.statusChanges(), 2)
}

func TestService_RetryPendingRefunds(t *testing.T) {
	env := newTestEnv(t, withoutCompany())
	ctx := context.Background()

	e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour)
	env.provider.On("CancelEsim", mock.Anything, "B1", "").Return(true, nil).Once()

	res, err := env.svc.Cancel(ctx, CancelRequest{EsimID: e.ID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Refunded)

	got := env.reload(t, e.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.Metadata.Refund)
	assert.True(t, got.Metadata.Refund.PendingRefund)
	assert.NotEmpty(t, got.Metadata.Refund.RefundError)
	assert.Equal(t, 1, got.Metadata.Refund.Attempts)

	company := &employee.Company{Name: "Acme", Country: "Germany"}
	require.NoError(t, env.employees.CreateCompany(ctx, company))
	require.NoError(t, env.db.Model(&employee.Employee{}).
		Where("id = ?", env.employee.ID).
		Update("company_id", company.ID).Error)

	retried, err := env.svc.RetryPendingRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	got = env.reload(t, e.ID)
	assert.True(t, got.Metadata.Refund.Refunded)
	assert.False(t, got.Metadata.Refund.PendingRefund)
	assert.Equal(t, 2, got.Metadata.Refund.Attempts)

	w, err := env.walletRepo.GetOrCreateWallet(ctx, &company.ID, wallet.WalletGeneral)
	require.NoError(t, err)
	assertDecimal(t, "10", w.Balance)

	retried, err = env.svc.RetryPendingRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestService_Reclassify(t *testing.T) {
	ctx := context.Background()
	cancelledAt := testNow.Add(-time.Hour)

	localCancel := func(e *PurchasedEsim) {
		e.Metadata.Cancellation = &CancellationRecord{IsCancelled: true, CancelledAt: &cancelledAt}
		e.Metadata.Refund = &RefundRecord{PendingRefund: true}
	}

	t.Run("local cancellation is reverted", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusCancelled, 2*time.Hour, localCancel)

		got, err := env.svc.Reclassify(ctx, e.ID, StatusWaitingForActivation)
		require.NoError(t, err)
		assert.Equal(t, StatusWaitingForActivation, got.Status)

		got = env.reload(t, e.ID)
		assert.False(t, got.Metadata.Cancellation.IsCancelled)
		assert.NotNil(t, got.Metadata.Cancellation.ReclassifiedAt)
		assert.False(t, got.Metadata.Refund.PendingRefund)
		require.Len(t, got.Metadata.Transitions, 1)
		assert.Equal(t, SourceAdmin, got.Metadata.Transitions[0].Source)
		assert.True(t, got.Metadata.Transitions[0].Forced)

		require.Len(t, env.publisher.statusChanges(), 1)
	})

	t.Run("provider cancellation is final", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusCancelled, 2*time.Hour, func(e *PurchasedEsim) {
			e.Metadata.Cancellation = &CancellationRecord{IsCancelled: true, ProviderCancelled: true}
		})

		_, err := env.svc.Reclassify(ctx, e.ID, StatusWaitingForActivation)
		assert.ErrorIs(t, err, ErrReclassifyNotAllowed)
	})

	t.Run("refunded cancellation is final", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusCancelled, 2*time.Hour, func(e *PurchasedEsim) {
			e.Metadata.Cancellation = &CancellationRecord{IsCancelled: true}
			e.Metadata.Refund = &RefundRecord{Refunded: true}
		})

		_, err := env.svc.Reclassify(ctx, e.ID, StatusActive)
		assert.ErrorIs(t, err, ErrReclassifyNotAllowed)
	})

	t.Run("only cancelled esims", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActive, time.Hour)

		_, err := env.svc.Reclassify(ctx, e.ID, StatusWaitingForActivation)
		assert.ErrorIs(t, err, ErrReclassifyNotAllowed)
	})

	t.Run("invalid target", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusCancelled, time.Hour, localCancel)

		_, err := env.svc.Reclassify(ctx, e.ID, StatusCancelled)
		assert.ErrorIs(t, err, ErrInvalidStatus)
		_, err = env.svc.Reclassify(ctx, e.ID, Status("bogus"))
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}
