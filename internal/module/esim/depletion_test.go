package esim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/simdesk/server/internal/module/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type failingPlans struct {
	PlanReader
	failID int64
}

func (p failingPlans) GetByID(ctx context.Context, id int64) (*plan.Plan, error) {
	if id == p.failID {
		return nil, errors.New("plans table unavailable")
	}
	return p.PlanReader.GetByID(ctx, id)
}

func usagePayload(usage, total string) datatypes.JSON {
	return datatypes.JSON(`{"orderNo":"B1","orderUsage":` + usage + `,"totalVolume":` + total + `}`)
}

func TestEvaluateDepletion(t *testing.T) {
	p := &plan.Plan{DataGB: dec("5")}

	t.Run("stored usage below threshold", func(t *testing.T) {
		pct, method, depleted := EvaluateDepletion(&PurchasedEsim{DataUsed: dec("4.749")}, p)
		assert.False(t, depleted)
		assert.Empty(t, method)
		assertDecimal(t, "94.98", pct)
	})

	t.Run("stored usage at threshold", func(t *testing.T) {
		pct, method, depleted := EvaluateDepletion(&PurchasedEsim{DataUsed: dec("4.75")}, p)
		assert.True(t, depleted)
		assert.Equal(t, DepletionMethodStoredUsage, method)
		assertDecimal(t, "95", pct)
	})

	t.Run("provider counters just below threshold", func(t *testing.T) {
		e := &PurchasedEsim{Metadata: Metadata{RawProviderPayload: usagePayload("949990000", "1000000000")}}
		pct, _, depleted := EvaluateDepletion(e, p)
		assert.False(t, depleted)
		assertDecimal(t, "94.999", pct)
	})

	t.Run("provider counters at threshold", func(t *testing.T) {
		e := &PurchasedEsim{Metadata: Metadata{RawProviderPayload: usagePayload(`"950000000"`, `"1000000000"`)}}
		_, method, depleted := EvaluateDepletion(e, p)
		assert.True(t, depleted)
		assert.Equal(t, DepletionMethodProviderMetadata, method)
	})

	t.Run("stored usage is checked first", func(t *testing.T) {
		e := &PurchasedEsim{
			DataUsed: dec("5"),
			Metadata: Metadata{RawProviderPayload: usagePayload("990000000", "1000000000")},
		}
		_, method, depleted := EvaluateDepletion(e, p)
		assert.True(t, depleted)
		assert.Equal(t, DepletionMethodStoredUsage, method)
	})

	t.Run("missing plan falls back to provider counters", func(t *testing.T) {
		e := &PurchasedEsim{
			DataUsed: dec("5"),
			Metadata: Metadata{RawProviderPayload: usagePayload("10", "1000")},
		}
		_, _, depleted := EvaluateDepletion(e, nil)
		assert.False(t, depleted)
	})

	t.Run("zero total volume is ignored", func(t *testing.T) {
		e := &PurchasedEsim{Metadata: Metadata{RawProviderPayload: usagePayload("10", "0")}}
		_, _, depleted := EvaluateDepletion(e, nil)
		assert.False(t, depleted)
	})
}

func TestService_CheckAndMarkDepleted(t *testing.T) {
	ctx := context.Background()

	t.Run("marks active esim depleted once", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActive, 24*time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("4.8")
		})

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, depleted)

		got := env.reload(t, e.ID)
		assert.Equal(t, StatusDepleted, got.Status)
		require.NotNil(t, got.Metadata.Depletion)
		assert.Equal(t, DepletionMethodStoredUsage, got.Metadata.Depletion.Method)
		assertDecimal(t, "96", got.Metadata.Depletion.DepletionPercentage)
		assert.Equal(t, testNow, got.Metadata.Depletion.DepletedAt.UTC())

		changes := env.publisher.statusChanges()
		require.Len(t, changes, 1)
		assert.Equal(t, "active", changes[0].OldStatus)
		assert.Equal(t, "depleted", changes[0].NewStatus)
		assert.Equal(t, "B1", changes[0].OrderID)

		depleted, err = env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, depleted)
		assert.Len(t, env.publisher.statusChanges(), 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.DepletionsTotal.WithLabelValues(DepletionMethodStoredUsage)))
	})

	t.Run("activated esim passes through active", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActivated, time.Hour, func(e *PurchasedEsim) {
			e.Metadata.RawProviderPayload = usagePayload("4900000000", "5000000000")
		})

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, depleted)

		got := env.reload(t, e.ID)
		assert.Equal(t, StatusDepleted, got.Status)
		require.Len(t, got.Metadata.Transitions, 2)
		for _, tr := range got.Metadata.Transitions {
			assert.True(t, tr.Valid)
		}
		assert.Equal(t, DepletionMethodProviderMetadata, got.Metadata.Depletion.Method)
	})

	t.Run("below threshold is untouched", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("4.7")
		})

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, depleted)
		assert.Equal(t, StatusActive, env.reload(t, e.ID).Status)
	})

	t.Run("not in use is skipped", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusWaitingForActivation, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("5")
		})

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, depleted)
	})
}

func TestService_DepletionAutoRenewal(t *testing.T) {
	ctx := context.Background()

	t.Run("triggers when employee and esim opted in", func(t *testing.T) {
		env := newTestEnv(t, withEmployeeAutoRenew())
		e := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("5")
			e.AutoRenewEnabled = true
		})
		env.renewer.On("ProcessAutoRenewals", mock.Anything, e.ID).Return(nil).Once()

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, depleted)

		got := env.reload(t, e.ID)
		require.NotNil(t, got.Metadata.AutoRenewal)
		assert.True(t, got.Metadata.AutoRenewal.Processing)

		// A second trigger for the same record is refused by the processing flag.
		env.svc.maybeAutoRenew(ctx, got)
		env.renewer.AssertNumberOfCalls(t, "ProcessAutoRenewals", 1)
	})

	t.Run("skipped when employee opted out", func(t *testing.T) {
		env := newTestEnv(t)
		e := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("5")
			e.AutoRenewEnabled = true
		})

		_, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		env.renewer.AssertNotCalled(t, "ProcessAutoRenewals", mock.Anything, mock.Anything)
		assert.Nil(t, env.reload(t, e.ID).Metadata.AutoRenewal)
	})

	t.Run("skipped when esim opted out", func(t *testing.T) {
		env := newTestEnv(t, withEmployeeAutoRenew())
		e := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("5")
		})

		_, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		env.renewer.AssertNotCalled(t, "ProcessAutoRenewals", mock.Anything, mock.Anything)
	})

	t.Run("renewal failure does not undo depletion", func(t *testing.T) {
		env := newTestEnv(t, withEmployeeAutoRenew())
		e := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) {
			e.DataUsed = dec("5")
			e.AutoRenewEnabled = true
		})
		env.renewer.On("ProcessAutoRenewals", mock.Anything, e.ID).Return(errors.New("insufficient balance")).Once()

		depleted, err := env.svc.CheckAndMarkDepleted(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, depleted)
		assert.Equal(t, StatusDepleted, env.reload(t, e.ID).Status)
		env.renewer.AssertExpectations(t)
	})
}

func TestService_CheckAllActiveEsims(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	full := env.createEsim(t, "B1", StatusActive, time.Hour, func(e *PurchasedEsim) { e.DataUsed = dec("4.9") })
	env.createEsim(t, "B2", StatusActivated, time.Hour, func(e *PurchasedEsim) { e.DataUsed = dec("1") })
	env.createEsim(t, "B3", StatusActive, time.Hour, func(e *PurchasedEsim) { e.PlanID = 777 })
	env.createEsim(t, "B4", StatusWaitingForActivation, time.Hour)

	svc := NewService(DefaultConfig(), Deps{
		Repo:      env.repo,
		Provider:  env.provider,
		Employees: env.employees,
		Plans:     failingPlans{PlanReader: env.plans, failID: 777},
		Clock:     env.clock,
		Metrics:   env.metrics,
	})

	summary, err := svc.CheckAllActiveEsims(ctx)
	require.NoError(t, err)
	assert.Equal(t, DepletionSummary{Checked: 3, Depleted: 1, Failed: 1}, summary)
	assert.Equal(t, StatusDepleted, env.reload(t, full.ID).Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ReconcileFailuresTotal.WithLabelValues("depletion")))
}
