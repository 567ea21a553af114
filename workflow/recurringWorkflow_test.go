package workflow

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpdaterFixture(ms ...*mandates.Mandate) (*RecurringUpdater, *fakeRecords) {
	records := newFakeRecords()
	logger, _ := quietLogger()
	return NewRecurringUpdater(records, newFakeMandates(ms...), logger), records
}

func TestUpdateRecurringAppliesMandateState(t *testing.T) {
	u, records := newUpdaterFixture(
		&mandates.Mandate{Reference: "LIVE", State: mandates.StateLive, DefaultAmount: decimal.NewFromInt(25), FrequencyType: "M", FrequencyFactor: 1, RecurringId: 1},
		&mandates.Mandate{Reference: "GONE", State: mandates.StateCancelled, FrequencyType: "Y", FrequencyFactor: 1, RecurringId: 2},
		&mandates.Mandate{Reference: "BAD", State: mandates.StateRejected, FrequencyType: "Y", FrequencyFactor: 1, RecurringId: 3},
		&mandates.Mandate{Reference: "UNLINKED", State: mandates.StateCancelled},
	)
	cancelled := day("2023-12-01")
	live := records.addRecurring(&models.RecurringPayment{
		ID: 1, ContactId: 1, TransactionId: "LIVE", Amount: decimal.NewFromInt(10),
		FrequencyUnit: "year", FrequencyInterval: 1, Installments: ptr(1),
		Status: models.PaymentStatusCancelled, CancelDate: &cancelled,
	})
	gone := records.addRecurring(&models.RecurringPayment{ID: 2, ContactId: 2, TransactionId: "GONE", FrequencyUnit: "year", FrequencyInterval: 1, Status: models.PaymentStatusInProgress})
	bad := records.addRecurring(&models.RecurringPayment{ID: 3, ContactId: 3, TransactionId: "BAD", FrequencyUnit: "year", FrequencyInterval: 1, Status: models.PaymentStatusPending})
	records.addPayment(&models.Contribution{RecurringPaymentId: 1, ReceiveDate: ptr(day("2024-01-05"))})
	records.addPayment(&models.Contribution{RecurringPaymentId: 1, ReceiveDate: ptr(day("2023-11-05"))})

	res, err := u.UpdateRecurringPayments(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RecurringUpdateResult{Count: 3, Modified: 3}, res)

	assert.True(t, live.Amount.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "month", live.FrequencyUnit)
	assert.Nil(t, live.Installments)
	assert.Nil(t, live.CancelDate)
	assert.Equal(t, models.PaymentStatusInProgress, live.Status)
	require.NotNil(t, live.StartDate)
	assert.Equal(t, day("2023-11-05"), *live.StartDate)

	assert.Equal(t, models.PaymentStatusCancelled, gone.Status)
	assert.Equal(t, models.PaymentStatusFailed, bad.Status)
}

func TestUpdateRecurringSkipsUnchanged(t *testing.T) {
	u, records := newUpdaterFixture(&mandates.Mandate{Reference: "SAME", State: mandates.StateLive, FrequencyType: "Y", FrequencyFactor: 1, RecurringId: 1})
	records.addRecurring(&models.RecurringPayment{
		ID: 1, TransactionId: "SAME", Amount: decimal.NewFromInt(10),
		FrequencyUnit: "year", FrequencyInterval: 1, Status: models.PaymentStatusPending,
	})

	res, err := u.UpdateRecurringPayments(context.Background(), []string{"SAME", "MISSING"})
	require.NoError(t, err)
	assert.Equal(t, RecurringUpdateResult{Count: 1, Modified: 0}, res)
	assert.Zero(t, records.recurSave)
}

type frequencyPin struct{}

func (frequencyPin) AlterRecurring(_ context.Context, recur *models.RecurringPayment, _ *mandates.Mandate) {
	recur.FrequencyUnit = "year"
	recur.FrequencyInterval = 1
}

func TestUpdateRecurringHookRunsBeforeSave(t *testing.T) {
	u, records := newUpdaterFixture(&mandates.Mandate{Reference: "R", State: mandates.StateLive, FrequencyType: "W", FrequencyFactor: 2, RecurringId: 1})
	u.Hooks.Recurring = frequencyPin{}
	recur := records.addRecurring(&models.RecurringPayment{
		ID: 1, TransactionId: "R", FrequencyUnit: "year", FrequencyInterval: 1, Status: models.PaymentStatusInProgress,
	})

	res, err := u.UpdateRecurringPayments(context.Background(), []string{"R"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Modified)
	assert.Equal(t, "year", recur.FrequencyUnit)
}
