package workflow

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	records  *fakeRecords
	mandates *fakeMandates
	results  *fakeResults
	recur    *models.RecurringPayment
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	records := newFakeRecords()
	recur := records.addRecurring(&models.RecurringPayment{
		ID:                  7,
		ContactId:           3,
		Amount:              decimal.RequireFromString("10.00"),
		FrequencyUnit:       "month",
		FrequencyInterval:   1,
		Status:              models.PaymentStatusPending,
		TransactionId:       "REF1",
		PaymentInstrumentId: 5,
	})
	ms := newFakeMandates(&mandates.Mandate{Reference: "REF1", State: mandates.StateLive, RecurringId: 7})
	results := &fakeResults{}
	logger, _ := quietLogger()
	engine := NewEngine(records, ms, results, config.Settings{DefaultFinancialType: 2}, logger)
	return &engineFixture{engine: engine, records: records, mandates: ms, results: results, recur: recur}
}

func TestProcessCollectionRejectsEmptyInput(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id, ok := f.engine.ProcessCollection(ctx, "", "01/02/2024", decimal.NewFromInt(5), models.ReportKindCollection, "")
	assert.False(t, ok)
	assert.Zero(t, id)

	id, ok = f.engine.ProcessCollection(ctx, "REF1", "  ", decimal.NewFromInt(5), models.ReportKindCollection, "")
	assert.False(t, ok)
	assert.Zero(t, id)

	assert.Empty(t, f.mandates.lookups)
	assert.Empty(t, f.records.saves)
	assert.Zero(t, f.records.recurSave)
}

func TestProcessCollectionWithoutRecurringWritesNothing(t *testing.T) {
	f := newEngineFixture(t)
	f.mandates.byRef["ORPHAN"] = &mandates.Mandate{Reference: "ORPHAN", State: mandates.StateLive}

	_, ok := f.engine.ProcessCollection(context.Background(), "ORPHAN", "01/02/2024", decimal.NewFromInt(5), models.ReportKindCollection, "")
	assert.False(t, ok)

	_, ok = f.engine.ProcessCollection(context.Background(), "UNKNOWN", "01/02/2024", decimal.NewFromInt(5), models.ReportKindCollection, "")
	assert.False(t, ok)

	assert.Empty(t, f.records.saves)
	assert.Empty(t, f.records.repeats)
	assert.Empty(t, f.results.entries)
}

func TestProcessCollectionFirstPayment(t *testing.T) {
	f := newEngineFixture(t)

	id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.RequireFromString("12.50"), models.ReportKindCollection, "")
	require.True(t, ok)
	require.NotZero(t, id)

	require.Len(t, f.records.saves, 1)
	saved := f.records.saves[0]
	assert.Zero(t, saved.ID)
	assert.Equal(t, models.PaymentStatusCompleted, saved.Status)
	assert.Equal(t, "REF1/20240201000000", saved.TransactionId)
	assert.Equal(t, 2, saved.FinancialTypeId)
	assert.Equal(t, 5, saved.PaymentInstrumentId)
	assert.Equal(t, "[REPORT]", saved.Source)
	assert.Len(t, saved.InvoiceId, 32)
	assert.True(t, saved.Amount.Equal(decimal.RequireFromString("12.50")))

	assert.Equal(t, models.PaymentStatusInProgress, f.recur.Status)
	require.NotNil(t, f.recur.NextScheduledDate)
	assert.Equal(t, day("2024-03-01"), *f.recur.NextScheduledDate)
	assert.Equal(t, 1, f.records.recurSave)

	require.Len(t, f.results.entries, 1)
	entry := f.results.entries[0]
	assert.Equal(t, id, entry.PaymentId)
	assert.Equal(t, "Jane Payer", entry.ContactName)
	assert.Equal(t, "1 Month", entry.Frequency)
	assert.Equal(t, models.ReportKindCollection, entry.Type)
}

func TestProcessCollectionRerunUpdatesSamePayment(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first, ok := f.engine.ProcessCollection(ctx, "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)
	second, ok := f.engine.ProcessCollection(ctx, "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)

	assert.Equal(t, first, second)
	require.Len(t, f.records.saves, 2)
	assert.Equal(t, first, f.records.saves[1].ID)
	assert.Len(t, f.records.paymentsOf(f.recur.ID), 1)
	assert.Empty(t, f.records.repeats)
}

func TestProcessCollectionBillingWindow(t *testing.T) {
	t.Run("inside window overwrites newest", func(t *testing.T) {
		f := newEngineFixture(t)
		existing := f.records.addPayment(&models.Contribution{
			RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusCompleted,
			TransactionId: "IMPORTED-1", ReceiveDate: ptr(day("2024-02-01")),
		})

		id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "04/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
		require.True(t, ok)
		assert.Equal(t, existing.ID, id)
		assert.Len(t, f.records.paymentsOf(7), 1)
		assert.Equal(t, "REF1/20240204000000", existing.TransactionId)
	})

	t.Run("outside window creates a new instance", func(t *testing.T) {
		f := newEngineFixture(t)
		existing := f.records.addPayment(&models.Contribution{
			RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusCompleted,
			TransactionId: "IMPORTED-1", ReceiveDate: ptr(day("2024-02-01")),
		})

		id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "11/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
		require.True(t, ok)
		assert.NotEqual(t, existing.ID, id)
		assert.Len(t, f.records.paymentsOf(7), 2)
		assert.Equal(t, "IMPORTED-1", existing.TransactionId)
		assert.Empty(t, f.records.repeats)
		assert.Empty(t, f.records.completes)
	})
}

func TestProcessCollectionRepeatsFromTemplate(t *testing.T) {
	f := newEngineFixture(t)
	template := f.records.addPayment(&models.Contribution{
		RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusCompleted,
		TransactionId: "REF1/20240101000000", ReceiveDate: ptr(day("2024-01-01")),
	})

	id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)
	assert.NotEqual(t, template.ID, id)

	require.Len(t, f.records.repeats, 1)
	assert.Equal(t, template.ID, f.records.repeats[0].OriginalPaymentId)
	assert.Equal(t, models.PaymentStatusCompleted, f.records.repeats[0].Status)
	assert.Empty(t, f.records.saves)
}

func TestProcessCollectionRepeatUpdatesExistingInstance(t *testing.T) {
	f := newEngineFixture(t)
	f.records.addPayment(&models.Contribution{
		RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusCompleted,
		TransactionId: "REF1/20240101000000", ReceiveDate: ptr(day("2024-01-01")),
	})
	// Same transaction id already written, but against an older recurring record.
	moved := f.records.addPayment(&models.Contribution{
		RecurringPaymentId: 6, ContactId: 3, Status: models.PaymentStatusFailed,
		TransactionId: "REF1/20240201000000", ReceiveDate: ptr(day("2024-02-01")),
	})

	id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)
	assert.Equal(t, moved.ID, id)

	assert.Empty(t, f.records.repeats)
	require.Len(t, f.records.saves, 1)
	assert.Equal(t, moved.ID, f.records.saves[0].ID)
	assert.Zero(t, f.records.saves[0].OriginalPaymentId)
	assert.Equal(t, uint(7), moved.RecurringPaymentId)
	assert.Equal(t, models.PaymentStatusCompleted, moved.Status)
	assert.Len(t, f.records.paymentsOf(7), 2)
	require.Len(t, f.results.entries, 1)
	assert.Equal(t, moved.ID, f.results.entries[0].PaymentId)
}

func TestProcessCollectionCascadeFailure(t *testing.T) {
	t.Run("complete transaction", func(t *testing.T) {
		f := newEngineFixture(t)
		f.records.failComplete = errBoom
		f.records.addPayment(&models.Contribution{
			RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusPending,
			TransactionId: "REF1", ReceiveDate: ptr(day("2024-02-01")),
		})

		id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
		assert.False(t, ok)
		assert.Zero(t, id)
		assert.Len(t, f.records.saves, 1)
		assert.Len(t, f.records.completes, 1)
		assert.Zero(t, f.records.recurSave)
		assert.Equal(t, models.PaymentStatusPending, f.recur.Status)
		assert.Empty(t, f.results.entries)
	})

	t.Run("repeat transaction", func(t *testing.T) {
		f := newEngineFixture(t)
		f.records.failRepeat = errBoom
		f.records.addPayment(&models.Contribution{
			RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusCompleted,
			TransactionId: "REF1/20240101000000", ReceiveDate: ptr(day("2024-01-01")),
		})

		id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
		assert.False(t, ok)
		assert.Zero(t, id)
		assert.Len(t, f.records.repeats, 1)
		assert.Zero(t, f.records.recurSave)
		assert.Nil(t, f.recur.NextScheduledDate)
		assert.Empty(t, f.results.entries)
	})
}

func TestProcessCollectionCompletesPendingFirstPayment(t *testing.T) {
	f := newEngineFixture(t)
	pending := f.records.addPayment(&models.Contribution{
		RecurringPaymentId: 7, ContactId: 3, Status: models.PaymentStatusPending,
		TransactionId: "REF1", ReceiveDate: ptr(day("2024-02-01")),
	})

	id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)
	assert.Equal(t, pending.ID, id)

	require.Len(t, f.records.saves, 1)
	assert.Empty(t, f.records.saves[0].Status)
	assert.Equal(t, []uint{pending.ID}, f.records.completes)
	assert.Equal(t, models.PaymentStatusCompleted, pending.Status)
}

func TestProcessCollectionFailureKinds(t *testing.T) {
	f := newEngineFixture(t)
	f.records.source = "Online signup"

	_, ok := f.engine.ProcessCollection(context.Background(), "REF1", "2024-02-01", decimal.Zero, models.ReportKindAuddis, "0 REFER TO PAYER")
	require.True(t, ok)

	require.Len(t, f.records.saves, 1)
	saved := f.records.saves[0]
	assert.Equal(t, models.PaymentStatusFailed, saved.Status)
	assert.Equal(t, "[AUDDIS] 0 REFER TO PAYER Online signup", saved.Source)
	assert.True(t, saved.Amount.Equal(f.recur.Amount))
	assert.Empty(t, f.records.completes)
}

type sourceOverride struct {
	firstSeen []bool
}

func (h *sourceOverride) AlterPaymentParams(_ context.Context, params *models.PaymentParams, first bool) {
	h.firstSeen = append(h.firstSeen, first)
	params.Source = "custom"
}

func TestProcessCollectionParamsHook(t *testing.T) {
	f := newEngineFixture(t)
	hook := &sourceOverride{}
	f.engine.Hooks.Params = hook

	_, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	require.True(t, ok)

	assert.Equal(t, []bool{true}, hook.firstSeen)
	assert.Equal(t, "custom", f.records.saves[0].Source)
}

func TestProcessCollectionWriteFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.records.failSave = errBoom

	id, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	assert.False(t, ok)
	assert.Zero(t, id)
	assert.Zero(t, f.records.recurSave)
	assert.Empty(t, f.results.entries)
}

func TestProcessCollectionMandateLookupError(t *testing.T) {
	f := newEngineFixture(t)
	f.mandates.err = errBoom

	_, ok := f.engine.ProcessCollection(context.Background(), "REF1", "01/02/2024", decimal.NewFromInt(10), models.ReportKindCollection, "")
	assert.False(t, ok)
	assert.Empty(t, f.records.saves)
}

func TestFrequencyWindowDays(t *testing.T) {
	assert.Equal(t, 3, frequencyWindowDays("day", 3))
	assert.Equal(t, 7, frequencyWindowDays("month", 1))
	assert.Equal(t, 30, frequencyWindowDays("year", 1))
	assert.Equal(t, 0, frequencyWindowDays("lifetime", 1))
	assert.Equal(t, 30, frequencyWindowDays("week", 2))
}

func TestDayDifferenceIsSymmetric(t *testing.T) {
	assert.Equal(t, 10, dayDifference(day("2024-02-11"), day("2024-02-01")))
	assert.Equal(t, 10, dayDifference(day("2024-02-01"), day("2024-02-11")))
}
