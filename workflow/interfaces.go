package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"gorm.io/gorm"
)

// PaymentRecords is the payment-record system the engine writes to.
// models.PaymentRecordStore is the gorm implementation.
type PaymentRecords interface {
	GetRecurringByTransactionId(ctx context.Context, transactionId string) (*models.RecurringPayment, error)
	ListPayments(ctx context.Context, recurringId uint) ([]*models.Contribution, error)
	OldestPayment(ctx context.Context, recurringId uint) (*models.Contribution, error)
	GetPaymentByTransactionId(ctx context.Context, transactionId string) (*models.Contribution, error)
	GetPayment(ctx context.Context, id uint) (*models.Contribution, error)
	SavePayment(ctx context.Context, params models.PaymentParams) (*models.Contribution, error)
	CompleteTransaction(ctx context.Context, payment *models.Contribution) (*models.Contribution, error)
	RepeatTransaction(ctx context.Context, params models.PaymentParams) (*models.Contribution, error)
	SaveRecurring(ctx context.Context, recur *models.RecurringPayment) error
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	GetSubscriptionSource(ctx context.Context, recurringId uint) (string, error)
}

type MandateLookup interface {
	LookupByTransactionId(ctx context.Context, reference string, allowRefresh bool) (*mandates.Mandate, error)
}

// MandateDirectory is what the recurring update walks.
type MandateDirectory interface {
	MandateLookup
	Page(ctx context.Context, offset, limit int, onlyWithRecurLink bool) ([]*mandates.Mandate, error)
}

type ResultStore interface {
	SaveSyncResult(ctx context.Context, entry *models.SyncResultEntry) error
	ClearSyncResults(ctx context.Context) error
}

// ParamsHook may change payment parameters just before they are written.
type ParamsHook interface {
	AlterPaymentParams(ctx context.Context, params *models.PaymentParams, firstPayment bool)
}

// RecurringHook may change a recurring record before the mandate sync saves it.
type RecurringHook interface {
	AlterRecurring(ctx context.Context, recur *models.RecurringPayment, mandate *mandates.Mandate)
}

// RejectionHook is told about every payment written from a rejection file.
type RejectionHook interface {
	HandleRejected(ctx context.Context, paymentId uint, advice ddclient.RejectionAdvice)
}

// Hooks groups the optional extension points. Nil members are skipped.
type Hooks struct {
	Params    ParamsHook
	Recurring RecurringHook
	Rejection RejectionHook
}

// GormResultStore keeps sync results in the sync_result_entries table.
type GormResultStore struct {
	DB *gorm.DB
}

func (s GormResultStore) SaveSyncResult(ctx context.Context, entry *models.SyncResultEntry) error {
	return models.SaveSyncResult(ctx, s.DB, entry)
}

func (s GormResultStore) ClearSyncResults(ctx context.Context) error {
	return models.ClearSyncResults(ctx, s.DB)
}
