package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Engine reconciles single report records against recurring payments.
type Engine struct {
	Records  PaymentRecords
	Mandates MandateLookup
	Results  ResultStore
	Hooks    Hooks

	DefaultFinancialType int
	AllowMandateRefresh  bool
	Logger               *logrus.Logger
}

func NewEngine(records PaymentRecords, mandateLookup MandateLookup, results ResultStore, settings config.Settings, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Engine{
		Records:              records,
		Mandates:             mandateLookup,
		Results:              results,
		DefaultFinancialType: settings.DefaultFinancialType,
		AllowMandateRefresh:  true,
		Logger:               logger,
	}
}

// ProcessCollection writes one collection, AUDDIS or ARUDD record as a payment
// on its recurring record. It returns the payment id and true on a write, and
// (0, false) when the record cannot be matched or a write fails.
func (e *Engine) ProcessCollection(ctx context.Context, transactionId string, receiveDate string, amount decimal.Decimal, kind models.ReportKind, description string) (uint, bool) {
	transactionId = strings.TrimSpace(transactionId)
	receiveDate = strings.TrimSpace(receiveDate)
	if transactionId == "" || receiveDate == "" {
		return 0, false
	}
	log := e.Logger.WithFields(logrus.Fields{
		"module":         "CollectionWorkflow",
		"transaction_id": transactionId,
		"kind":           kind,
	})

	mandate, err := e.Mandates.LookupByTransactionId(ctx, transactionId, e.AllowMandateRefresh)
	if err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "looking up mandate", transactionId, err)
		return 0, false
	}
	if mandate == nil {
		log.Debug("no mandate for transaction")
		return 0, false
	}

	recur, err := e.Records.GetRecurringByTransactionId(ctx, transactionId)
	if err != nil {
		if errors.Is(err, models.ErrRecurringNotFound) || errors.Is(err, models.ErrRecurringAmbiguous) {
			log.WithError(err).Debug("not matched")
		} else {
			config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "loading recurring payment", transactionId, err)
		}
		return 0, false
	}

	date, err := utils.ParseCollectionDate(receiveDate)
	if err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "parsing receive date", receiveDate, err)
		return 0, false
	}

	if amount.IsZero() {
		amount = recur.Amount
	}
	financialType := recur.FinancialTypeId
	if financialType == 0 {
		financialType = e.DefaultFinancialType
	}
	params := models.PaymentParams{
		ContactId:           recur.ContactId,
		RecurringPaymentId:  recur.ID,
		Amount:              amount,
		ReceiveDate:         date,
		TransactionId:       transactionId + "/" + utils.FormatTrxnDate(date),
		InvoiceId:           utils.NewInvoiceId(),
		FinancialTypeId:     financialType,
		PaymentInstrumentId: recur.PaymentInstrumentId,
		IsEmailReceipt:      false,
	}

	plan, err := e.checkIfFirstPayment(ctx, recur, params.TransactionId, date)
	if err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "listing payments", recur.ID, err)
		return 0, false
	}
	params.ID = 0
	if plan.First {
		params.ID = plan.PaymentId
	}
	log.WithFields(logrus.Fields{"first": plan.First, "payment_id": plan.PaymentId, "reason": plan.Reason}).Debug("payment plan")

	params.Source = e.sourceTag(ctx, recur.ID, kind, description)
	if e.Hooks.Params != nil {
		e.Hooks.Params.AlterPaymentParams(ctx, &params, plan.First)
	}

	payment, err := e.writePayment(ctx, kind, plan, params)
	if err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "writing payment", params, err)
		return 0, false
	}
	if payment == nil || payment.ID == 0 {
		return 0, false
	}

	contact, err := e.Records.GetContact(ctx, recur.ContactId)
	if err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "loading contact", recur.ContactId, err)
		return 0, false
	}

	unit, interval := recurFrequency(recur)
	next := utils.AddFrequency(date, unit, interval)
	recur.Status = models.PaymentStatusInProgress
	recur.NextScheduledDate = &next
	if err := e.Records.SaveRecurring(ctx, recur); err != nil {
		config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "updating recurring payment", recur.ID, err)
		return 0, false
	}

	entry := &models.SyncResultEntry{
		Type:          kind,
		TransactionId: params.TransactionId,
		PaymentId:     payment.ID,
		ContactId:     contact.ID,
		ContactName:   contact.DisplayName,
		Amount:        amount,
		Frequency:     utils.FrequencyLabel(interval, unit),
		ReceiveDate:   date,
	}
	if e.Results != nil {
		if err := e.Results.SaveSyncResult(ctx, entry); err != nil {
			config.LogError(e.Logger, "CollectionWorkflow", "ProcessCollection", "saving sync result", entry, err)
		}
	}
	return payment.ID, true
}

func (e *Engine) sourceTag(ctx context.Context, recurringId uint, kind models.ReportKind, description string) string {
	tag := kind.SourceTag()
	if description = strings.TrimSpace(description); description != "" {
		tag += " " + description
	}
	source, err := e.Records.GetSubscriptionSource(ctx, recurringId)
	if err != nil {
		e.Logger.WithError(err).WithField("recurring_id", recurringId).Debug("subscription source unavailable")
		return tag
	}
	if source != "" {
		tag += " " + source
	}
	return tag
}

func (e *Engine) writePayment(ctx context.Context, kind models.ReportKind, plan paymentPlan, params models.PaymentParams) (*models.Contribution, error) {
	status := models.PaymentStatusCompleted
	if kind.IsFailure() {
		status = models.PaymentStatusFailed
	}

	switch {
	case plan.First && !kind.IsFailure():
		// A pending first payment stays pending so completing it runs the renewal cascade.
		if plan.PaymentId != 0 && plan.PriorStatus == models.PaymentStatusPending {
			params.Status = ""
		} else {
			params.Status = status
		}
		payment, err := e.Records.SavePayment(ctx, params)
		if err != nil {
			return nil, err
		}
		if payment.Status == models.PaymentStatusPending {
			completed, err := e.Records.CompleteTransaction(ctx, payment)
			if err != nil {
				return nil, fmt.Errorf("complete transaction %d: %w", payment.ID, err)
			}
			return completed, nil
		}
		return payment, nil

	case plan.First:
		params.Status = status
		return e.Records.SavePayment(ctx, params)

	case plan.PaymentId == 0:
		params.ID = 0
		params.Status = status
		return e.Records.SavePayment(ctx, params)

	default:
		params.Status = status
		return e.repeatTransaction(ctx, plan.PaymentId, params)
	}
}

// repeatTransaction updates the payment that already carries the new
// transaction id, or repeats the template when there is none.
func (e *Engine) repeatTransaction(ctx context.Context, templateId uint, params models.PaymentParams) (*models.Contribution, error) {
	existing, err := e.Records.GetPaymentByTransactionId(ctx, params.TransactionId)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		params.ID = existing.ID
		params.OriginalPaymentId = 0
		return e.Records.SavePayment(ctx, params)
	}
	params.ID = 0
	params.OriginalPaymentId = templateId
	return e.Records.RepeatTransaction(ctx, params)
}

// receiveDateOf is the date a stored payment counts from.
func receiveDateOf(p *models.Contribution) time.Time {
	if p == nil || p.ReceiveDate == nil {
		return time.Time{}
	}
	return *p.ReceiveDate
}
