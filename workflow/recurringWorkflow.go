package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/sirupsen/logrus"
)

type RecurringUpdateResult struct {
	Count    int `json:"count"`
	Modified int `json:"modified"`
}

// RecurringUpdater brings recurring records in line with mandate state at the
// collection service.
type RecurringUpdater struct {
	Records  PaymentRecords
	Mandates MandateDirectory
	Hooks    Hooks
	Logger   *logrus.Logger
}

func NewRecurringUpdater(records PaymentRecords, directory MandateDirectory, logger *logrus.Logger) *RecurringUpdater {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &RecurringUpdater{Records: records, Mandates: directory, Logger: logger}
}

// UpdateRecurringPayments syncs the given references, or every mandate linked
// to a recurring record when refs is nil.
func (u *RecurringUpdater) UpdateRecurringPayments(ctx context.Context, refs []string) (RecurringUpdateResult, error) {
	var result RecurringUpdateResult

	if refs != nil {
		for _, ref := range refs {
			m, err := u.Mandates.LookupByTransactionId(ctx, ref, true)
			if err != nil {
				return result, err
			}
			if m == nil {
				u.Logger.WithField("reference", ref).Debug("no mandate to update from")
				continue
			}
			if err := u.updateOne(ctx, m, &result); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	for offset := 0; ; offset += mandates.PageSize {
		page, err := u.Mandates.Page(ctx, offset, mandates.PageSize, true)
		if err != nil {
			return result, err
		}
		for _, m := range page {
			if err := u.updateOne(ctx, m, &result); err != nil {
				return result, err
			}
		}
		if len(page) < mandates.PageSize {
			break
		}
	}
	u.Logger.WithFields(logrus.Fields{
		"module":   "RecurringWorkflow",
		"count":    result.Count,
		"modified": result.Modified,
	}).Info("recurring payments updated")
	return result, nil
}

func (u *RecurringUpdater) updateOne(ctx context.Context, m *mandates.Mandate, result *RecurringUpdateResult) error {
	recur, err := u.Records.GetRecurringByTransactionId(ctx, m.Reference)
	if err != nil {
		if errors.Is(err, models.ErrRecurringNotFound) || errors.Is(err, models.ErrRecurringAmbiguous) {
			u.Logger.WithError(err).WithField("reference", m.Reference).Debug("mandate skipped")
			return nil
		}
		return err
	}
	result.Count++

	before := snapshotRecurring(recur)

	if !m.DefaultAmount.IsZero() {
		recur.Amount = m.DefaultAmount
	}
	unit, interval := m.FrequencyUnit, m.FrequencyInterval
	if unit == "" {
		unit, interval = mandates.TranslateFrequency(m.FrequencyType, m.FrequencyFactor)
	}
	frequencyChanged := unit != recur.FrequencyUnit || interval != recur.FrequencyInterval
	if frequencyChanged && recur.Installments != nil && *recur.Installments == 1 {
		recur.Installments = nil
	}
	recur.FrequencyUnit = unit
	recur.FrequencyInterval = interval

	switch m.State {
	case mandates.StateLive, mandates.StateNew:
		recur.CancelDate = nil
		if recur.Status != models.PaymentStatusPending && recur.Status != models.PaymentStatusInProgress {
			recur.Status = models.PaymentStatusInProgress
		}
	case mandates.StateCancelled:
		recur.Status = models.PaymentStatusCancelled
	case mandates.StateRejected:
		recur.Status = models.PaymentStatusFailed
	}

	oldest, err := u.Records.OldestPayment(ctx, recur.ID)
	if err != nil {
		return err
	}
	if d := receiveDateOf(oldest); !d.IsZero() {
		recur.StartDate = &d
	}

	if u.Hooks.Recurring != nil {
		u.Hooks.Recurring.AlterRecurring(ctx, recur, m)
	}

	if snapshotRecurring(recur) == before {
		return nil
	}
	if err := u.Records.SaveRecurring(ctx, recur); err != nil {
		return err
	}
	result.Modified++
	return nil
}

type recurringSnapshot struct {
	amount       string
	unit         string
	interval     int
	installments int
	status       models.PaymentStatus
	start        int64
	cancel       int64
	next         int64
}

func snapshotRecurring(r *models.RecurringPayment) recurringSnapshot {
	s := recurringSnapshot{
		amount:       r.Amount.String(),
		unit:         r.FrequencyUnit,
		interval:     r.FrequencyInterval,
		installments: -1,
		status:       r.Status,
		start:        unixOrZero(r.StartDate),
		cancel:       unixOrZero(r.CancelDate),
		next:         unixOrZero(r.NextScheduledDate),
	}
	if r.Installments != nil {
		s.installments = *r.Installments
	}
	return s
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
