package workflow

import (
	"context"
	"math"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/models"
)

// paymentPlan is the first-vs-repeat decision for one record.
//
//	First && PaymentId != 0   overwrite that instance
//	First && PaymentId == 0   create the first instance
//	!First && PaymentId != 0  repeat using PaymentId as template
//	!First && PaymentId == 0  outside the billing window with no template: fresh instance
type paymentPlan struct {
	First       bool
	PaymentId   uint
	PriorStatus models.PaymentStatus
	Reason      string
}

// frequencyWindowDays is the duplicate-import window per billing unit. The
// multipliers are coarse on purpose and must stay as they are: existing data
// was imported with them. Zero means no window.
func frequencyWindowDays(unit string, interval int) int {
	switch unit {
	case "day":
		return interval * 1
	case "month":
		return interval * 7
	case "year":
		return interval * 30
	case "lifetime":
		return 0
	default:
		return 30
	}
}

// dayDifference counts whole days between a and b regardless of order.
func dayDifference(a, b time.Time) int {
	return int(math.Abs(a.Sub(b).Hours()) / 24)
}

func recurFrequency(recur *models.RecurringPayment) (string, int) {
	unit := strings.TrimSpace(recur.FrequencyUnit)
	if unit == "" {
		unit = "year"
	}
	interval := recur.FrequencyInterval
	if interval <= 0 {
		interval = 1
	}
	return unit, interval
}

func (e *Engine) checkIfFirstPayment(ctx context.Context, recur *models.RecurringPayment, transactionId string, receiveDate time.Time) (paymentPlan, error) {
	payments, err := e.Records.ListPayments(ctx, recur.ID)
	if err != nil {
		return paymentPlan{}, err
	}
	if len(payments) == 0 {
		return paymentPlan{First: true, Reason: "no payments"}, nil
	}

	for _, p := range payments {
		if p.TransactionId == transactionId {
			return paymentPlan{First: true, PaymentId: p.ID, PriorStatus: p.Status, Reason: "identical transaction id"}, nil
		}
	}

	newest := payments[0]
	if recur.TransactionId != "" && strings.HasPrefix(newest.TransactionId, recur.TransactionId+"/") {
		return paymentPlan{First: false, PaymentId: newest.ID, PriorStatus: newest.Status, Reason: "previous payment imported"}, nil
	}

	if newest.ReceiveDate != nil && !receiveDate.IsZero() {
		unit, interval := recurFrequency(recur)
		window := frequencyWindowDays(unit, interval)
		if window != 0 && dayDifference(receiveDate, *newest.ReceiveDate) < window {
			return paymentPlan{First: true, PaymentId: newest.ID, PriorStatus: newest.Status, Reason: "within billing window"}, nil
		}
		return paymentPlan{First: false, Reason: "outside billing window"}, nil
	}
	return paymentPlan{First: true, Reason: "no comparable date"}, nil
}
