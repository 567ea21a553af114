package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrRecurringNotFound  = errors.New("recurring payment not found")
	ErrRecurringAmbiguous = errors.New("more than one recurring payment has this transaction id")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrMissingTemplate    = errors.New("repeat transaction requires an original payment id")
)

type Contact struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	DisplayName string    `gorm:"size:255;not null" json:"display_name"`
	Email       string    `gorm:"size:255" json:"email"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecurringPayment is the billing schedule of a mandate. TransactionId holds the mandate reference.
type RecurringPayment struct {
	ID                  uint            `gorm:"primary_key" json:"id"`
	ContactId           uint            `gorm:"index;not null" json:"contact_id"`
	Amount              decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	FrequencyUnit       string          `gorm:"size:16" json:"frequency_unit"`
	FrequencyInterval   int             `json:"frequency_interval"`
	Installments        *int            `json:"installments"`
	Status              PaymentStatus   `gorm:"size:20;not null;index" json:"status"`
	TransactionId       string          `gorm:"size:255;index" json:"transaction_id"`
	FinancialTypeId     int             `json:"financial_type_id"`
	PaymentInstrumentId int             `json:"payment_instrument_id"`
	NextScheduledDate   *time.Time      `json:"next_scheduled_date"`
	StartDate           *time.Time      `json:"start_date"`
	CancelDate          *time.Time      `json:"cancel_date"`
	ModifiedDate        *time.Time      `json:"modified_date"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Contribution is one realized or attempted charge of a recurring payment.
type Contribution struct {
	ID                  uint            `gorm:"primary_key" json:"id"`
	ContactId           uint            `gorm:"index;not null" json:"contact_id"`
	RecurringPaymentId  uint            `gorm:"index" json:"recurring_payment_id"`
	Amount              decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Status              PaymentStatus   `gorm:"size:20;not null" json:"status"`
	ReceiveDate         *time.Time      `gorm:"index" json:"receive_date"`
	TransactionId       string          `gorm:"size:255;index" json:"transaction_id"`
	InvoiceId           string          `gorm:"size:64;uniqueIndex" json:"invoice_id"`
	FinancialTypeId     int             `json:"financial_type_id"`
	PaymentInstrumentId int             `json:"payment_instrument_id"`
	Source              string          `gorm:"size:255" json:"source"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Subscription is a renewable membership paid for by a recurring payment.
type Subscription struct {
	ID                 uint               `gorm:"primary_key" json:"id"`
	ContactId          uint               `gorm:"index;not null" json:"contact_id"`
	RecurringPaymentId uint               `gorm:"index" json:"recurring_payment_id"`
	Status             SubscriptionStatus `gorm:"size:20;not null" json:"status"`
	Source             string             `gorm:"size:255" json:"source"`
	DurationUnit       string             `gorm:"size:16;not null;default:'year'" json:"duration_unit"`
	DurationInterval   int                `gorm:"not null;default:1" json:"duration_interval"`
	StartDate          *time.Time         `json:"start_date"`
	EndDate            *time.Time         `json:"end_date"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentParams describe a payment write. A zero ID creates a new payment;
// an empty Status keeps the stored status (or Completed on create).
// OriginalPaymentId names the template of a repeat transaction.
type PaymentParams struct {
	ID                  uint            `json:"id,omitempty"`
	OriginalPaymentId   uint            `json:"original_payment_id,omitempty"`
	ContactId           uint            `json:"contact_id"`
	RecurringPaymentId  uint            `json:"recurring_payment_id"`
	Amount              decimal.Decimal `json:"amount"`
	Status              PaymentStatus   `json:"status,omitempty"`
	ReceiveDate         time.Time       `json:"receive_date"`
	TransactionId       string          `json:"transaction_id"`
	InvoiceId           string          `json:"invoice_id"`
	FinancialTypeId     int             `json:"financial_type_id"`
	PaymentInstrumentId int             `json:"payment_instrument_id"`
	Source              string          `json:"source"`
	IsEmailReceipt      bool            `json:"is_email_receipt"`
}

// PaymentRecordStore is the gorm implementation of the payment-record system.
type PaymentRecordStore struct {
	DB *gorm.DB
}

func NewPaymentRecordStore(db *gorm.DB) *PaymentRecordStore {
	return &PaymentRecordStore{DB: db}
}

func (s *PaymentRecordStore) GetRecurringByTransactionId(ctx context.Context, transactionId string) (*RecurringPayment, error) {
	var recurs []*RecurringPayment
	if err := s.DB.WithContext(ctx).Where("transaction_id = ?", transactionId).Limit(2).Find(&recurs).Error; err != nil {
		return nil, err
	}
	switch len(recurs) {
	case 0:
		return nil, ErrRecurringNotFound
	case 1:
		return recurs[0], nil
	default:
		return nil, ErrRecurringAmbiguous
	}
}

// ListPayments returns the payments of a recurring record, newest first.
func (s *PaymentRecordStore) ListPayments(ctx context.Context, recurringId uint) ([]*Contribution, error) {
	var payments []*Contribution
	if err := s.DB.WithContext(ctx).Where("recurring_payment_id = ?", recurringId).
		Order("receive_date DESC").Order("id DESC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// OldestPayment returns nil when the recurring record has no payments.
func (s *PaymentRecordStore) OldestPayment(ctx context.Context, recurringId uint) (*Contribution, error) {
	var payments []*Contribution
	if err := s.DB.WithContext(ctx).Where("recurring_payment_id = ? AND receive_date IS NOT NULL", recurringId).
		Order("receive_date ASC").Order("id ASC").Limit(1).
		Find(&payments).Error; err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return payments[0], nil
}

// GetPaymentByTransactionId returns nil when no payment carries transactionId.
func (s *PaymentRecordStore) GetPaymentByTransactionId(ctx context.Context, transactionId string) (*Contribution, error) {
	var payments []*Contribution
	if err := s.DB.WithContext(ctx).Where("transaction_id = ?", transactionId).Order("id ASC").Limit(1).Find(&payments).Error; err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return payments[0], nil
}

func (s *PaymentRecordStore) GetPayment(ctx context.Context, id uint) (*Contribution, error) {
	var payment Contribution
	err := s.DB.WithContext(ctx).First(&payment, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// SavePayment creates a payment or overwrites the one named by params.ID.
func (s *PaymentRecordStore) SavePayment(ctx context.Context, params PaymentParams) (*Contribution, error) {
	var saved *Contribution
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment := &Contribution{}
		if params.ID != 0 {
			if err := tx.First(payment, params.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %d", ErrPaymentNotFound, params.ID)
				}
				return err
			}
		}
		applyPaymentParams(payment, params)
		if payment.Status == "" {
			payment.Status = PaymentStatusCompleted
		}
		if err := tx.Save(payment).Error; err != nil {
			return err
		}
		saved = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// CompleteTransaction moves a pending payment to Completed and renews the
// subscriptions linked to its recurring record.
func (s *PaymentRecordStore) CompleteTransaction(ctx context.Context, payment *Contribution) (*Contribution, error) {
	if payment == nil || payment.ID == 0 {
		return nil, ErrPaymentNotFound
	}
	var completed Contribution
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&completed, payment.ID).Error; err != nil {
			return err
		}
		completed.Status = PaymentStatusCompleted
		if err := tx.Save(&completed).Error; err != nil {
			return err
		}
		return renewSubscriptions(tx, completed.RecurringPaymentId, receiveDateOrNow(completed.ReceiveDate))
	})
	if err != nil {
		return nil, err
	}
	return &completed, nil
}

// RepeatTransaction copies the template payment with the new date and
// status. Completed repeats renew linked subscriptions, failed ones do not.
func (s *PaymentRecordStore) RepeatTransaction(ctx context.Context, params PaymentParams) (*Contribution, error) {
	if params.OriginalPaymentId == 0 {
		return nil, ErrMissingTemplate
	}
	var repeated *Contribution
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var template Contribution
		if err := tx.First(&template, params.OriginalPaymentId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: template %d", ErrPaymentNotFound, params.OriginalPaymentId)
			}
			return err
		}
		payment := &Contribution{
			ContactId:           template.ContactId,
			RecurringPaymentId:  template.RecurringPaymentId,
			Amount:              template.Amount,
			FinancialTypeId:     template.FinancialTypeId,
			PaymentInstrumentId: template.PaymentInstrumentId,
			Source:              template.Source,
		}
		params.ID = 0
		applyPaymentParams(payment, params)
		if payment.Status == "" {
			payment.Status = PaymentStatusCompleted
		}
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		repeated = payment
		if payment.Status != PaymentStatusCompleted {
			return nil
		}
		return renewSubscriptions(tx, payment.RecurringPaymentId, receiveDateOrNow(payment.ReceiveDate))
	})
	if err != nil {
		return nil, err
	}
	return repeated, nil
}

// SaveRecurring persists recur and stamps its modified date.
func (s *PaymentRecordStore) SaveRecurring(ctx context.Context, recur *RecurringPayment) error {
	now := time.Now().UTC()
	recur.ModifiedDate = &now
	return s.DB.WithContext(ctx).Save(recur).Error
}

func (s *PaymentRecordStore) GetContact(ctx context.Context, id uint) (*Contact, error) {
	var contact Contact
	err := s.DB.WithContext(ctx).First(&contact, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}

// GetSubscriptionSource returns the source of the first subscription paid by
// the recurring record, or "" when there is none.
func (s *PaymentRecordStore) GetSubscriptionSource(ctx context.Context, recurringId uint) (string, error) {
	var subs []*Subscription
	if err := s.DB.WithContext(ctx).Where("recurring_payment_id = ?", recurringId).Order("id ASC").Limit(1).Find(&subs).Error; err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "", nil
	}
	return strings.TrimSpace(subs[0].Source), nil
}

// ListRecurringTransactionIds returns the references of recurring records that carry one.
func (s *PaymentRecordStore) ListRecurringTransactionIds(ctx context.Context) (map[string]uint, error) {
	var recurs []*RecurringPayment
	if err := s.DB.WithContext(ctx).Select("id", "transaction_id").
		Where("transaction_id IS NOT NULL AND transaction_id <> ''").Find(&recurs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]uint, len(recurs))
	for _, r := range recurs {
		out[r.TransactionId] = r.ID
	}
	return out, nil
}

func applyPaymentParams(payment *Contribution, params PaymentParams) {
	if params.ContactId != 0 {
		payment.ContactId = params.ContactId
	}
	if params.RecurringPaymentId != 0 {
		payment.RecurringPaymentId = params.RecurringPaymentId
	}
	payment.Amount = params.Amount
	if params.Status != "" {
		payment.Status = params.Status
	}
	if !params.ReceiveDate.IsZero() {
		d := params.ReceiveDate
		payment.ReceiveDate = &d
	}
	payment.TransactionId = params.TransactionId
	if params.InvoiceId != "" {
		payment.InvoiceId = params.InvoiceId
	}
	if params.FinancialTypeId != 0 {
		payment.FinancialTypeId = params.FinancialTypeId
	}
	if params.PaymentInstrumentId != 0 {
		payment.PaymentInstrumentId = params.PaymentInstrumentId
	}
	if params.Source != "" {
		payment.Source = params.Source
	}
}

func receiveDateOrNow(d *time.Time) time.Time {
	if d == nil {
		return time.Now().UTC()
	}
	return *d
}

// renewSubscriptions extends every live subscription of a recurring record by
// one term from paidOn (or from its current end date when that is later).
func renewSubscriptions(tx *gorm.DB, recurringId uint, paidOn time.Time) error {
	if recurringId == 0 {
		return nil
	}
	var subs []*Subscription
	if err := tx.Where("recurring_payment_id = ?", recurringId).Find(&subs).Error; err != nil {
		return err
	}
	for _, sub := range subs {
		switch sub.Status {
		case SubscriptionStatusCancelled:
			continue
		case SubscriptionStatusPending:
			sub.Status = SubscriptionStatusNew
			if sub.StartDate == nil {
				start := paidOn
				sub.StartDate = &start
			}
		default:
			sub.Status = SubscriptionStatusCurrent
		}
		base := paidOn
		if sub.EndDate != nil && sub.EndDate.After(base) {
			base = *sub.EndDate
		}
		end := utils.AddFrequency(base, sub.DurationUnit, sub.DurationInterval)
		sub.EndDate = &end
		if err := tx.Save(sub).Error; err != nil {
			return err
		}
	}
	return nil
}
