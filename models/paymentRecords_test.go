package models

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestGetRecurringByTransactionId(t *testing.T) {
	query := regexp.QuoteMeta("SELECT * FROM `recurring_payments` WHERE transaction_id = ? LIMIT 2")

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(query).WithArgs("REF1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "contact_id", "transaction_id", "status"}).
				AddRow(7, 3, "REF1", "Pending"))
		recur, err := NewPaymentRecordStore(db).GetRecurringByTransactionId(context.Background(), "REF1")
		require.NoError(t, err)
		assert.Equal(t, uint(7), recur.ID)
		assert.Equal(t, PaymentStatusPending, recur.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(query).WithArgs("NOPE").WillReturnRows(sqlmock.NewRows([]string{"id"}))
		_, err := NewPaymentRecordStore(db).GetRecurringByTransactionId(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ErrRecurringNotFound)
	})

	t.Run("ambiguous", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(query).WithArgs("DUP").
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id"}).AddRow(1, "DUP").AddRow(2, "DUP"))
		_, err := NewPaymentRecordStore(db).GetRecurringByTransactionId(context.Background(), "DUP")
		assert.ErrorIs(t, err, ErrRecurringAmbiguous)
	})
}

func TestRepeatTransactionRequiresTemplate(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := NewPaymentRecordStore(db).RepeatTransaction(context.Background(), PaymentParams{TransactionId: "X/1"})
	assert.ErrorIs(t, err, ErrMissingTemplate)
}

func TestApplyPaymentParamsKeepsStoredStatus(t *testing.T) {
	d := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	p := &Contribution{ID: 5, Status: PaymentStatusPending, InvoiceId: "old", Source: "checkout"}
	applyPaymentParams(p, PaymentParams{ReceiveDate: d, TransactionId: "R/20200102000000"})
	assert.Equal(t, PaymentStatusPending, p.Status)
	assert.Equal(t, "old", p.InvoiceId)
	assert.Equal(t, "checkout", p.Source)
	require.NotNil(t, p.ReceiveDate)
	assert.True(t, d.Equal(*p.ReceiveDate))
}
