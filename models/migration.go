package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Contact{}, &RecurringPayment{}, &Contribution{}, &Subscription{},
		&CollectionReportEntry{}, &CollectionReportSummary{},
		&SyncResultEntry{}, &SyncQueueItem{}, &SyncRun{},
		&ProcessedRejectionFile{},
		&IdempotencyKey{},
	)
}
