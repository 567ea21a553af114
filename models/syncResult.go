package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SyncResultEntry is written once per reconciled record and read back by the
// end-of-run summary. The table is cleared when a new run is planned.
type SyncResultEntry struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	Type          ReportKind      `gorm:"size:32;index;not null" json:"type"`
	TransactionId string          `gorm:"size:255;index" json:"transaction_id"`
	PaymentId     uint            `gorm:"index" json:"payment_id"`
	ContactId     uint            `json:"contact_id"`
	ContactName   string          `gorm:"size:255" json:"contact_name"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Frequency     string          `gorm:"size:64" json:"frequency"`
	ReceiveDate   time.Time       `json:"receive_date"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type SyncSummaryLine struct {
	Count       int             `json:"count"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// SyncSummary splits results into successful collections and everything rejected.
type SyncSummary struct {
	Success   SyncSummaryLine    `json:"success"`
	Reject    SyncSummaryLine    `json:"reject"`
	Successes []*SyncResultEntry `json:"successes"`
	Rejects   []*SyncResultEntry `json:"rejects"`
}

func ClearSyncResults(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SyncResultEntry{}).Error
}

func SaveSyncResult(ctx context.Context, db *gorm.DB, entry *SyncResultEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

// ListSyncResults pages by id. kinds filters by type when non-empty.
func ListSyncResults(ctx context.Context, db *gorm.DB, kinds []ReportKind, afterId uint, limit int) ([]*SyncResultEntry, error) {
	var results []*SyncResultEntry
	q := db.WithContext(ctx).Model(&SyncResultEntry{}).Where("id > ?", afterId).Order("id ASC")
	if len(kinds) > 0 {
		q = q.Where("type IN ?", kinds)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func SummarizeSyncResults(ctx context.Context, db *gorm.DB) (*SyncSummary, error) {
	all, err := ListSyncResults(ctx, db, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return BuildSyncSummary(all), nil
}

func BuildSyncSummary(entries []*SyncResultEntry) *SyncSummary {
	summary := &SyncSummary{
		Success: SyncSummaryLine{Amount: decimal.Zero, Description: "Successful payment(s) synchronised"},
		Reject:  SyncSummaryLine{Amount: decimal.Zero, Description: "Failed payment(s) synchronised"},
	}
	for _, e := range entries {
		if e.Type == ReportKindCollection {
			summary.Successes = append(summary.Successes, e)
			summary.Success.Amount = summary.Success.Amount.Add(e.Amount)
		} else {
			summary.Rejects = append(summary.Rejects, e)
			summary.Reject.Amount = summary.Reject.Amount.Add(e.Amount)
		}
	}
	summary.Success.Count = len(summary.Successes)
	summary.Reject.Count = len(summary.Rejects)
	return summary
}
