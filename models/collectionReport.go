package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type CollectionOutcome string

const (
	CollectionOutcomeSuccess CollectionOutcome = "success"
	CollectionOutcomeReject  CollectionOutcome = "reject"
)

// CollectionReportEntry is one collection attempt from the daily report.
// ReceiveDate keeps the day/month/year text the service reported.
type CollectionReportEntry struct {
	ID            uint              `gorm:"primary_key" json:"id"`
	TransactionId string            `gorm:"size:255;index;not null" json:"transaction_id"`
	ReceiveDate   string            `gorm:"size:32;not null" json:"receive_date"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Outcome       CollectionOutcome `gorm:"size:16;not null;default:'success'" json:"outcome"`
	PayerName     string            `gorm:"size:255" json:"payer_name"`
	ReportDate    time.Time         `gorm:"index;not null" json:"report_date"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

// Kind maps the report outcome to the reconciliation kind.
func (e CollectionReportEntry) Kind() ReportKind {
	if e.Outcome == CollectionOutcomeReject {
		return ReportKindCollectionReject
	}
	return ReportKindCollection
}

// CollectionReportSummary is the Summary block of one retrieved report.
type CollectionReportSummary struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	ReportDate    time.Time       `gorm:"uniqueIndex;not null" json:"report_date"`
	SuccessCount  int             `json:"success_count"`
	SuccessAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"success_amount"`
	RejectCount   int             `json:"reject_count"`
	RejectAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"reject_amount"`
	Raw           datatypes.JSON  `json:"raw"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
