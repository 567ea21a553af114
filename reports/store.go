package reports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const receiveDateLayout = "02/01/2006"

// Source fetches one day's collection report.
type Source interface {
	CollectionReport(ctx context.Context, date time.Time) (*ddclient.CollectionReport, error)
}

// Store keeps the collection report rows worked through by a sync run.
type Store struct {
	db     *gorm.DB
	source Source
	logger *logrus.Logger
}

func NewStore(db *gorm.DB, source Source, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Store{db: db, source: source, logger: logger}
}

// RetrieveDaily downloads the report for date and replaces any rows already
// stored for it. It returns the number of rows saved.
func (s *Store) RetrieveDaily(ctx context.Context, date time.Time) (int, error) {
	if s.source == nil {
		return 0, errors.New("collection report source is not configured")
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	report, err := s.source.CollectionReport(ctx, day)
	if err != nil {
		return 0, err
	}
	if report.Empty() && report.Summary == nil {
		s.logger.WithField("date", day.Format("2006-01-02")).Info("no collection report for date")
		return 0, nil
	}

	entries := make([]*models.CollectionReportEntry, 0, len(report.Rows))
	for _, row := range report.Rows {
		outcome := models.CollectionOutcomeSuccess
		if !row.Success {
			outcome = models.CollectionOutcomeReject
		}
		receive := row.ReceiveDate
		if receive == "" {
			receive = day.Format(receiveDateLayout)
		}
		entries = append(entries, &models.CollectionReportEntry{
			TransactionId: row.Reference,
			ReceiveDate:   receive,
			Amount:        row.Amount,
			Outcome:       outcome,
			PayerName:     row.PayerName,
			ReportDate:    day,
		})
	}

	raw, err := json.Marshal(report.Summary)
	if err != nil {
		return 0, err
	}
	summary := &models.CollectionReportSummary{
		ReportDate:    day,
		SuccessCount:  report.SuccessCount,
		SuccessAmount: report.SuccessAmount,
		RejectCount:   report.RejectCount,
		RejectAmount:  report.RejectAmount,
		Raw:           raw,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_date = ?", day).Delete(&models.CollectionReportEntry{}).Error; err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := tx.CreateInBatches(entries, 100).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "report_date"}},
			DoUpdates: clause.AssignmentColumns([]string{"success_count", "success_amount", "reject_count", "reject_amount", "raw", "updated_at"}),
		}).Create(summary).Error
	})
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{
		"date":    day.Format("2006-01-02"),
		"success": report.SuccessCount,
		"reject":  report.RejectCount,
	}).Info("collection report retrieved")
	return len(entries), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.CollectionReportEntry{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Get pages through the rows in id order so batch ranges stay stable.
func (s *Store) Get(ctx context.Context, offset, limit int) ([]*models.CollectionReportEntry, error) {
	var entries []*models.CollectionReportEntry
	err := s.db.WithContext(ctx).Order("id").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, err
}

// RemoveOld purges rows and summaries older than retention.
func (s *Store) RemoveOld(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = time.Duration(config.DefaultReportRetentionDays) * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&models.CollectionReportEntry{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return tx.Where("created_at < ?", cutoff).Delete(&models.CollectionReportSummary{}).Error
	})
	return removed, err
}

// Reload replaces every stored row with the report for date, leaving the
// store holding exactly what the next interactive run reconciles.
func (s *Store) Reload(ctx context.Context, date time.Time) (int, error) {
	if err := s.Delete(ctx); err != nil {
		return 0, err
	}
	return s.RetrieveDaily(ctx, date)
}

// Delete clears every stored row.
func (s *Store) Delete(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.CollectionReportEntry{}).Error
}
