package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ProcessedRejectionFile marks an AUDDIS/ARUDD file whose records all matched.
type ProcessedRejectionFile struct {
	ID          uint          `gorm:"primary_key" json:"id"`
	Kind        RejectionKind `gorm:"size:16;not null;uniqueIndex:uniq_rejection_file,priority:1" json:"kind"`
	FileId      string        `gorm:"size:64;not null;uniqueIndex:uniq_rejection_file,priority:2" json:"file_id"`
	ReportDate  *time.Time    `json:"report_date"`
	Checksum    string        `gorm:"size:32" json:"checksum"`
	Records     int           `json:"records"`
	ArchivePath string        `gorm:"size:512" json:"archive_path"`
	ProcessedAt time.Time     `gorm:"not null" json:"processed_at"`
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// MarkRejectionFileProcessed is idempotent: a second mark of the same file is a no-op.
func MarkRejectionFileProcessed(ctx context.Context, db *gorm.DB, file *ProcessedRejectionFile) error {
	if file.ProcessedAt.IsZero() {
		file.ProcessedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).Create(file).Error
	if err != nil && IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

// ProcessedRejectionFileIds returns the set of file ids of kind already processed.
func ProcessedRejectionFileIds(ctx context.Context, db *gorm.DB, kind RejectionKind) (map[string]bool, error) {
	var ids []string
	if err := db.WithContext(ctx).Model(&ProcessedRejectionFile{}).Where("kind = ?", kind).Pluck("file_id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
