package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBatchSize            = 10
	DefaultRetryAttempts        = 3
	DefaultReportRetentionDays  = 90
	DefaultRejectionLookbackDay = 30
	DefaultRunLockTTL           = 2 * time.Hour
)

// Settings are the sync knobs operators can change without a deploy.
//
// Set via env:
// - DD_VERIFY_SSL (default true)
// - DD_DEBUG (default false)
// - DD_FINANCIAL_TYPE_ID
// - DD_BATCH_SIZE (default 10)
// - DD_RETRY_ATTEMPTS (default 3), DD_RETRY_DELAY_MS (default 0)
// - DD_REPORT_RETENTION_DAYS (default 90)
// - DD_REJECTION_LOOKBACK_DAYS (default 30)
// - DD_ARCHIVE_BUCKET (optional GCS bucket for raw AUDDIS/ARUDD files)
// - DD_RUN_LOCK_TTL_MINUTES (default 120)
type Settings struct {
	VerifySSL             bool
	Debug                 bool
	DefaultFinancialType  int
	BatchSize             int
	RetryAttempts         int
	RetryDelay            time.Duration
	ReportRetention       time.Duration
	RejectionLookbackDays int
	ArchiveBucket         string
	RunLockTTL            time.Duration
}

func LoadSettings() Settings {
	s := Settings{
		VerifySSL:             envBool("DD_VERIFY_SSL", true),
		Debug:                 envBool("DD_DEBUG", false),
		DefaultFinancialType:  intFromEnv("DD_FINANCIAL_TYPE_ID", 0),
		BatchSize:             intFromEnv("DD_BATCH_SIZE", DefaultBatchSize),
		RetryAttempts:         intFromEnv("DD_RETRY_ATTEMPTS", DefaultRetryAttempts),
		RetryDelay:            time.Duration(intFromEnv("DD_RETRY_DELAY_MS", 0)) * time.Millisecond,
		ReportRetention:       time.Duration(intFromEnv("DD_REPORT_RETENTION_DAYS", DefaultReportRetentionDays)) * 24 * time.Hour,
		RejectionLookbackDays: intFromEnv("DD_REJECTION_LOOKBACK_DAYS", DefaultRejectionLookbackDay),
		ArchiveBucket:         strings.TrimSpace(os.Getenv("DD_ARCHIVE_BUCKET")),
		RunLockTTL:            time.Duration(intFromEnv("DD_RUN_LOCK_TTL_MINUTES", 0)) * time.Minute,
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.RunLockTTL <= 0 {
		s.RunLockTTL = DefaultRunLockTTL
	}
	return s
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
