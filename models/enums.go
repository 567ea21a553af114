package models

import (
	"errors"
	"strings"
)

// ReportKind identifies where a reconciled record came from.
type ReportKind string

const (
	ReportKindCollection       ReportKind = "collection"
	ReportKindCollectionReject ReportKind = "collection_reject"
	ReportKindAuddis           ReportKind = "auddis"
	ReportKindArudd            ReportKind = "arudd"
)

// IsFailure reports whether records of this kind are written as failed payments.
func (k ReportKind) IsFailure() bool {
	return k != ReportKindCollection
}

// SourceTag is the description prefix written on payment instances.
func (k ReportKind) SourceTag() string {
	switch k {
	case ReportKindCollection:
		return "[REPORT]"
	case ReportKindCollectionReject:
		return "[REPORT] rejected"
	case ReportKindAuddis:
		return "[AUDDIS]"
	case ReportKindArudd:
		return "[ARUDD]"
	default:
		return "[" + strings.ToUpper(string(k)) + "]"
	}
}

func (k ReportKind) IsValid() bool {
	switch k {
	case ReportKindCollection, ReportKindCollectionReject, ReportKindAuddis, ReportKindArudd:
		return true
	}
	return false
}

// RejectionKind is the subset of ReportKind carried by rejection files.
type RejectionKind = ReportKind

func ParseRejectionKind(s string) (RejectionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auddis":
		return ReportKindAuddis, nil
	case "arudd":
		return ReportKindArudd, nil
	}
	return "", errors.New("invalid rejection kind")
}

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "Pending"
	PaymentStatusInProgress PaymentStatus = "In Progress"
	PaymentStatusCompleted  PaymentStatus = "Completed"
	PaymentStatusCancelled  PaymentStatus = "Cancelled"
	PaymentStatusFailed     PaymentStatus = "Failed"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "Pending"
	SubscriptionStatusNew       SubscriptionStatus = "New"
	SubscriptionStatusCurrent   SubscriptionStatus = "Current"
	SubscriptionStatusExpired   SubscriptionStatus = "Expired"
	SubscriptionStatusCancelled SubscriptionStatus = "Cancelled"
)

type SyncQueueStatus string

const (
	SyncQueueStatusPending SyncQueueStatus = "pending"
	SyncQueueStatusRunning SyncQueueStatus = "running"
	SyncQueueStatusDone    SyncQueueStatus = "done"
	SyncQueueStatusFailed  SyncQueueStatus = "failed"
)

type SyncRunMode string

const (
	SyncRunModeInteractive SyncRunMode = "interactive"
	SyncRunModeUnattended  SyncRunMode = "unattended"
)

type SyncRunStatus string

const (
	SyncRunStatusQueued  SyncRunStatus = "queued"
	SyncRunStatusRunning SyncRunStatus = "running"
	SyncRunStatusSuccess SyncRunStatus = "success"
	SyncRunStatusFailed  SyncRunStatus = "failed"
	// SyncRunStatusSkipped marks a run that never started because another
	// run held the lock. Its queue was not touched.
	SyncRunStatusSkipped SyncRunStatus = "skipped"
)

func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunStatusSuccess || s == SyncRunStatusFailed || s == SyncRunStatusSkipped
}
