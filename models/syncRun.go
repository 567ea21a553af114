package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredPubSub   = "pubsub"
)

// SyncRun tracks one execution of the sync queue and drives the progress view.
type SyncRun struct {
	ID            uint           `gorm:"primary_key" json:"id"`
	Mode          SyncRunMode    `gorm:"size:20;not null" json:"mode"`
	Status        SyncRunStatus  `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy   string         `gorm:"size:20" json:"triggered_by"`
	RequestedBy   string         `gorm:"size:255" json:"requested_by"`
	CorrelationId string         `gorm:"size:64;index" json:"correlation_id"`
	TotalTasks    int            `json:"total_tasks"`
	DoneTasks     int            `json:"done_tasks"`
	CurrentTask   string         `gorm:"size:255" json:"current_task"`
	LastError     *string        `gorm:"type:text" json:"last_error"`
	RequestJSON   datatypes.JSON `json:"request"`
	StatsJSON     datatypes.JSON `json:"stats"`
	RedirectTo    string         `gorm:"size:255" json:"redirect_to"`
	StartedAt     *time.Time     `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at"`
	DurationMs    int64          `json:"duration_ms"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueuedRunStaleAfter bounds how long a queued run that was never picked up
// keeps blocking new runs.
const QueuedRunStaleAfter = 15 * time.Minute

// InFlight reports whether the run is executing or waiting to be picked up.
func (r *SyncRun) InFlight(now time.Time) bool {
	switch r.Status {
	case SyncRunStatusRunning:
		return true
	case SyncRunStatusQueued:
		return now.Sub(r.CreatedAt) < QueuedRunStaleAfter
	}
	return false
}

func CreateSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun) error {
	if run.Status == "" {
		run.Status = SyncRunStatusQueued
	}
	return db.WithContext(ctx).Create(run).Error
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestSyncRun returns nil when no run was recorded yet.
func LatestSyncRun(ctx context.Context, db *gorm.DB) (*SyncRun, error) {
	var runs []*SyncRun
	if err := db.WithContext(ctx).Order("id DESC").Limit(1).Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func UpdateSyncRun(ctx context.Context, db *gorm.DB, id uint, fields map[string]interface{}) error {
	return db.WithContext(ctx).Model(&SyncRun{}).Where("id = ?", id).Updates(fields).Error
}

// FinishSyncRun stamps the terminal status and duration.
func FinishSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun, status SyncRunStatus, cause error) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":      status,
		"finished_at": &now,
		"done_tasks":  run.DoneTasks,
	}
	if run.StartedAt != nil {
		fields["duration_ms"] = now.Sub(*run.StartedAt).Milliseconds()
	}
	if cause != nil {
		msg := cause.Error()
		fields["last_error"] = &msg
	}
	if len(run.StatsJSON) > 0 {
		fields["stats_json"] = run.StatsJSON
	}
	run.Status = status
	run.FinishedAt = &now
	return UpdateSyncRun(ctx, db, run.ID, fields)
}
