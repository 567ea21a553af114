package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrQueueBlocked is returned by Next when the head item failed and has not been requeued.
var ErrQueueBlocked = errors.New("sync queue head item failed")

// SyncQueueItem is one persisted task. Items of a queue run in Sequence order.
type SyncQueueItem struct {
	ID         uint            `gorm:"primary_key" json:"id"`
	QueueName  string          `gorm:"size:64;not null;uniqueIndex:uniq_queue_seq,priority:1" json:"queue_name"`
	Sequence   int             `gorm:"not null;uniqueIndex:uniq_queue_seq,priority:2" json:"sequence"`
	Kind       string          `gorm:"size:32;not null" json:"kind"`
	Title      string          `gorm:"size:255" json:"title"`
	Payload    datatypes.JSON  `json:"payload"`
	Status     SyncQueueStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Attempts   int             `gorm:"not null;default:0" json:"attempts"`
	LastError  *string         `gorm:"type:text" json:"last_error"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncQueue is a durable FIFO of sync tasks keyed by Name.
type SyncQueue struct {
	DB   *gorm.DB
	Name string
}

func NewSyncQueue(db *gorm.DB, name string) *SyncQueue {
	return &SyncQueue{DB: db, Name: name}
}

// Reset drops every item of the queue.
func (q *SyncQueue) Reset(ctx context.Context) error {
	return q.DB.WithContext(ctx).Where("queue_name = ?", q.Name).Delete(&SyncQueueItem{}).Error
}

// Push appends an item at the tail.
func (q *SyncQueue) Push(ctx context.Context, kind string, title string, payload []byte) (*SyncQueueItem, error) {
	item := &SyncQueueItem{
		QueueName: q.Name,
		Kind:      kind,
		Title:     title,
		Payload:   datatypes.JSON(payload),
		Status:    SyncQueueStatusPending,
	}
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tail struct{ MaxSeq *int }
		if err := tx.Model(&SyncQueueItem{}).Where("queue_name = ?", q.Name).
			Select("MAX(sequence) AS max_seq").Scan(&tail).Error; err != nil {
			return err
		}
		item.Sequence = utils.DereferencePtr(tail.MaxSeq) + 1
		return tx.Create(item).Error
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Next claims the head item that is not done. A running head (left by a
// crashed process) is claimed again. Returns nil when the queue is drained.
func (q *SyncQueue) Next(ctx context.Context) (*SyncQueueItem, error) {
	var claimed *SyncQueueItem
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item SyncQueueItem
		err := tx.Where("queue_name = ? AND status <> ?", q.Name, SyncQueueStatusDone).
			Order("sequence ASC").
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Status == SyncQueueStatusFailed {
			return ErrQueueBlocked
		}
		now := time.Now().UTC()
		if err := tx.Model(&SyncQueueItem{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
			"status":     SyncQueueStatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": &now,
			"last_error": nil,
		}).Error; err != nil {
			return err
		}
		item.Status = SyncQueueStatusRunning
		item.Attempts++
		item.StartedAt = &now
		item.LastError = nil
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *SyncQueue) MarkDone(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	return q.DB.WithContext(ctx).Model(&SyncQueueItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      SyncQueueStatusDone,
		"finished_at": &now,
	}).Error
}

func (q *SyncQueue) MarkFailed(ctx context.Context, id uint, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	return q.DB.WithContext(ctx).Model(&SyncQueueItem{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      SyncQueueStatusFailed,
		"last_error":  &msg,
		"finished_at": &now,
	}).Error
}

// Requeue makes failed and interrupted items runnable again.
func (q *SyncQueue) Requeue(ctx context.Context) (int64, error) {
	res := q.DB.WithContext(ctx).Model(&SyncQueueItem{}).
		Where("queue_name = ? AND status IN ?", q.Name, []SyncQueueStatus{SyncQueueStatusFailed, SyncQueueStatusRunning}).
		Updates(map[string]interface{}{
			"status":      SyncQueueStatusPending,
			"finished_at": nil,
		})
	return res.RowsAffected, res.Error
}

func (q *SyncQueue) Items(ctx context.Context) ([]*SyncQueueItem, error) {
	var items []*SyncQueueItem
	if err := q.DB.WithContext(ctx).Where("queue_name = ?", q.Name).Order("sequence ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
