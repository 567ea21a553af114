package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// DefaultClaimTimeout is how long a STARTED claim holds off redeliveries of
// the same message before another worker may take it over.
const DefaultClaimTimeout = 5 * time.Minute

// MessageClaim records one push delivery of a sync trigger so redeliveries
// of a finished message are acknowledged without running again.
type MessageClaim struct {
	DB        *gorm.DB
	Handler   string
	MessageId string
	// Timeout defaults to DefaultClaimTimeout. A run can hold the claim
	// longer than this; the run lock then rejects the second worker.
	Timeout time.Duration
	Now     func() time.Time
}

func (c MessageClaim) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c MessageClaim) scope() *gorm.DB {
	return c.DB.Model(&models.IdempotencyKey{}).Where("handler_name = ? AND message_id = ?", c.Handler, c.MessageId)
}

// Begin takes the claim. skip is true when the message already succeeded.
func (c MessageClaim) Begin() (skip bool, err error) {
	insertErr := c.DB.Create(&models.IdempotencyKey{
		HandlerName: c.Handler,
		MessageId:   c.MessageId,
		Status:      models.IdempotencyStatusStarted,
	}).Error
	if insertErr == nil {
		return false, nil
	}
	if !models.IsDuplicateKeyErr(insertErr) {
		return false, insertErr
	}

	var existing models.IdempotencyKey
	if err := c.scope().First(&existing).Error; err != nil {
		return false, err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	switch {
	case existing.Status == models.IdempotencyStatusSucceeded:
		return true, nil
	case existing.Status == models.IdempotencyStatusStarted && c.now().Sub(existing.UpdatedAt) < timeout:
		return false, ErrIdempotencyInProgress
	}
	return false, c.mark(models.IdempotencyStatusStarted, nil)
}

func (c MessageClaim) Succeeded() error {
	return c.mark(models.IdempotencyStatusSucceeded, nil)
}

// Failed releases the claim so the next delivery runs again.
func (c MessageClaim) Failed(cause error) error {
	return c.mark(models.IdempotencyStatusFailed, cause)
}

func (c MessageClaim) mark(status models.IdempotencyStatus, cause error) error {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	return c.scope().Updates(map[string]interface{}{"status": status, "last_error": lastError}).Error
}
