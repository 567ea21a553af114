package syncapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"bitbucket.org/mmdatafocus/ddsync_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const pubsubHandlerName = "dd-sync"

// DecodePushMessage unwraps a Pub/Sub push body. ok is false for anything
// that can never succeed, which is acknowledged and dropped.
func DecodePushMessage(body []byte) (envelope PubSubPushEnvelope, msg SyncMessage, ok bool) {
	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, msg, false
	}
	if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
		return envelope, msg, false
	}
	return envelope, msg, msg.RunId != 0 && envelope.Message.ID != ""
}

// PubSubPushHandler runs the queued SyncRun named by the message. Non-2xx
// responses make Pub/Sub redeliver.
func (a *App) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		envelope, msg, ok := DecodePushMessage(body)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		if cid := envelope.Message.Attributes["correlation_id"]; cid != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, cid)
		}
		log := a.Logger.WithFields(logrus.Fields{"module": "SyncApi", "message_id": envelope.Message.ID, "run_id": msg.RunId})

		claim := workflow.MessageClaim{DB: a.DB.WithContext(ctx), Handler: pubsubHandlerName, MessageId: envelope.Message.ID}
		skip, err := claim.Begin()
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			c.Status(http.StatusConflict)
			return
		}
		if err != nil {
			config.LogError(a.Logger, "SyncApi", "PubSubPushHandler", "claiming message", envelope.Message.ID, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if skip {
			log.Info("duplicate delivery skipped")
			c.Status(http.StatusNoContent)
			return
		}

		run, err := models.GetSyncRun(ctx, a.DB, msg.RunId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = claim.Succeeded()
			c.Status(http.StatusNoContent)
			return
		}
		if err != nil {
			_ = claim.Failed(err)
			c.Status(http.StatusInternalServerError)
			return
		}
		if run.Status.IsTerminal() && !msg.Resume {
			_ = claim.Succeeded()
			c.Status(http.StatusNoContent)
			return
		}

		// Failures, lock contention included, are recorded on the SyncRun and
		// handled by an operator rather than by redelivery.
		_, runErr := a.ExecuteRun(ctx, run, msg.Resume)
		if runErr != nil {
			log.WithError(runErr).Warn("sync run failed")
		}
		if err := claim.Succeeded(); err != nil {
			config.LogError(a.Logger, "SyncApi", "PubSubPushHandler", "marking message done", envelope.Message.ID, err)
		}
		c.Status(http.StatusNoContent)
	}
}
