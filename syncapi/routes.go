package syncapi

import (
	"net/http"

	"bitbucket.org/mmdatafocus/ddsync_backend/middlewares"
	"github.com/gin-gonic/gin"
)

// Register mounts the operator API and the Pub/Sub push endpoint.
func (a *App) Register(r gin.IRouter) {
	api := r.Group("/api/directdebit", middlewares.AuthMiddleware())
	api.POST("/sync", a.TriggerSyncHandler())
	api.GET("/sync-runs/:id", a.SyncRunHandler())
	api.POST("/sync-runs/:id/resume", a.ResumeSyncHandler())
	api.GET("/sync-runs/:id/summary", a.SyncSummaryHandler())
	api.GET("/sync-results", a.SyncResultsHandler())
	api.GET("/sync-results/export", a.ExportResultsHandler())
	api.GET("/status", a.StatusHandler())
	api.POST("/mandates/refresh", a.RefreshMandatesHandler())
	api.POST("/reports/retrieve", a.RetrieveReportHandler())

	r.POST("/pubsub/dd-sync", a.PubSubPushHandler())
}

// NotReady answers 503 on every route except /healthz until the app is wired.
func NotReady(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}
