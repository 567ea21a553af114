package syncapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	defaultResultLimit = 50
	maxResultLimit     = 500
)

func (a *App) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		req.AuddisIds = normalizeIds(req.AuddisIds)
		req.AruddIds = normalizeIds(req.AruddIds)

		if a.rejectWhileInFlight(c) {
			return
		}

		ctx := c.Request.Context()
		subject, _ := utils.GetSubjectFromContext(ctx)
		run, err := a.NewRun(ctx, models.SyncRunModeInteractive, models.SyncTriggeredManual, subject, req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		a.Dispatch(ctx, run, false)

		c.JSON(http.StatusAccepted, TriggerSyncResponse{
			ID:         run.ID,
			Progress:   ProgressPath(run.ID),
			RedirectTo: run.RedirectTo,
		})
	}
}

// ResumeSyncHandler picks up the queue of a failed run where it stopped.
func (a *App) ResumeSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := a.loadRun(c)
		if !ok {
			return
		}
		if run.Status != models.SyncRunStatusFailed {
			c.JSON(http.StatusConflict, gin.H{"error": "only failed runs can be resumed"})
			return
		}
		// Every run shares one queue, so only the latest run still owns it.
		ctx := c.Request.Context()
		latest, err := models.LatestSyncRun(ctx, a.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if latest == nil || latest.ID != run.ID {
			c.JSON(http.StatusConflict, gin.H{"error": "only the latest run can be resumed"})
			return
		}
		if err := models.UpdateSyncRun(ctx, a.DB, run.ID, map[string]interface{}{
			"status":     models.SyncRunStatusQueued,
			"last_error": nil,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		run.Status = models.SyncRunStatusQueued
		a.Dispatch(ctx, run, true)
		c.JSON(http.StatusAccepted, TriggerSyncResponse{ID: run.ID, Progress: ProgressPath(run.ID), RedirectTo: run.RedirectTo})
	}
}

// RetrieveReportHandler replaces the stored collection report with the one
// for the requested date (today when omitted) ahead of an interactive run.
func (a *App) RetrieveReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RetrieveReportRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		date := time.Now().UTC()
		if strings.TrimSpace(req.Date) != "" {
			d, err := utils.ParseCollectionDate(req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
				return
			}
			date = d
		}
		if a.rejectWhileInFlight(c) {
			return
		}

		rows, err := a.Reports.Reload(c.Request.Context(), date)
		if err != nil {
			config.LogError(a.Logger, "SyncApi", "RetrieveReportHandler", "retrieving collection report", req.Date, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, RetrieveReportResponse{Date: date.Format("2006-01-02"), Rows: rows})
	}
}

func (a *App) SyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := a.loadRun(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, mapRunToResponse(run))
	}
}

func (a *App) SyncSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := a.loadRun(c)
		if !ok {
			return
		}
		summary, err := models.SummarizeSyncResults(c.Request.Context(), a.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": mapRunToResponse(run), "summary": summary})
	}
}

// SyncResultsHandler pages results with an opaque cursor.
func (a *App) SyncResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultResultLimit
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxResultLimit {
				limit = n
			}
		}
		after := models.DecodeCursor(c.Query("after"))
		entries, err := models.ListSyncResults(c.Request.Context(), a.DB, resultKinds(c.Query("type")), after, limit+1)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items, info := models.PageSyncResults(entries, limit)
		c.JSON(http.StatusOK, SyncResultsResponse{Items: items, PageInfo: info})
	}
}

func (a *App) ExportResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := models.ListSyncResults(c.Request.Context(), a.DB, resultKinds(c.Query("type")), 0, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		f, err := BuildResultWorkbook(entries)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=sync-results.xlsx")
		if err := f.Write(c.Writer); err != nil {
			config.LogError(a.Logger, "SyncApi", "ExportResultsHandler", "writing workbook", len(entries), err)
		}
	}
}

// StatusHandler reports what the collection service says about our account.
func (a *App) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := a.Client.SystemStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		latest, err := models.LatestSyncRun(c.Request.Context(), a.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{"system": status}
		if latest != nil {
			resp["lastRun"] = mapRunToResponse(latest)
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (a *App) RefreshMandatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := a.Mandates.Refresh(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mandates": n})
	}
}

// rejectWhileInFlight answers 409 when the latest run is queued or running.
func (a *App) rejectWhileInFlight(c *gin.Context) bool {
	latest, err := models.LatestSyncRun(c.Request.Context(), a.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return true
	}
	if latest != nil && latest.InFlight(time.Now().UTC()) {
		c.JSON(http.StatusConflict, gin.H{"error": utils.ErrRunInProgress.Error(), "id": latest.ID})
		return true
	}
	return false
}

func (a *App) loadRun(c *gin.Context) (*models.SyncRun, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := models.GetSyncRun(c.Request.Context(), a.DB, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return run, true
}

func ProgressPath(runId uint) string {
	return "/api/directdebit/sync-runs/" + strconv.FormatUint(uint64(runId), 10)
}

// normalizeIds trims and dedupes ids. A nil list stays nil (discover) and an
// empty one stays empty (skip).
func normalizeIds(ids []string) []string {
	if ids == nil {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
