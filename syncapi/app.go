package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/mandates"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/reports"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"bitbucket.org/mmdatafocus/ddsync_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RunLockKey serialises sync runs across processes.
const RunLockKey = "ddsync:run"

// App wires the sync components over one database, redis and remote client.
type App struct {
	DB       *gorm.DB
	Locker   *redislock.Client
	Client   *ddclient.Client
	Mandates *mandates.Registry
	Reports  *reports.Store
	Records  *models.PaymentRecordStore
	Runner   *workflow.SyncRunner
	Updater  *workflow.RecurringUpdater
	Settings config.Settings
	Logger   *logrus.Logger
}

// NewApp validates the processor configuration and builds the component graph.
func NewApp(db *gorm.DB, rdb *redis.Client, locker *redislock.Client, settings config.Settings, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = config.GetLogger()
	}
	details := config.GetProcessorDetails(false)
	if err := details.Validate(); err != nil {
		return nil, err
	}
	client, err := ddclient.NewClient(ddclient.OptionsFromConfig(details, settings, logger))
	if err != nil {
		return nil, err
	}

	records := models.NewPaymentRecordStore(db)
	registry := mandates.NewRegistry(client, records, rdb, logger)
	results := workflow.GormResultStore{DB: db}
	store := reports.NewStore(db, client, logger)

	engine := workflow.NewEngine(records, registry, results, settings, logger)
	rejections := workflow.NewRejectionProcessor(client, engine, workflow.GormProcessedFiles{DB: db}, logger)
	if settings.ArchiveBucket != "" {
		rejections.Archiver = workflow.GCSArchiver{Bucket: settings.ArchiveBucket}
	}
	updater := workflow.NewRecurringUpdater(records, registry, logger)

	runner := &workflow.SyncRunner{
		Queue:      models.NewSyncQueue(db, workflow.QueueName),
		Reports:    store,
		Engine:     engine,
		Rejections: rejections,
		Recurring:  updater,
		Results:    results,
		Settings:   settings,
		Logger:     logger,
	}

	return &App{
		DB:       db,
		Locker:   locker,
		Client:   client,
		Mandates: registry,
		Reports:  store,
		Records:  records,
		Runner:   runner,
		Updater:  updater,
		Settings: settings,
		Logger:   logger,
	}, nil
}

// RunRequest is what a caller asks a sync run to cover.
type RunRequest struct {
	AuddisIds []string `json:"auddisIds"`
	AruddIds  []string `json:"aruddIds"`
}

// NewRun records a queued run. Interactive runs get a summary redirect.
func (a *App) NewRun(ctx context.Context, mode models.SyncRunMode, triggeredBy string, requestedBy string, req RunRequest) (*models.SyncRun, error) {
	ctx, cid := utils.EnsureCorrelationId(ctx)
	body, err := utils.MarshalToJSON(req)
	if err != nil {
		return nil, err
	}
	run := &models.SyncRun{
		Mode:          mode,
		Status:        models.SyncRunStatusQueued,
		TriggeredBy:   triggeredBy,
		RequestedBy:   requestedBy,
		CorrelationId: cid,
		RequestJSON:   datatypes.JSON([]byte(body)),
	}
	if err := models.CreateSyncRun(ctx, a.DB, run); err != nil {
		return nil, err
	}
	if mode == models.SyncRunModeInteractive {
		run.RedirectTo = SummaryPath(run.ID)
		if err := models.UpdateSyncRun(ctx, a.DB, run.ID, map[string]interface{}{"redirect_to": run.RedirectTo}); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// ExecuteRun plans (unless resuming) and runs the queue under the run lock,
// keeping the SyncRun row current for the progress view.
func (a *App) ExecuteRun(ctx context.Context, run *models.SyncRun, resume bool) (workflow.RunStats, error) {
	var stats workflow.RunStats
	ctx = utils.SetSyncRunIdInContext(ctx, run.ID)
	ctx = utils.SetInteractiveInContext(ctx, run.Mode == models.SyncRunModeInteractive)
	log := a.Logger.WithFields(logrus.Fields{"module": "SyncApp", "run_id": run.ID, "mode": run.Mode})

	lock, err := utils.ObtainRunLock(ctx, a.Locker, RunLockKey, a.Settings.RunLockTTL)
	if err != nil {
		if errors.Is(err, utils.ErrRunInProgress) {
			log.Warn("another sync run holds the lock")
		}
		// A resumed run stays failed so it can be resumed again; a fresh one
		// never planned its queue.
		status := models.SyncRunStatusSkipped
		if resume {
			status = models.SyncRunStatusFailed
		}
		return stats, a.record(ctx, run, status, stats, err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, redislock.ErrLockNotHeld) {
			config.LogError(a.Logger, "SyncApp", "ExecuteRun", "releasing run lock", run.ID, rerr)
		}
	}()

	now := time.Now().UTC()
	run.StartedAt = &now
	if err := models.UpdateSyncRun(ctx, a.DB, run.ID, map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": &now,
	}); err != nil {
		return stats, err
	}

	if !resume {
		var req RunRequest
		if len(run.RequestJSON) > 0 {
			if err := utils.UnmarshalFromJSON(run.RequestJSON, &req); err != nil {
				return stats, a.finish(ctx, run, stats, err)
			}
		}
		total, err := a.Runner.Prepare(ctx, workflow.PlanOptions{Mode: run.Mode, AuddisIds: req.AuddisIds, AruddIds: req.AruddIds})
		if err != nil {
			return stats, a.finish(ctx, run, stats, err)
		}
		run.TotalTasks = total
		if err := models.UpdateSyncRun(ctx, a.DB, run.ID, map[string]interface{}{"total_tasks": total}); err != nil {
			return stats, a.finish(ctx, run, stats, err)
		}
	}

	progress := func(p workflow.Progress) {
		run.DoneTasks = p.Done
		run.TotalTasks = p.Total
		fields := map[string]interface{}{"done_tasks": p.Done, "total_tasks": p.Total, "current_task": p.Title}
		if err := models.UpdateSyncRun(ctx, a.DB, run.ID, fields); err != nil {
			config.LogError(a.Logger, "SyncApp", "ExecuteRun", "updating progress", fields, err)
		}
	}
	if resume {
		stats, err = a.Runner.Resume(ctx, progress)
	} else {
		stats, err = a.Runner.Run(ctx, progress)
	}
	return stats, a.finish(ctx, run, stats, err)
}

func (a *App) finish(ctx context.Context, run *models.SyncRun, stats workflow.RunStats, cause error) error {
	status := models.SyncRunStatusSuccess
	if cause != nil {
		status = models.SyncRunStatusFailed
	}
	return a.record(ctx, run, status, stats, cause)
}

func (a *App) record(ctx context.Context, run *models.SyncRun, status models.SyncRunStatus, stats workflow.RunStats, cause error) error {
	if body, err := json.Marshal(stats); err == nil {
		run.StatsJSON = datatypes.JSON(body)
	}
	if err := models.FinishSyncRun(context.WithoutCancel(ctx), a.DB, run, status, cause); err != nil {
		config.LogError(a.Logger, "SyncApp", "finish", "recording run result", run.ID, err)
	}
	a.Logger.WithFields(logrus.Fields{
		"module":  "SyncApp",
		"run_id":  run.ID,
		"status":  status,
		"matched": stats.Matched,
	}).Info("sync run recorded")
	return cause
}

// SyncMessage is the Pub/Sub payload that starts a queued run.
type SyncMessage struct {
	RunId  uint `json:"run_id"`
	Resume bool `json:"resume,omitempty"`
}

// Dispatch hands a queued run to the push worker when Pub/Sub is configured,
// otherwise it runs in the background of this process.
func (a *App) Dispatch(ctx context.Context, run *models.SyncRun, resume bool) {
	if config.PubSubProjectID() != "" {
		attrs := map[string]string{}
		if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			attrs["correlation_id"] = cid
		}
		_, err := config.PublishJSON(ctx, config.SyncTopic(), SyncMessage{RunId: run.ID, Resume: resume}, attrs)
		if err == nil {
			return
		}
		config.LogError(a.Logger, "SyncApp", "Dispatch", "publishing sync trigger", run.ID, err)
	}
	go func() {
		bg := context.WithoutCancel(ctx)
		if _, err := a.ExecuteRun(bg, run, resume); err != nil {
			config.LogError(a.Logger, "SyncApp", "Dispatch", "running sync", run.ID, err)
		}
	}()
}

func SummaryPath(runId uint) string {
	return "/api/directdebit/sync-runs/" + strconv.FormatUint(uint64(runId), 10) + "/summary"
}
