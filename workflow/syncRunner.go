package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueueName is the durable queue every sync run is planned into.
const QueueName = "dd-pull"

type TaskQueue interface {
	Reset(ctx context.Context) error
	Push(ctx context.Context, kind string, title string, payload []byte) (*models.SyncQueueItem, error)
	Next(ctx context.Context) (*models.SyncQueueItem, error)
	MarkDone(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, cause error) error
	Requeue(ctx context.Context) (int64, error)
	Items(ctx context.Context) ([]*models.SyncQueueItem, error)
}

type ReportStore interface {
	RetrieveDaily(ctx context.Context, date time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, offset, limit int) ([]*models.CollectionReportEntry, error)
	RemoveOld(ctx context.Context, retention time.Duration) (int64, error)
	Delete(ctx context.Context) error
}

// PlanOptions select what a run covers. Nil id lists mean "discover";
// empty non-nil lists mean "none".
type PlanOptions struct {
	Mode      models.SyncRunMode
	AuddisIds []string
	AruddIds  []string
}

type Progress struct {
	Done  int
	Total int
	Title string
	Err   error
}

// ProgressFunc is called after every task, failed ones included.
type ProgressFunc func(Progress)

type RunStats struct {
	Tasks          int                   `json:"tasks"`
	Matched        int                   `json:"matched"`
	Unmatched      int                   `json:"unmatched"`
	RejectionFiles []RejectionFileResult `json:"rejection_files,omitempty"`
	Recurring      RecurringUpdateResult `json:"recurring"`
	RemovedRows    int64                 `json:"removed_rows"`
}

// SyncRunner plans a run into the durable queue and executes it one task at
// a time. The first failing task aborts the run.
type SyncRunner struct {
	Queue      TaskQueue
	Reports    ReportStore
	Engine     Reconciler
	Rejections *RejectionProcessor
	Recurring  *RecurringUpdater
	Results    ResultStore
	Settings   config.Settings
	Logger     *logrus.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

func (r *SyncRunner) logger() *logrus.Logger {
	if r.Logger == nil {
		r.Logger = config.GetLogger()
	}
	return r.Logger
}

// logFields tags runner log lines with the run carried by ctx.
func (r *SyncRunner) logFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	fields["module"] = "SyncRunner"
	if id, ok := utils.GetSyncRunIdFromContext(ctx); ok {
		fields["run_id"] = id
		fields["interactive"] = utils.GetInteractiveFromContext(ctx)
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	return fields
}

func (r *SyncRunner) tracer() trace.Tracer {
	if r.Tracer == nil {
		r.Tracer = otel.Tracer("ddsync/workflow")
	}
	return r.Tracer
}

func (r *SyncRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *SyncRunner) batchSize() int {
	if r.Settings.BatchSize > 0 {
		return r.Settings.BatchSize
	}
	return config.DefaultBatchSize
}

// Prepare resets the queue and enqueues the full task plan. It returns the
// number of tasks queued. Unattended runs replace the stored report rows
// with today's report; interactive runs use the rows an operator retrieved.
func (r *SyncRunner) Prepare(ctx context.Context, opts PlanOptions) (int, error) {
	ctx, span := r.tracer().Start(ctx, "sync.prepare", trace.WithAttributes(attribute.String("dd.mode", string(opts.Mode))))
	defer span.End()
	log := r.logger().WithFields(r.logFields(ctx, logrus.Fields{"mode": opts.Mode}))

	if err := r.Queue.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	if r.Results != nil {
		if err := r.Results.ClearSyncResults(ctx); err != nil {
			return 0, fmt.Errorf("clear sync results: %w", err)
		}
	}

	if opts.Mode != models.SyncRunModeInteractive {
		if err := r.Reports.Delete(ctx); err != nil {
			return 0, fmt.Errorf("clear collection report: %w", err)
		}
		if _, err := r.Reports.RetrieveDaily(ctx, r.now()); err != nil {
			return 0, fmt.Errorf("retrieve daily collection report: %w", err)
		}
	}

	var plan []Task
	count, err := r.Reports.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count collection report: %w", err)
	}
	plan = append(plan, PlanCollectionBatches(count, r.batchSize())...)

	auddisIds, err := r.rejectionIds(ctx, models.ReportKindAuddis, opts.AuddisIds)
	if err != nil {
		return 0, err
	}
	if len(auddisIds) > 0 {
		plan = append(plan, ReconcileAuddis{Ids: auddisIds})
	}
	aruddIds, err := r.rejectionIds(ctx, models.ReportKindArudd, opts.AruddIds)
	if err != nil {
		return 0, err
	}
	if len(aruddIds) > 0 {
		plan = append(plan, ReconcileArudd{Ids: aruddIds})
	}

	plan = append(plan, UpdateRecurring{}, Cleanup{})

	for _, task := range plan {
		kind, payload, err := EncodeTask(task)
		if err != nil {
			return 0, err
		}
		if _, err := r.Queue.Push(ctx, string(kind), task.Title(), payload); err != nil {
			return 0, fmt.Errorf("queue %s: %w", kind, err)
		}
	}
	span.SetAttributes(attribute.Int("dd.tasks", len(plan)), attribute.Int("dd.report_rows", count))
	log.WithFields(logrus.Fields{"tasks": len(plan), "report_rows": count}).Info("sync planned")
	return len(plan), nil
}

// PlanCollectionBatches splits count rows into ceil(count/batch) ranges.
func PlanCollectionBatches(count, batch int) []Task {
	if batch <= 0 {
		batch = config.DefaultBatchSize
	}
	var tasks []Task
	for start := 0; start < count; start += batch {
		length := batch
		if start+length > count {
			length = count - start
		}
		tasks = append(tasks, CollectionBatch{Start: start, Length: length, Total: count})
	}
	return tasks
}

func (r *SyncRunner) rejectionIds(ctx context.Context, kind models.RejectionKind, explicit []string) ([]string, error) {
	if explicit != nil {
		return explicit, nil
	}
	if r.Rejections == nil {
		return nil, nil
	}
	r.logger().WithField("kind", kind).Info("discovering rejection files")
	ids, err := r.Rejections.Discover(ctx, kind, r.Settings.RejectionLookbackDays, r.now())
	if err != nil {
		if errors.Is(err, config.ErrMissingAPIURL) {
			return nil, err
		}
		config.LogError(r.logger(), "SyncRunner", "Prepare", "discovering "+string(kind)+" files", nil, err)
		return nil, nil
	}
	return ids, nil
}

// Run drains the queue. On the first task error the item is marked failed
// and the error is returned; the remaining items stay queued.
func (r *SyncRunner) Run(ctx context.Context, progress ProgressFunc) (RunStats, error) {
	var stats RunStats
	ctx, span := r.tracer().Start(ctx, "sync.run")
	defer span.End()

	items, err := r.Queue.Items(ctx)
	if err != nil {
		return stats, err
	}
	total, done := len(items), 0
	for _, it := range items {
		if it.Status == models.SyncQueueStatusDone {
			done++
		}
	}

	for {
		item, err := r.Queue.Next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return stats, err
		}
		if item == nil {
			break
		}

		taskErr := r.runItem(ctx, item, &stats)
		if taskErr != nil {
			if err := r.Queue.MarkFailed(ctx, item.ID, taskErr); err != nil {
				config.LogError(r.logger(), "SyncRunner", "Run", "marking task failed", item.ID, err)
			}
			if progress != nil {
				progress(Progress{Done: done, Total: total, Title: item.Title, Err: taskErr})
			}
			span.RecordError(taskErr)
			span.SetStatus(codes.Error, taskErr.Error())
			return stats, fmt.Errorf("task %q: %w", item.Title, taskErr)
		}
		if err := r.Queue.MarkDone(ctx, item.ID); err != nil {
			return stats, err
		}
		done++
		stats.Tasks++
		if progress != nil {
			progress(Progress{Done: done, Total: total, Title: item.Title})
		}
	}
	r.logger().WithFields(r.logFields(ctx, logrus.Fields{
		"tasks":     stats.Tasks,
		"matched":   stats.Matched,
		"unmatched": stats.Unmatched,
	})).Info("sync run finished")
	return stats, nil
}

// Resume makes failed or interrupted items runnable again and runs the queue.
func (r *SyncRunner) Resume(ctx context.Context, progress ProgressFunc) (RunStats, error) {
	n, err := r.Queue.Requeue(ctx)
	if err != nil {
		return RunStats{}, err
	}
	r.logger().WithField("requeued", n).Info("resuming sync queue")
	return r.Run(ctx, progress)
}

func (r *SyncRunner) runItem(ctx context.Context, item *models.SyncQueueItem, stats *RunStats) error {
	task, err := DecodeTask(item.Kind, item.Payload)
	if err != nil {
		return err
	}
	ctx, span := r.tracer().Start(ctx, "sync.task", trace.WithAttributes(
		attribute.String("dd.task", string(task.Kind())),
		attribute.String("dd.title", item.Title),
	))
	defer span.End()

	started := time.Now()
	err = r.execute(ctx, task, stats)
	r.logger().WithFields(r.logFields(ctx, logrus.Fields{
		"task":        task.Kind(),
		"title":       item.Title,
		"duration_ms": time.Since(started).Milliseconds(),
	})).Info("task finished")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *SyncRunner) execute(ctx context.Context, task Task, stats *RunStats) error {
	switch t := task.(type) {
	case CollectionBatch:
		entries, err := r.Reports.Get(ctx, t.Start, t.Length)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, ok := r.Engine.ProcessCollection(ctx, e.TransactionId, e.ReceiveDate, e.Amount, e.Kind(), ""); ok {
				stats.Matched++
			} else {
				stats.Unmatched++
			}
		}
		return nil

	case ReconcileAuddis:
		return r.reconcileFiles(ctx, models.ReportKindAuddis, t.Ids, stats)

	case ReconcileArudd:
		return r.reconcileFiles(ctx, models.ReportKindArudd, t.Ids, stats)

	case UpdateRecurring:
		if r.Recurring == nil {
			return nil
		}
		res, err := r.Recurring.UpdateRecurringPayments(ctx, t.Refs)
		stats.Recurring = res
		return err

	case Cleanup:
		removed, err := r.Reports.RemoveOld(ctx, r.Settings.ReportRetention)
		stats.RemovedRows = removed
		return err
	}
	return fmt.Errorf("no handler for task %T", task)
}

func (r *SyncRunner) reconcileFiles(ctx context.Context, kind models.RejectionKind, ids []string, stats *RunStats) error {
	if r.Rejections == nil {
		return errors.New("rejection processor is not configured")
	}
	results, err := r.Rejections.ProcessFiles(ctx, kind, ids)
	stats.RejectionFiles = append(stats.RejectionFiles, results...)
	for _, res := range results {
		stats.Matched += res.Matched
		stats.Unmatched += res.Unmatched
	}
	return err
}
