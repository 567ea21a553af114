package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func reportRows(n int) []*models.CollectionReportEntry {
	rows := make([]*models.CollectionReportEntry, n)
	for i := range rows {
		rows[i] = &models.CollectionReportEntry{
			ID:            uint(i + 1),
			TransactionId: "REF1",
			ReceiveDate:   "01/02/2024",
			Amount:        decimal.NewFromInt(10),
			Outcome:       models.CollectionOutcomeSuccess,
		}
	}
	return rows
}

type runnerFixture struct {
	runner  *SyncRunner
	queue   *fakeQueue
	reports *fakeReports
	engine  *fakeReconciler
	results *fakeResults
	source  *fakeRejectionSource
}

func newRunnerFixture(rows int) *runnerFixture {
	logger, _ := quietLogger()
	queue := &fakeQueue{}
	reports := &fakeReports{rows: reportRows(rows), removed: 4}
	engine := &fakeReconciler{known: map[string]uint{"REF1": 1}}
	results := &fakeResults{}
	rejections, _, source, _ := newRejectionFixture(map[string]uint{"REF1": 1})
	rejections.Engine = engine
	return &runnerFixture{
		runner: &SyncRunner{
			Queue:      queue,
			Reports:    reports,
			Engine:     engine,
			Rejections: rejections,
			Results:    results,
			Settings:   config.Settings{BatchSize: 10, ReportRetention: 48 * time.Hour},
			Logger:     logger,
			Tracer:     noop.NewTracerProvider().Tracer("test"),
			Now:        func() time.Time { return day("2024-02-02") },
		},
		queue:   queue,
		reports: reports,
		engine:  engine,
		results: results,
		source:  source,
	}
}

func TestPlanCollectionBatches(t *testing.T) {
	tasks := PlanCollectionBatches(25, 10)
	assert.Equal(t, []Task{
		CollectionBatch{Start: 0, Length: 10, Total: 25},
		CollectionBatch{Start: 10, Length: 10, Total: 25},
		CollectionBatch{Start: 20, Length: 5, Total: 25},
	}, tasks)

	assert.Empty(t, PlanCollectionBatches(0, 10))
	assert.Len(t, PlanCollectionBatches(20, 10), 2)
	assert.Len(t, PlanCollectionBatches(3, 0), 1)
}

func TestPrepareInteractiveSkipsReportRetrieval(t *testing.T) {
	f := newRunnerFixture(25)

	n, err := f.runner.Prepare(context.Background(), PlanOptions{
		Mode:      models.SyncRunModeInteractive,
		AuddisIds: []string{},
		AruddIds:  []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Empty(t, f.reports.retrieved)
	assert.Zero(t, f.reports.deleted)
	assert.Equal(t, 1, f.results.cleared)
	assert.Equal(t, []string{
		string(TaskKindCollectionBatch),
		string(TaskKindCollectionBatch),
		string(TaskKindCollectionBatch),
		string(TaskKindUpdateRecurring),
		string(TaskKindCleanup),
	}, f.queue.kinds())
	assert.Equal(t, "Processed collections: 20 to 25 of 25", f.queue.items[2].Title)
}

func TestPrepareUnattendedDiscoversRejectionFiles(t *testing.T) {
	f := newRunnerFixture(0)
	f.source.auddis = []ddclient.FileRef{{Id: "A1"}}

	n, err := f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeUnattended, AruddIds: []string{"R9"}})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []time.Time{day("2024-02-02")}, f.reports.retrieved)
	assert.Equal(t, 1, f.reports.deleted)
	assert.Equal(t, []string{
		string(TaskKindReconcileAuddis),
		string(TaskKindReconcileArudd),
		string(TaskKindUpdateRecurring),
		string(TaskKindCleanup),
	}, f.queue.kinds())

	task, err := DecodeTask(f.queue.items[0].Kind, f.queue.items[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, ReconcileAuddis{Ids: []string{"A1"}}, task)
}

func TestPrepareUnattendedDropsStaleReportRows(t *testing.T) {
	f := newRunnerFixture(12)
	f.reports.retrieveFn = func(date time.Time) int {
		f.reports.rows = append(f.reports.rows, &models.CollectionReportEntry{
			ID: 100, TransactionId: "REF1", ReceiveDate: "02/02/2024",
			Amount: decimal.NewFromInt(10), Outcome: models.CollectionOutcomeSuccess,
		})
		return 1
	}

	n, err := f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeUnattended, AuddisIds: []string{}, AruddIds: []string{}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, f.reports.deleted)

	stats, err := f.runner.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, f.engine.calls, 1)
	assert.Equal(t, "02/02/2024", f.engine.calls[0].Date)
	assert.Equal(t, 1, stats.Matched)
}

func TestPrepareResetsPreviousQueue(t *testing.T) {
	f := newRunnerFixture(5)
	opts := PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{}, AruddIds: []string{}}

	_, err := f.runner.Prepare(context.Background(), opts)
	require.NoError(t, err)
	_, err = f.runner.Prepare(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, f.queue.items, 3)
}

func TestRunExecutesEveryTask(t *testing.T) {
	f := newRunnerFixture(25)
	_, err := f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{}, AruddIds: []string{}})
	require.NoError(t, err)

	var seen []Progress
	stats, err := f.runner.Run(context.Background(), func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Len(t, f.engine.calls, 25)
	assert.Equal(t, models.ReportKindCollection, f.engine.calls[0].Kind)
	assert.Equal(t, 25, stats.Matched)
	assert.Equal(t, 5, stats.Tasks)
	assert.Equal(t, int64(4), stats.RemovedRows)
	assert.Equal(t, 48*time.Hour, f.reports.retention)

	require.Len(t, seen, 5)
	assert.Equal(t, Progress{Done: 5, Total: 5, Title: "Cleaned up"}, seen[4])
	for _, it := range f.queue.items {
		assert.Equal(t, models.SyncQueueStatusDone, it.Status)
	}
}

func TestRunTagsLogsWithRunContext(t *testing.T) {
	f := newRunnerFixture(3)
	logger, hook := quietLogger()
	f.runner.Logger = logger
	ctx := utils.SetSyncRunIdInContext(context.Background(), 42)
	ctx = utils.SetInteractiveInContext(ctx, true)
	ctx = utils.SetCorrelationIdInContext(ctx, "cid-1")

	_, err := f.runner.Prepare(ctx, PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{}, AruddIds: []string{}})
	require.NoError(t, err)
	_, err = f.runner.Run(ctx, nil)
	require.NoError(t, err)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "sync run finished", last.Message)
	assert.Equal(t, uint(42), last.Data["run_id"])
	assert.Equal(t, true, last.Data["interactive"])
	assert.Equal(t, "cid-1", last.Data["correlation_id"])
	assert.Equal(t, "SyncRunner", last.Data["module"])

	hook.Reset()
	_, err = f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{}, AruddIds: []string{}})
	require.NoError(t, err)
	assert.NotContains(t, hook.LastEntry().Data, "run_id")
}

func TestRunAbortsOnFailureAndResumes(t *testing.T) {
	f := newRunnerFixture(15)
	_, err := f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{}, AruddIds: []string{}})
	require.NoError(t, err)

	f.reports.getErr = errBoom
	var last Progress
	_, err = f.runner.Run(context.Background(), func(p Progress) { last = p })
	require.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, last.Err, errBoom)
	assert.Equal(t, models.SyncQueueStatusFailed, f.queue.items[0].Status)
	assert.Equal(t, models.SyncQueueStatusPending, f.queue.items[1].Status)

	_, err = f.runner.Run(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrQueueBlocked)

	f.reports.getErr = nil
	stats, err := f.runner.Resume(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Tasks)
	assert.Equal(t, 15, stats.Matched)
	assert.Equal(t, 2, f.queue.items[0].Attempts)
}

func TestRunReconcilesRejectionTasks(t *testing.T) {
	f := newRunnerFixture(0)
	f.source.files["A1"] = auddisFile("A1",
		ddclient.RejectionAdvice{Reference: "REF1", Date: "2024-02-01"},
		ddclient.RejectionAdvice{Reference: "NOPE", Date: "2024-02-01"},
	)
	_, err := f.runner.Prepare(context.Background(), PlanOptions{Mode: models.SyncRunModeInteractive, AuddisIds: []string{"A1"}, AruddIds: []string{}})
	require.NoError(t, err)

	stats, err := f.runner.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stats.RejectionFiles, 1)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, 1, stats.Unmatched)
	assert.False(t, stats.RejectionFiles[0].Processed)
}

func TestTaskRoundTrip(t *testing.T) {
	for _, task := range []Task{
		CollectionBatch{Start: 10, Length: 5, Total: 15},
		ReconcileArudd{Ids: []string{"X"}},
		UpdateRecurring{Refs: []string{"REF1"}},
		Cleanup{},
	} {
		kind, payload, err := EncodeTask(task)
		require.NoError(t, err)
		decoded, err := DecodeTask(string(kind), payload)
		require.NoError(t, err)
		assert.Equal(t, task, decoded)
	}

	_, err := DecodeTask("nope", nil)
	assert.Error(t, err)

	task, err := DecodeTask(string(TaskKindUpdateRecurring), nil)
	require.NoError(t, err)
	assert.Nil(t, task.(UpdateRecurring).Refs)
}

func TestTaskTitles(t *testing.T) {
	assert.Equal(t, "Processed collections: 0 to 10 of 25", CollectionBatch{Start: 0, Length: 10, Total: 25}.Title())
	assert.Equal(t, "Retrieved AUDDIS reports", ReconcileAuddis{}.Title())
	assert.Equal(t, "Retrieved ARUDD reports", ReconcileArudd{}.Title())
	assert.Equal(t, "Updated Recurring Payments", UpdateRecurring{}.Title())
	assert.Equal(t, "Cleaned up", Cleanup{}.Title())
}
