package syncapi

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/models"
)

type TriggerSyncResponse struct {
	ID         uint   `json:"id"`
	Progress   string `json:"progress"`
	RedirectTo string `json:"redirectTo,omitempty"`
}

type RetrieveReportRequest struct {
	Date string `json:"date"`
}

type RetrieveReportResponse struct {
	Date string `json:"date"`
	Rows int    `json:"rows"`
}

// SyncRunResponse is the progress view of one run.
type SyncRunResponse struct {
	ID          uint            `json:"id"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	TriggeredBy string          `json:"triggeredBy"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	TotalTasks  int             `json:"totalTasks"`
	DoneTasks   int             `json:"doneTasks"`
	Percent     int             `json:"percent"`
	CurrentTask string          `json:"currentTask,omitempty"`
	LastError   *string         `json:"lastError,omitempty"`
	RedirectTo  string          `json:"redirectTo,omitempty"`
	StartedAt   *string         `json:"startedAt"`
	FinishedAt  *string         `json:"finishedAt"`
	DurationMs  int64           `json:"durationMs"`
	Stats       json.RawMessage `json:"stats,omitempty"`
}

type SyncResultsResponse struct {
	Items    []*models.SyncResultEntry `json:"items"`
	PageInfo models.PageInfo           `json:"pageInfo"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func mapRunToResponse(run *models.SyncRun) SyncRunResponse {
	resp := SyncRunResponse{
		ID:          run.ID,
		Mode:        string(run.Mode),
		Status:      string(run.Status),
		TriggeredBy: run.TriggeredBy,
		RequestedBy: run.RequestedBy,
		TotalTasks:  run.TotalTasks,
		DoneTasks:   run.DoneTasks,
		CurrentTask: run.CurrentTask,
		LastError:   run.LastError,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
	}
	if run.TotalTasks > 0 {
		resp.Percent = run.DoneTasks * 100 / run.TotalTasks
	}
	if run.Status.IsTerminal() {
		resp.RedirectTo = run.RedirectTo
		if run.Status == models.SyncRunStatusSuccess {
			resp.Percent = 100
		}
	}
	if len(run.StatsJSON) > 0 {
		resp.Stats = json.RawMessage(run.StatsJSON)
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// resultKinds maps the ?type= filter of the results endpoints.
func resultKinds(filter string) []models.ReportKind {
	switch filter {
	case "success":
		return []models.ReportKind{models.ReportKindCollection}
	case "reject":
		return []models.ReportKind{models.ReportKindCollectionReject, models.ReportKindAuddis, models.ReportKindArudd}
	}
	return nil
}
