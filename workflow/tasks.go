package workflow

import (
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
)

type TaskKind string

const (
	TaskKindCollectionBatch TaskKind = "collection_batch"
	TaskKindReconcileAuddis TaskKind = "reconcile_auddis"
	TaskKindReconcileArudd  TaskKind = "reconcile_arudd"
	TaskKindUpdateRecurring TaskKind = "update_recurring"
	TaskKindCleanup         TaskKind = "cleanup"
)

// Task is one step of a sync run. The concrete types below are the only
// implementations; SyncRunner.execute switches over them.
type Task interface {
	Kind() TaskKind
	Title() string
}

// CollectionBatch reconciles report rows [Start, Start+Length).
type CollectionBatch struct {
	Start  int `json:"start"`
	Length int `json:"length"`
	Total  int `json:"total"`
}

type ReconcileAuddis struct {
	Ids []string `json:"ids"`
}

type ReconcileArudd struct {
	Ids []string `json:"ids"`
}

// UpdateRecurring syncs recurring records from mandates. Nil Refs means all.
type UpdateRecurring struct {
	Refs []string `json:"refs,omitempty"`
}

type Cleanup struct{}

func (CollectionBatch) Kind() TaskKind { return TaskKindCollectionBatch }
func (ReconcileAuddis) Kind() TaskKind { return TaskKindReconcileAuddis }
func (ReconcileArudd) Kind() TaskKind  { return TaskKindReconcileArudd }
func (UpdateRecurring) Kind() TaskKind { return TaskKindUpdateRecurring }
func (Cleanup) Kind() TaskKind         { return TaskKindCleanup }

func (t CollectionBatch) Title() string {
	return fmt.Sprintf("Processed collections: %d to %d of %d", t.Start, t.Start+t.Length, t.Total)
}
func (ReconcileAuddis) Title() string { return "Retrieved AUDDIS reports" }
func (ReconcileArudd) Title() string  { return "Retrieved ARUDD reports" }
func (UpdateRecurring) Title() string { return "Updated Recurring Payments" }
func (Cleanup) Title() string         { return "Cleaned up" }

func EncodeTask(t Task) (TaskKind, []byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", nil, err
	}
	return t.Kind(), payload, nil
}

func DecodeTask(kind string, payload []byte) (Task, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	switch TaskKind(kind) {
	case TaskKindCollectionBatch:
		return decodeAs[CollectionBatch](payload)
	case TaskKindReconcileAuddis:
		return decodeAs[ReconcileAuddis](payload)
	case TaskKindReconcileArudd:
		return decodeAs[ReconcileArudd](payload)
	case TaskKindUpdateRecurring:
		return decodeAs[UpdateRecurring](payload)
	case TaskKindCleanup:
		return Cleanup{}, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", kind)
}

func decodeAs[T Task](payload []byte) (Task, error) {
	t, err := utils.DecodeJSON[T](payload)
	if err != nil {
		return nil, err
	}
	return t, nil
}
