package models

import (
	"time"

	"github.com/axonlab/ingest/constants"
)

// TaskContext is the free-form payload a task handler consumes. Scan
// tasks carry the scanner type, the subdir to walk and the hierarchy
// context accumulated so far; other task types leave it nil.
type TaskContext struct {
	ScannerType string         `json:"scanner_type,omitempty"`
	Dir         string         `json:"dir,omitempty"`
	Context     *SourceContext `json:"context,omitempty"`
}

// Task is one unit of work. Workers poll the store for the oldest
// pending task, flip it to running under lock, and dispatch on Type.
type Task struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	Type   string `gorm:"index" json:"type"`
	Status string `gorm:"index" json:"status"`

	History []StatusRecord `gorm:"serializer:json" json:"history"`

	// ItemID ties upload and extract_uid tasks to the item they act on.
	ItemID  *string      `gorm:"size:36" json:"item_id,omitempty"`
	Context *TaskContext `gorm:"serializer:json" json:"context,omitempty"`

	// Worker is the name of the worker currently (or last) holding the
	// task, in hostname-pid-n form.
	Worker  string `json:"worker"`
	Retries int    `json:"retries"`

	// Progress counters, written at most once per second by the
	// running handler.
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`

	// Timing breakdown filled on reaching a terminal status, seconds.
	PendingTime float64 `json:"pending_time"`
	RunningTime float64 `json:"running_time"`

	CreatedAt time.Time `json:"created"`
}

// NewTask returns a pending task of the given type with seeded history.
func NewTask(ingestID, taskType string) *Task {
	return &Task{
		ID:       NewUUID(),
		IngestID: ingestID,
		Type:     taskType,
		Status:   constants.TaskPending,
		History: []StatusRecord{
			{Status: constants.TaskPending, Timestamp: time.Now().UTC().Unix()},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// NewScanTask returns a pending scan task for scannerType rooted at dir.
func NewScanTask(ingestID, scannerType, dir string, context *SourceContext) *Task {
	task := NewTask(ingestID, constants.TaskScan)
	task.Context = &TaskContext{
		ScannerType: scannerType,
		Dir:         dir,
		Context:     context,
	}
	return task
}

// SetStatus appends a history record and, on terminal statuses,
// computes the pending/running time breakdown.
func (task *Task) SetStatus(status string) {
	now := time.Now().UTC().Unix()
	task.Status = status
	task.History = append(task.History, StatusRecord{Status: status, Timestamp: now})
	if !constants.IsTerminalTaskStatus(status) {
		return
	}
	firstPending := task.History[0].Timestamp
	firstRunning := int64(0)
	for _, rec := range task.History {
		if rec.Status == constants.TaskRunning {
			firstRunning = rec.Timestamp
			break
		}
	}
	if firstRunning == 0 {
		// Canceled before any worker picked it up.
		task.PendingTime = float64(now - firstPending)
		task.RunningTime = 0
		return
	}
	task.PendingTime = float64(firstRunning - firstPending)
	task.RunningTime = float64(now - firstRunning)
}

// Terminal reports whether the task has reached a final status.
func (task *Task) Terminal() bool {
	return constants.IsTerminalTaskStatus(task.Status)
}
