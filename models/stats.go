package models

// TaskStat holds per-ingest, per-task-type counters maintained
// transactionally alongside every task state change, so progress
// queries never scan the task table.
type TaskStat struct {
	IngestID string `gorm:"primaryKey;size:36" json:"ingest_id"`
	Type     string `gorm:"primaryKey" json:"type"`

	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
}

// Total returns the number of tasks of this type ever enqueued.
func (stat *TaskStat) Total() int64 {
	return stat.Pending + stat.Running + stat.Completed + stat.Failed + stat.Canceled
}

// Unfinished returns the number of tasks not yet terminal.
func (stat *TaskStat) Unfinished() int64 {
	return stat.Pending + stat.Running
}

// ItemStat holds per-ingest item and byte counters.
type ItemStat struct {
	IngestID string `gorm:"primaryKey;size:36" json:"ingest_id"`

	ScanFilesCnt int64 `json:"scan_files_cnt"`
	ScanBytesSum int64 `json:"scan_bytes_sum"`

	Items   int64 `json:"items"`
	Skipped int64 `json:"skipped"`

	UploadCompleted int64 `json:"upload_completed"`
	UploadFailed    int64 `json:"upload_failed"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
}
