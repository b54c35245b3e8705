package models

// StatusCount is one progress line: how many units sit in each state.
type StatusCount struct {
	Scanned   int64 `json:"scanned,omitempty"`
	Pending   int64 `json:"pending,omitempty"`
	Running   int64 `json:"running,omitempty"`
	Completed int64 `json:"completed,omitempty"`
	Failed    int64 `json:"failed,omitempty"`
	Canceled  int64 `json:"canceled,omitempty"`
	Skipped   int64 `json:"skipped,omitempty"`
	Total     int64 `json:"total"`
}

// Finished returns the number of units in a terminal state.
func (c StatusCount) Finished() int64 {
	return c.Completed + c.Failed + c.Canceled + c.Skipped
}

// Progress is the O(1) progress snapshot served from the stat tables.
type Progress struct {
	Scans StatusCount `json:"scans"`
	Items StatusCount `json:"items"`
	Files StatusCount `json:"files"`
	Bytes StatusCount `json:"bytes"`
	// Stages maps task type to its counters.
	Stages map[string]StatusCount `json:"stages"`
}

// ErrorSummary aggregates error rows by code.
type ErrorSummary struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// Summary counts containers per level plus aggregated errors and
// warnings, rendered by the reporter during review.
type Summary struct {
	Groups       int64 `json:"groups"`
	Projects     int64 `json:"projects"`
	Subjects     int64 `json:"subjects"`
	Sessions     int64 `json:"sessions"`
	Acquisitions int64 `json:"acquisitions"`
	Files        int64 `json:"files"`
	Packfiles    int64 `json:"packfiles"`

	Errors   []ErrorSummary `json:"errors,omitempty"`
	Warnings []ErrorSummary `json:"warnings,omitempty"`
}

// TaskError is one task-level failure surfaced in the final report.
type TaskError struct {
	TaskID   string `json:"task"`
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Filepath string `json:"filepath,omitempty"`
}

// Report is the final state document: status history with elapsed
// seconds per stage, plus every task-level error.
type Report struct {
	Status  string           `json:"status"`
	Elapsed map[string]int64 `json:"elapsed"`
	Errors  []TaskError      `json:"errors,omitempty"`
}

// TreeNode is one row of the hierarchy preview shown during review.
type TreeNode struct {
	Path     string `json:"path"`
	Level    int    `json:"level"`
	Existing bool   `json:"existing"`
	Error    bool   `json:"error"`
	FilesCnt int64  `json:"files_cnt"`
	BytesSum int64  `json:"bytes_sum"`
}
