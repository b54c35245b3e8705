// Common vars and constants, shared by many parts of the ingest library.
package constants

import (
	"regexp"
)

// DicomExtensionPattern matches filenames the dicom scanner will open
// without the force_scan flag.
var DicomExtensionPattern = regexp.MustCompile(`(?i)(\.dcm|\.dcm\.gz|\.dicom|\.dicom\.gz|\.ima)$`)

// LabelIllegalPattern matches characters that destination container labels
// may not contain. Matches are replaced with underscores on sanitize.
var LabelIllegalPattern = regexp.MustCompile(`[*/:<>?\\|\x00-\x1f]`)

// TimestampFormat is the layout used when a container label is derived
// from a DICOM timestamp.
const TimestampFormat = "2006-01-02 15:04:05"

// Ingest statuses. These are the nodes of the ingest state machine.
// See IngestTransitions for the allowed edges.
const (
	IngestCreated             = "created"
	IngestConfiguring         = "configuring"
	IngestScanning            = "scanning"
	IngestResolving           = "resolving"
	IngestDetectingDuplicates = "detecting_duplicates"
	IngestInReview            = "in_review"
	IngestPreparing           = "preparing"
	IngestPreparingSidecar    = "preparing_sidecar"
	IngestUploading           = "uploading"
	IngestFinalizing          = "finalizing"
	IngestFinished            = "finished"
	IngestFailed              = "failed"
	IngestAborting            = "aborting"
	IngestAborted             = "aborted"
)

var IngestStatuses = []string{
	IngestCreated,
	IngestConfiguring,
	IngestScanning,
	IngestResolving,
	IngestDetectingDuplicates,
	IngestInReview,
	IngestPreparing,
	IngestPreparingSidecar,
	IngestUploading,
	IngestFinalizing,
	IngestFinished,
	IngestFailed,
	IngestAborting,
	IngestAborted,
}

// IngestTransitions is the explicit edge table of the ingest state
// machine. Any attempted transition not listed here is rejected and
// leaves the ingest untouched.
var IngestTransitions = map[string][]string{
	IngestCreated:             {IngestConfiguring, IngestAborting, IngestFailed},
	IngestConfiguring:         {IngestScanning, IngestAborting, IngestFailed},
	IngestScanning:            {IngestResolving, IngestAborting, IngestFailed},
	IngestResolving:           {IngestDetectingDuplicates, IngestInReview, IngestAborting, IngestFailed},
	IngestDetectingDuplicates: {IngestInReview, IngestAborting, IngestFailed},
	IngestInReview:            {IngestPreparing, IngestAborting, IngestFailed},
	IngestPreparing:           {IngestPreparingSidecar, IngestUploading, IngestAborting, IngestFailed},
	IngestPreparingSidecar:    {IngestUploading, IngestAborting, IngestFailed},
	IngestUploading:           {IngestFinalizing, IngestAborting, IngestFailed},
	IngestFinalizing:          {IngestFinished, IngestAborting, IngestFailed},
	IngestAborting:            {IngestAborted, IngestFailed},
	IngestFinished:            {},
	IngestFailed:              {},
	IngestAborted:             {},
}

// IsValidTransition reports whether old -> new is a legal edge of the
// ingest state machine.
func IsValidTransition(oldStatus, newStatus string) bool {
	for _, s := range IngestTransitions[oldStatus] {
		if s == newStatus {
			return true
		}
	}
	return false
}

// IsTerminalIngestStatus reports whether status has no outgoing edges.
func IsTerminalIngestStatus(status string) bool {
	return len(IngestTransitions[status]) == 0
}

// Task types.
const (
	TaskConfigure        = "configure"
	TaskScan             = "scan"
	TaskExtractUID       = "extract_uid"
	TaskResolve          = "resolve"
	TaskDetectDuplicates = "detect_duplicates"
	TaskPrepareSidecar   = "prepare_sidecar"
	TaskPrepare          = "prepare"
	TaskUpload           = "upload"
	TaskFinalize         = "finalize"
)

var TaskTypes = []string{
	TaskConfigure,
	TaskScan,
	TaskExtractUID,
	TaskResolve,
	TaskDetectDuplicates,
	TaskPrepareSidecar,
	TaskPrepare,
	TaskUpload,
	TaskFinalize,
}

// SingletonTasks are task types limited to at most one pending or
// running row per ingest at any moment.
var SingletonTasks = []string{
	TaskResolve,
	TaskDetectDuplicates,
	TaskPrepareSidecar,
	TaskPrepare,
	TaskFinalize,
}

// IsSingletonTask reports whether taskType runs as a per-ingest singleton.
func IsSingletonTask(taskType string) bool {
	for _, t := range SingletonTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

var TaskStatuses = []string{
	TaskPending,
	TaskRunning,
	TaskCompleted,
	TaskFailed,
	TaskCanceled,
}

// IsTerminalTaskStatus reports whether a task status is final.
func IsTerminalTaskStatus(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCanceled
}

// Container levels, root to leaf.
const (
	LevelGroup = iota
	LevelProject
	LevelSubject
	LevelSession
	LevelAcquisition
)

var ContainerLevelNames = []string{
	"group",
	"project",
	"subject",
	"session",
	"acquisition",
}

// LevelName returns the lowercase name of a container level, or "" if
// the level is out of range.
func LevelName(level int) string {
	if level < LevelGroup || level > LevelAcquisition {
		return ""
	}
	return ContainerLevelNames[level]
}

// LevelByName returns the numeric container level for name, or -1.
func LevelByName(name string) int {
	for i, n := range ContainerLevelNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Item types.
const (
	ItemFile     = "file"
	ItemPackfile = "packfile"
)

// Scanner types understood by scan task contexts.
const (
	ScannerTemplate = "template"
	ScannerDicom    = "dicom"
	ScannerFilename = "filename"
)

// Strategy types.
const (
	StrategyFolder   = "folder"
	StrategyDicom    = "dicom"
	StrategyTemplate = "template"
	StrategyProject  = "project"
)

// Upload mechanisms. Signed-url is attempted first when the destination
// advertises it, with fallback to the SDK's direct upload.
const (
	UploadSignedURL = "signed-url"
	UploadDirect    = "direct"
)

// Worker defaults.
const (
	DefaultWorkerCount   = 4
	DefaultSleepSeconds  = 1
	DefaultMaxRetries    = 3
	DefaultBatchSize     = 1000
	DefaultMaxTempfileMB = 50
	// ShutdownGraceSeconds is how long a worker may keep running its
	// current task after the first SIGINT/SIGTERM.
	ShutdownGraceSeconds = 15
)

// ProgressReportIntervalSeconds gates how often a running task handler
// may write its progress counters back to the store.
const ProgressReportIntervalSeconds = 1

// Duplicate detection error codes (DD01-DD11).
const (
	CodeDuplicateFilepathInUploadSet            = "DD01"
	CodeDuplicateFilepathInDestination          = "DD02"
	CodeDuplicatedStudyInstanceUID              = "DD03"
	CodeDuplicatedStudyInstanceUIDInContainers  = "DD04"
	CodeDuplicatedSeriesInstanceUID             = "DD05"
	CodeDuplicatedSeriesInstanceUIDInContainers = "DD06"
	CodeDuplicatedSOPInstanceUID                = "DD07"
	CodeStudyInstanceUIDExists                  = "DD08"
	CodeSeriesInstanceUIDExists                 = "DD09"
	CodeDifferentStudyInstanceUID               = "DD10"
	CodeDifferentSeriesInstanceUID              = "DD11"
)

// Scan error codes (SC01-SC08).
const (
	CodeInvalidSourcePath        = "SC01"
	CodeUnparsableDicomFile      = "SC02"
	CodeZeroByteFile             = "SC03"
	CodeInsufficientPermissions  = "SC04"
	CodeMissingRequiredContainer = "SC05"
	CodeFilenameDoesNotMatch     = "SC06"
	CodeInvalidSourceContext     = "SC07"
	CodeInvalidMetadataFile      = "SC08"
)

// General error codes (GE01-GE07).
const (
	CodeStopIngest                = "GE01"
	CodeProjectFilesNotEnabled    = "GE02"
	CodeDDProjectNotFound         = "GE03"
	CodeS3AccessDenied            = "GE04"
	CodeMultipleGroupsOrProjects  = "GE05"
	CodeGroupOrProjectNotProvided = "GE06"
	CodeDeidConfigConflict        = "GE07"
)

// Audit log action strings.
const (
	ActionFileSkipped     = "File Skipped"
	ActionCopiedToSidecar = "Copied to Duplicates Project"
)

// AuditLogHeader is the exact column order of the audit log CSV.
// Downstream tooling depends on this order.
var AuditLogHeader = []string{
	"src_path", "dst_path", "status", "existing",
	"error_code", "error_message", "action_taken",
}
