package models

import (
	"fmt"
	"time"

	"github.com/axonlab/ingest/constants"
)

// ErrorKind is one entry of the stable error taxonomy: a code, a
// default human message, and flags describing how the pipeline treats
// occurrences.
type ErrorKind struct {
	Code    string
	Message string
	// Warning kinds are reported but never skip items or fail stages.
	Warning bool
	// Fatal kinds fail the whole ingest when raised at task level.
	Fatal bool
}

// Duplicate detection kinds.
var (
	ErrDuplicateFilepathInUploadSet = ErrorKind{
		Code:    constants.CodeDuplicateFilepathInUploadSet,
		Message: "File path conflicts with another file in the upload set",
	}
	ErrDuplicateFilepathInDestination = ErrorKind{
		Code:    constants.CodeDuplicateFilepathInDestination,
		Message: "File path already exists at the destination",
	}
	ErrDuplicatedStudyInstanceUID = ErrorKind{
		Code:    constants.CodeDuplicatedStudyInstanceUID,
		Message: "Multiple StudyInstanceUIDs in one session",
	}
	ErrDuplicatedStudyInstanceUIDInContainers = ErrorKind{
		Code:    constants.CodeDuplicatedStudyInstanceUIDInContainers,
		Message: "StudyInstanceUID occurs in multiple sessions",
	}
	ErrDuplicatedSeriesInstanceUID = ErrorKind{
		Code:    constants.CodeDuplicatedSeriesInstanceUID,
		Message: "Multiple SeriesInstanceUIDs in one acquisition",
	}
	ErrDuplicatedSeriesInstanceUIDInContainers = ErrorKind{
		Code:    constants.CodeDuplicatedSeriesInstanceUIDInContainers,
		Message: "SeriesInstanceUID occurs in multiple acquisitions",
	}
	ErrDuplicatedSOPInstanceUID = ErrorKind{
		Code:    constants.CodeDuplicatedSOPInstanceUID,
		Message: "SOPInstanceUID occurs multiple times in the upload set",
	}
	ErrStudyInstanceUIDExists = ErrorKind{
		Code:    constants.CodeStudyInstanceUIDExists,
		Message: "StudyInstanceUID already exists at the destination",
	}
	ErrSeriesInstanceUIDExists = ErrorKind{
		Code:    constants.CodeSeriesInstanceUIDExists,
		Message: "SeriesInstanceUID already exists at the destination",
	}
	ErrDifferentStudyInstanceUID = ErrorKind{
		Code:    constants.CodeDifferentStudyInstanceUID,
		Message: "Files of one item declare different StudyInstanceUIDs",
	}
	ErrDifferentSeriesInstanceUID = ErrorKind{
		Code:    constants.CodeDifferentSeriesInstanceUID,
		Message: "Files of one item declare different SeriesInstanceUIDs",
	}
)

// Scan kinds.
var (
	ErrInvalidSourcePath = ErrorKind{
		Code:    constants.CodeInvalidSourcePath,
		Message: "Invalid source path",
	}
	ErrUnparsableDicomFile = ErrorKind{
		Code:    constants.CodeUnparsableDicomFile,
		Message: "Could not parse DICOM file",
	}
	ErrZeroByteFile = ErrorKind{
		Code:    constants.CodeZeroByteFile,
		Message: "Zero byte file",
		Warning: true,
	}
	ErrInsufficientPermissions = ErrorKind{
		Code:    constants.CodeInsufficientPermissions,
		Message: "Insufficient permissions on destination container",
	}
	ErrMissingRequiredContainer = ErrorKind{
		Code:    constants.CodeMissingRequiredContainer,
		Message: "Required destination container does not exist",
	}
	ErrFilenameDoesNotMatch = ErrorKind{
		Code:    constants.CodeFilenameDoesNotMatch,
		Message: "Filename does not match the configured template",
	}
	ErrInvalidSourceContext = ErrorKind{
		Code:    constants.CodeInvalidSourceContext,
		Message: "Invalid hierarchy context",
	}
	ErrInvalidMetadataFile = ErrorKind{
		Code:    constants.CodeInvalidMetadataFile,
		Message: "Could not parse metadata sidecar file",
		Warning: true,
	}
)

// General kinds.
var (
	ErrStopIngestKind = ErrorKind{
		Code:    constants.CodeStopIngest,
		Message: "Ingest stopped by an unrecoverable error",
		Fatal:   true,
	}
	ErrProjectFilesNotEnabled = ErrorKind{
		Code:    constants.CodeProjectFilesNotEnabled,
		Message: "Project files are not enabled at the destination",
		Fatal:   true,
	}
	ErrDDProjectNotFound = ErrorKind{
		Code:    constants.CodeDDProjectNotFound,
		Message: "Duplicate-detection reference project not found",
		Warning: true,
	}
	ErrS3AccessDenied = ErrorKind{
		Code:    constants.CodeS3AccessDenied,
		Message: "Access denied to S3 source",
		Fatal:   true,
	}
	ErrMultipleGroupsOrProjects = ErrorKind{
		Code:    constants.CodeMultipleGroupsOrProjects,
		Message: "Multiple groups or projects inferred from the source",
		Fatal:   true,
	}
	ErrGroupOrProjectNotProvided = ErrorKind{
		Code:    constants.CodeGroupOrProjectNotProvided,
		Message: "Group and project must be provided explicitly",
		Fatal:   true,
	}
	ErrDeidConfigConflict = ErrorKind{
		Code:    constants.CodeDeidConfigConflict,
		Message: "De-id profile configured both server-side and client-side",
		Fatal:   true,
	}
)

var errorKinds = map[string]ErrorKind{}

func init() {
	for _, kind := range []ErrorKind{
		ErrDuplicateFilepathInUploadSet, ErrDuplicateFilepathInDestination,
		ErrDuplicatedStudyInstanceUID, ErrDuplicatedStudyInstanceUIDInContainers,
		ErrDuplicatedSeriesInstanceUID, ErrDuplicatedSeriesInstanceUIDInContainers,
		ErrDuplicatedSOPInstanceUID, ErrStudyInstanceUIDExists,
		ErrSeriesInstanceUIDExists, ErrDifferentStudyInstanceUID,
		ErrDifferentSeriesInstanceUID,
		ErrInvalidSourcePath, ErrUnparsableDicomFile, ErrZeroByteFile,
		ErrInsufficientPermissions, ErrMissingRequiredContainer,
		ErrFilenameDoesNotMatch, ErrInvalidSourceContext,
		ErrInvalidMetadataFile,
		ErrStopIngestKind, ErrProjectFilesNotEnabled, ErrDDProjectNotFound,
		ErrS3AccessDenied, ErrMultipleGroupsOrProjects,
		ErrGroupOrProjectNotProvided, ErrDeidConfigConflict,
	} {
		errorKinds[kind.Code] = kind
	}
}

// KindByCode returns the taxonomy entry for code. Unknown codes map to
// the stop-ingest kind so a bad row still renders.
func KindByCode(code string) ErrorKind {
	if kind, ok := errorKinds[code]; ok {
		return kind
	}
	return ErrStopIngestKind
}

// Error is a persisted taxonomy occurrence attached to a task, an item
// or a bare filepath.
type Error struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	TaskID *string `gorm:"index;size:36" json:"task_id,omitempty"`
	ItemID *string `gorm:"index;size:36" json:"item_id,omitempty"`

	Code     string `gorm:"index" json:"code"`
	Message  string `json:"message"`
	Filepath string `json:"filepath,omitempty"`

	CreatedAt time.Time `json:"created"`
}

// NewError returns an error row for kind. An empty message falls back
// to the kind's default message.
func NewError(ingestID string, kind ErrorKind, message, filepath string) *Error {
	if message == "" {
		message = kind.Message
	}
	return &Error{
		ID:        NewUUID(),
		IngestID:  ingestID,
		Code:      kind.Code,
		Message:   message,
		Filepath:  filepath,
		CreatedAt: time.Now().UTC(),
	}
}

// WithTask attaches the error to a task.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = &taskID
	return e
}

// WithItem attaches the error to an item.
func (e *Error) WithItem(itemID string) *Error {
	e.ItemID = &itemID
	return e
}

// Warning reports whether the row's kind is informational only.
func (e *Error) Warning() bool {
	return KindByCode(e.Code).Warning
}

// StopIngest is the unrecoverable failure raised inside task handlers.
// The worker catches it, records a task-scoped error row and fails the
// whole ingest.
type StopIngest struct {
	Kind    ErrorKind
	Message string
}

func (s *StopIngest) Error() string {
	if s.Message != "" {
		return fmt.Sprintf("%s: %s", s.Kind.Code, s.Message)
	}
	return fmt.Sprintf("%s: %s", s.Kind.Code, s.Kind.Message)
}

// Stop returns a StopIngest error of the given kind.
func Stop(kind ErrorKind, format string, a ...interface{}) *StopIngest {
	return &StopIngest{Kind: kind, Message: fmt.Sprintf(format, a...)}
}
