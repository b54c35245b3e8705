package constants_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/axonlab/ingest/constants"
)

func TestIsValidTransition(t *testing.T) {
	assert.True(t, constants.IsValidTransition(constants.IngestCreated, constants.IngestConfiguring))
	assert.True(t, constants.IsValidTransition(constants.IngestScanning, constants.IngestResolving))
	assert.True(t, constants.IsValidTransition(constants.IngestResolving, constants.IngestDetectingDuplicates))
	assert.True(t, constants.IsValidTransition(constants.IngestResolving, constants.IngestInReview))
	assert.True(t, constants.IsValidTransition(constants.IngestAborting, constants.IngestAborted))

	// Skipping stages or moving backwards is not allowed.
	assert.False(t, constants.IsValidTransition(constants.IngestCreated, constants.IngestScanning))
	assert.False(t, constants.IsValidTransition(constants.IngestScanning, constants.IngestConfiguring))
	assert.False(t, constants.IsValidTransition(constants.IngestInReview, constants.IngestUploading))
	assert.False(t, constants.IsValidTransition(constants.IngestFinished, constants.IngestFailed))
	assert.False(t, constants.IsValidTransition("bogus", constants.IngestFailed))
}

func TestEveryStatusReachesATerminal(t *testing.T) {
	// Every non-terminal status must be able to fail, so an ingest can
	// never get stuck.
	for _, status := range constants.IngestStatuses {
		if constants.IsTerminalIngestStatus(status) {
			continue
		}
		assert.True(t, constants.IsValidTransition(status, constants.IngestFailed),
			"status %s cannot fail", status)
	}
}

func TestIsTerminalIngestStatus(t *testing.T) {
	assert.True(t, constants.IsTerminalIngestStatus(constants.IngestFinished))
	assert.True(t, constants.IsTerminalIngestStatus(constants.IngestFailed))
	assert.True(t, constants.IsTerminalIngestStatus(constants.IngestAborted))
	assert.False(t, constants.IsTerminalIngestStatus(constants.IngestAborting))
	assert.False(t, constants.IsTerminalIngestStatus(constants.IngestUploading))
}

func TestIsSingletonTask(t *testing.T) {
	assert.True(t, constants.IsSingletonTask(constants.TaskResolve))
	assert.True(t, constants.IsSingletonTask(constants.TaskFinalize))
	assert.False(t, constants.IsSingletonTask(constants.TaskScan))
	assert.False(t, constants.IsSingletonTask(constants.TaskUpload))
	assert.False(t, constants.IsSingletonTask(constants.TaskExtractUID))
}

func TestLevelNames(t *testing.T) {
	assert.Equal(t, "group", constants.LevelName(constants.LevelGroup))
	assert.Equal(t, "acquisition", constants.LevelName(constants.LevelAcquisition))
	assert.Equal(t, "", constants.LevelName(99))
	assert.Equal(t, constants.LevelSession, constants.LevelByName("session"))
	assert.Equal(t, -1, constants.LevelByName("volume"))
}

func TestDicomExtensionPattern(t *testing.T) {
	assert.True(t, constants.DicomExtensionPattern.MatchString("slice001.dcm"))
	assert.True(t, constants.DicomExtensionPattern.MatchString("slice001.DCM"))
	assert.True(t, constants.DicomExtensionPattern.MatchString("slice001.dcm.gz"))
	assert.True(t, constants.DicomExtensionPattern.MatchString("scan.IMA"))
	assert.False(t, constants.DicomExtensionPattern.MatchString("notes.txt"))
	assert.False(t, constants.DicomExtensionPattern.MatchString("dcm.summary"))
}
