package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

func TestNewIngest(t *testing.T) {
	ingest := models.NewIngest("batch-1", &models.IngestConfig{Src: "/data"},
		&models.StrategyConfig{Type: constants.StrategyDicom, GroupID: "neuro", ProjectLabel: "Study A"})
	assert.Len(t, ingest.ID, 36)
	assert.Equal(t, constants.IngestCreated, ingest.Status)
	require.Len(t, ingest.History, 1)
	assert.Equal(t, constants.IngestCreated, ingest.History[0].Status)
	assert.False(t, ingest.Terminal())
}

func TestIngestSetStatus(t *testing.T) {
	ingest := models.NewIngest("batch-1", &models.IngestConfig{}, &models.StrategyConfig{})
	ingest.SetStatus(constants.IngestConfiguring)
	ingest.SetStatus(constants.IngestFailed)

	assert.Equal(t, constants.IngestFailed, ingest.Status)
	assert.Len(t, ingest.History, 3)
	assert.True(t, ingest.Terminal())
	// Terminal status fills the total elapsed time.
	assert.GreaterOrEqual(t, ingest.TotalTime, 0.0)
}

func TestTaskStatusTiming(t *testing.T) {
	task := models.NewTask("ingest-id", constants.TaskScan)
	assert.Equal(t, constants.TaskPending, task.Status)
	assert.False(t, task.Terminal())

	task.SetStatus(constants.TaskRunning)
	task.SetStatus(constants.TaskCompleted)
	assert.True(t, task.Terminal())
	assert.GreaterOrEqual(t, task.PendingTime, 0.0)
	assert.GreaterOrEqual(t, task.RunningTime, 0.0)
	assert.Len(t, task.History, 3)
}

func TestNewScanTask(t *testing.T) {
	context := &models.SourceContext{Group: &models.GroupContext{ID: "neuro"}}
	task := models.NewScanTask("ingest-id", constants.ScannerDicom, "sub-01", context)
	assert.Equal(t, constants.TaskScan, task.Type)
	require.NotNil(t, task.Context)
	assert.Equal(t, constants.ScannerDicom, task.Context.ScannerType)
	assert.Equal(t, "sub-01", task.Context.Dir)
	assert.Equal(t, "neuro", task.Context.Context.Group.ID)
}

func TestNewItemRules(t *testing.T) {
	_, err := models.NewItem("ingest-id", "dir", constants.ItemFile, "a.txt",
		[]string{"a.txt", "b.txt"}, 10, nil)
	assert.Error(t, err, "file items carry exactly one file")

	item, err := models.NewItem("ingest-id", "dir", constants.ItemPackfile, "series.dicom.zip",
		[]string{"a.dcm", "b.dcm"}, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, item.FilesCnt)
	assert.Equal(t, int64(20), item.BytesSum)

	assert.Equal(t, "series.dicom.zip", item.DstFilename())
	item.SafeFilename = "series_1.dicom.zip"
	assert.Equal(t, "series_1.dicom.zip", item.DstFilename())
}

func TestNewUIDRequiresAllThree(t *testing.T) {
	_, err := models.NewUID("ingest", "item", "f.dcm", "1.2.3", "", "1.2.5")
	assert.Error(t, err)
	uid, err := models.NewUID("ingest", "item", "f.dcm", "1.2.3", "1.2.4", "1.2.5")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", uid.StudyInstanceUID)
}

func TestErrorKindRegistry(t *testing.T) {
	kind := models.KindByCode(constants.CodeZeroByteFile)
	assert.Equal(t, constants.CodeZeroByteFile, kind.Code)
	assert.True(t, kind.Warning)

	fatal := models.KindByCode(constants.CodeDeidConfigConflict)
	assert.True(t, fatal.Fatal)

	row := models.NewError("ingest-id", models.ErrZeroByteFile, "", "sub/empty.dcm")
	assert.True(t, row.Warning())
	assert.Equal(t, "sub/empty.dcm", row.Filepath)
}

func TestStopIngest(t *testing.T) {
	err := models.Stop(models.ErrS3AccessDenied, "bucket %s", "imaging")
	var stop *models.StopIngest
	require.ErrorAs(t, err, &stop)
	assert.Equal(t, constants.CodeS3AccessDenied, stop.Kind.Code)
	assert.Contains(t, stop.Error(), "imaging")
}

func TestSubjectCodeFormat(t *testing.T) {
	config := &models.SubjectConfig{CodeFormat: "ex%04d", MapKeys: []string{"PatientID"}}
	assert.Equal(t, "ex0007", config.FormatCode(7))
}

func TestStrategyValidate(t *testing.T) {
	valid := &models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "g", ProjectLabel: "p"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&models.StrategyConfig{Type: constants.StrategyFolder}).Validate())
	assert.Error(t, (&models.StrategyConfig{Type: "mystery"}).Validate())
	assert.Error(t, (&models.StrategyConfig{Type: constants.StrategyTemplate, GroupID: "g", ProjectLabel: "p"}).Validate())
}

func TestIngestConfigDefaults(t *testing.T) {
	config := &models.IngestConfig{}
	assert.Equal(t, constants.DefaultMaxRetries, config.MaxRetriesOrDefault())
	assert.Equal(t, int64(constants.DefaultMaxTempfileMB)*1024*1024, config.MaxTempfileBytes())

	config.MaxRetries = 7
	config.MaxTempfileMB = 2
	assert.Equal(t, 7, config.MaxRetriesOrDefault())
	assert.Equal(t, int64(2*1024*1024), config.MaxTempfileBytes())
}
