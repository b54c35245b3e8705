package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/util/logger"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	client, err := store.NewSqliteClient(":memory:", logger.DiscardLogger("store_test"))
	require.NoError(t, err)
	return client
}

func newTestIngest(t *testing.T, client *store.Client) *models.Ingest {
	t.Helper()
	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: "/data/batch-1"},
		&models.StrategyConfig{Type: constants.StrategyDicom, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, client.CreateIngest(ingest))
	return ingest
}

func TestCreateIngestSeedsStats(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	var taskStats []models.TaskStat
	require.NoError(t, client.GetAll(&taskStats, "ingest_id = ?", ingest.ID))
	assert.Len(t, taskStats, len(constants.TaskTypes))
	for _, stat := range taskStats {
		assert.Zero(t, stat.Total())
	}

	var itemStats []models.ItemStat
	require.NoError(t, client.GetAll(&itemStats, "ingest_id = ?", ingest.ID))
	assert.Len(t, itemStats, 1)
}

func TestStartIngest(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	require.NoError(t, client.StartIngest(ingest.ID))

	reloaded, err := client.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestConfiguring, reloaded.Status)

	var tasks []models.Task
	require.NoError(t, client.GetAll(&tasks, "ingest_id = ?", ingest.ID))
	require.Len(t, tasks, 1)
	assert.Equal(t, constants.TaskConfigure, tasks[0].Type)
	assert.Equal(t, constants.TaskPending, tasks[0].Status)
}

func TestStartIngestRejectsDoubleStart(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	require.NoError(t, client.StartIngest(ingest.ID))
	err := client.StartIngest(ingest.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestNextTaskClaimsEachTaskOnce(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskResolve),
		models.NewTask(ingest.ID, constants.TaskFinalize),
	}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		task, err := client.NextTask("host-123-0")
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, constants.TaskRunning, task.Status)
		assert.Equal(t, "host-123-0", task.Worker)
		assert.False(t, seen[task.ID], "task claimed twice")
		seen[task.ID] = true
	}

	task, err := client.NextTask("host-123-1")
	require.NoError(t, err)
	assert.Nil(t, task, "no pending work left")
}

func TestNextTaskAdjustsStats(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskResolve),
	}))

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)

	stat := taskStat(t, client, ingest.ID, constants.TaskResolve)
	assert.Equal(t, int64(0), stat.Pending)
	assert.Equal(t, int64(1), stat.Running)

	require.NoError(t, client.CompleteTask(task))
	stat = taskStat(t, client, ingest.ID, constants.TaskResolve)
	assert.Equal(t, int64(0), stat.Running)
	assert.Equal(t, int64(1), stat.Completed)
}

func TestRetryTaskReturnsToQueue(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskUpload),
	}))

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, client.RetryTask(task))
	assert.Equal(t, 1, task.Retries)

	again, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 1, again.Retries)
}

func TestFailTaskRecordsError(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskScan),
	}))

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)

	row := models.NewError(ingest.ID, models.ErrInvalidSourcePath, "no such dir", "")
	require.NoError(t, client.FailTask(task, row))

	var errs []models.Error
	require.NoError(t, client.GetAll(&errs, "ingest_id = ?", ingest.ID))
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].TaskID)
	assert.Equal(t, task.ID, *errs[0].TaskID)
}

// Walks a fresh ingest to the given status via the state machine.
func advanceTo(t *testing.T, client *store.Client, ingestID string, path ...string) {
	t.Helper()
	require.NoError(t, client.StartIngest(ingestID))
	configure, err := client.NextTask("setup")
	require.NoError(t, err)
	require.Equal(t, constants.TaskConfigure, configure.Type)
	require.NoError(t, client.CompleteTask(configure))
	from := constants.IngestConfiguring
	for _, to := range path {
		advanced, err := client.AdvanceStage(ingestID, from, to, nil)
		require.NoError(t, err)
		require.True(t, advanced, "%s -> %s", from, to)
		from = to
	}
}

func TestAdvanceStageWaitsForStageTasks(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	advanceTo(t, client, ingest.ID, constants.IngestScanning)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskScan),
	}))

	stage := []string{constants.TaskScan, constants.TaskExtractUID}
	advanced, err := client.AdvanceStage(ingest.ID,
		constants.IngestScanning, constants.IngestResolving, stage,
		models.NewTask(ingest.ID, constants.TaskResolve))
	require.NoError(t, err)
	assert.False(t, advanced, "scan task still pending")

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, client.CompleteTask(task))

	advanced, err = client.AdvanceStage(ingest.ID,
		constants.IngestScanning, constants.IngestResolving, stage,
		models.NewTask(ingest.ID, constants.TaskResolve))
	require.NoError(t, err)
	assert.True(t, advanced)

	// A second worker observing the same completed stage is a no-op.
	advanced, err = client.AdvanceStage(ingest.ID,
		constants.IngestScanning, constants.IngestResolving, stage,
		models.NewTask(ingest.ID, constants.TaskResolve))
	require.NoError(t, err)
	assert.False(t, advanced, "stage already advanced")

	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskResolve).Total())
}

func TestAdvanceStageSkipsLiveSingleton(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	advanceTo(t, client, ingest.ID, constants.IngestScanning)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskResolve),
	}))

	advanced, err := client.AdvanceStage(ingest.ID,
		constants.IngestScanning, constants.IngestResolving, nil,
		models.NewTask(ingest.ID, constants.TaskResolve))
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskResolve).Total())
}

func TestFailIngestCancelsPendingAndFinalizes(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	advanceTo(t, client, ingest.ID, constants.IngestScanning)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskScan),
		models.NewTask(ingest.ID, constants.TaskScan),
	}))

	require.NoError(t, client.FailIngest(ingest.ID))

	reloaded, err := client.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFailed, reloaded.Status)

	canceled, err := client.CountAll(&models.Task{},
		"ingest_id = ? AND type = ? AND status = ?",
		ingest.ID, constants.TaskScan, constants.TaskCanceled)
	require.NoError(t, err)
	assert.Equal(t, int64(2), canceled)

	// The audit log is still attempted.
	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskFinalize).Pending)

	// Failing an already failed ingest changes nothing.
	require.NoError(t, client.FailIngest(ingest.ID))
	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskFinalize).Pending)
}

func TestAbortIngest(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	advanceTo(t, client, ingest.ID, constants.IngestScanning)

	require.NoError(t, client.AbortIngest(ingest.ID))
	reloaded, err := client.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestAborting, reloaded.Status)
	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskFinalize).Pending)
}

func TestReviewIngest(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	// Review outside in_review is refused.
	assert.Error(t, client.ReviewIngest(ingest.ID, nil))

	advanceTo(t, client, ingest.ID,
		constants.IngestScanning, constants.IngestResolving, constants.IngestInReview)

	container := models.NewContainer(ingest.ID, nil, constants.LevelSession,
		"neuro/Study A/sub-01/ses-01", nil)
	require.NoError(t, client.Add(container))
	item, err := models.NewItem(ingest.ID, "sub-01/ses-01", constants.ItemFile,
		"scan.dcm", []string{"scan.dcm"}, 10, nil)
	require.NoError(t, err)
	item.ContainerID = &container.ID
	require.NoError(t, client.Add(item))

	changes := []models.ReviewChange{{Path: "neuro/Study A/sub-01", Skip: true}}
	require.NoError(t, client.ReviewIngest(ingest.ID, changes))

	reloaded, err := client.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestPreparing, reloaded.Status)

	skipped := &models.Item{}
	require.NoError(t, client.Get(skipped, item.ID))
	assert.True(t, skipped.Skipped, "items under the skipped path are skipped")

	assert.Equal(t, int64(1), taskStat(t, client, ingest.ID, constants.TaskPrepare).Pending)
}

func TestDeleteIngestRefusesLiveIngest(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	advanceTo(t, client, ingest.ID, constants.IngestScanning)

	assert.Error(t, client.DeleteIngest(ingest.ID))

	require.NoError(t, client.FailIngest(ingest.ID))
	require.NoError(t, client.DeleteIngest(ingest.ID))
	_, err := client.GetIngest(ingest.ID)
	assert.Error(t, err)
}

func TestMarkItemSkippedCounts(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	item, err := models.NewItem(ingest.ID, "dir", constants.ItemFile,
		"a.txt", []string{"a.txt"}, 5, nil)
	require.NoError(t, err)
	require.NoError(t, client.Add(item))

	require.NoError(t, client.MarkItemSkipped(item.ID, ingest.ID))
	require.NoError(t, client.MarkItemSkipped(item.ID, ingest.ID))

	var stats []models.ItemStat
	require.NoError(t, client.GetAll(&stats, "ingest_id = ?", ingest.ID))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Skipped, "skipping twice counts once")
}

func TestPropagateContainerErrorMarksAncestors(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	paths := []string{
		"neuro",
		"neuro/Study A",
		"neuro/Study A/sub-01",
		"neuro/Study A/sub-01/ses-01",
		"neuro/Study A/sub-02",
	}
	containers := map[string]*models.Container{}
	for i, path := range paths {
		level := i
		if i == 4 {
			level = constants.LevelSubject
		}
		container := models.NewContainer(ingest.ID, nil, level, path, nil)
		require.NoError(t, client.Add(container))
		containers[path] = container
	}

	leaf := containers["neuro/Study A/sub-01/ses-01"]
	require.NoError(t, client.PropagateContainerError(ingest.ID, leaf.ID))

	for _, path := range paths[:4] {
		reloaded := &models.Container{}
		require.NoError(t, client.Get(reloaded, containers[path].ID))
		assert.True(t, reloaded.Error, path)
	}
	sibling := &models.Container{}
	require.NoError(t, client.Get(sibling, containers["neuro/Study A/sub-02"].ID))
	assert.False(t, sibling.Error, "siblings stay clean")
}

func TestIncrementUploadStat(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)

	require.NoError(t, client.IncrementUploadStat(ingest.ID, true, 100))
	require.NoError(t, client.IncrementUploadStat(ingest.ID, false, 0))

	var stats []models.ItemStat
	require.NoError(t, client.GetAll(&stats, "ingest_id = ?", ingest.ID))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].UploadCompleted)
	assert.Equal(t, int64(1), stats[0].UploadFailed)
	assert.Equal(t, int64(100), stats[0].BytesUploaded)
}

func taskStat(t *testing.T, client *store.Client, ingestID, taskType string) *models.TaskStat {
	t.Helper()
	stat := &models.TaskStat{}
	require.NoError(t, client.FindOne(stat, "ingest_id = ? AND type = ?", ingestID, taskType))
	return stat
}

func TestTaskUpdatesPreserveHistory(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.StartIngest(ingest.ID))

	// Status history is a serialized column; it must survive every
	// status write and come back intact from the DB.
	reloaded, err := client.GetIngest(ingest.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.History, 2)
	assert.Equal(t, constants.IngestConfiguring, reloaded.History[1].Status)

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)

	row := &models.Task{}
	require.NoError(t, client.Get(row, task.ID))
	require.Len(t, row.History, 2)
	assert.Equal(t, constants.TaskRunning, row.History[1].Status)
	assert.Equal(t, "w", row.Worker)

	require.NoError(t, client.CompleteTask(task))
	require.NoError(t, client.Get(row, task.ID))
	require.Len(t, row.History, 3)
	assert.Equal(t, constants.TaskCompleted, row.History[2].Status)
}

func TestRetryTaskClearsWorker(t *testing.T) {
	client := newTestClient(t)
	ingest := newTestIngest(t, client)
	require.NoError(t, client.EnqueueTasks([]*models.Task{
		models.NewTask(ingest.ID, constants.TaskUpload),
	}))

	task, err := client.NextTask("w")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, client.RetryTask(task))

	row := &models.Task{}
	require.NoError(t, client.Get(row, task.ID))
	assert.Equal(t, constants.TaskPending, row.Status)
	assert.Empty(t, row.Worker)
	require.Len(t, row.History, 3)
	assert.Equal(t, constants.TaskPending, row.History[2].Status)
}
