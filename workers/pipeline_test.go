package workers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/ingestcontext"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/util/logger"
)

// fakeCore is an in-memory destination: every lookup misses, container
// creation hands out sequential ids and uploads are recorded.
type fakeCore struct {
	mu        sync.Mutex
	nextID    int
	created   []map[string]interface{}
	uploads   map[string]int64 // filename -> bytes received
	tags      []string
	deidLogs  []map[string]interface{}
	signedURL string
}

func newFakeCore() *fakeCore {
	return &fakeCore{uploads: map[string]int64{}}
}

func (f *fakeCore) Lookup(path string) (*network.ContainerInfo, error) {
	return nil, network.ErrNotFound
}

func (f *fakeCore) Resolve(path string) (*network.ResolveResult, error) {
	return &network.ResolveResult{}, nil
}

func (f *fakeCore) AddContainer(level int, parentID string, doc map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, doc)
	return fmt.Sprintf("dst-%d", f.nextID), nil
}

func (f *fakeCore) AddContainerTag(level int, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tag)
	return nil
}

func (f *fakeCore) GetContainer(level int, id string) (*network.ContainerInfo, error) {
	return &network.ContainerInfo{ID: id, FilesEnabled: true}, nil
}

func (f *fakeCore) Upload(level int, id, filename string, reader io.Reader, metadata map[string]interface{}) error {
	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[filename] = n
	return nil
}

func (f *fakeCore) SignedUploadURL(level int, id, filename string) (string, error) {
	return f.signedURL, nil
}

func (f *fakeCore) CheckUIDsExist(request *network.UIDCheckRequest) (*network.UIDCheckResponse, error) {
	return &network.UIDCheckResponse{}, nil
}

func (f *fakeCore) PostDeidLog(payload map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deidLogs = append(f.deidLogs, payload)
	return fmt.Sprintf("deid-%d", len(f.deidLogs)), nil
}

func (f *fakeCore) GetDeidProfile(group, project string) (string, error) {
	return "", nil
}

func (f *fakeCore) CanImportInto(group, project string) (bool, error) {
	return true, nil
}

func (f *fakeCore) CanCreateProjectInGroup(group string) (bool, error) {
	return true, nil
}

func (f *fakeCore) GetUserActions(containerID string) ([]string, error) {
	return nil, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// drain runs tasks to completion the way a worker would, one at a
// time, until the queue is empty.
func drain(t *testing.T, pool *Pool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		task, err := pool.context.Store.NextTask("test-0")
		require.NoError(t, err)
		if task == nil {
			return
		}
		pool.dispatch("test-0", task)
	}
	t.Fatal("pipeline did not drain")
}

func newPipeline(t *testing.T, core network.CoreClient) (*Pool, *store.Client) {
	t.Helper()
	storeClient, err := store.NewSqliteClient(":memory:", logger.DiscardLogger("pipeline_test"))
	require.NoError(t, err)
	context := ingestcontext.NewTestContext(storeClient, logger.DiscardLogger("pipeline_test"),
		func(*models.Ingest) (network.CoreClient, error) { return core, nil })
	return NewPool(context), storeClient
}

func TestPipelineHappyPath(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
		"sub-01/ses-01/anat/notes.txt": "operator notes",
		"sub-02/ses-01/func/bold.nii.gz": "time series",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))

	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)

	// group + project + 2 subjects + 2 sessions + 2 acquisitions
	assert.Len(t, core.created, 8)
	assert.Equal(t, int64(len("tissue contrast")), core.uploads["t1.nii.gz"])
	assert.Equal(t, int64(len("operator notes")), core.uploads["notes.txt"])
	assert.Equal(t, int64(len("time series")), core.uploads["bold.nii.gz"])

	var stats []models.ItemStat
	require.NoError(t, storeClient.GetAll(&stats, "ingest_id = ?", ingest.ID))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].UploadCompleted)
	assert.Zero(t, stats[0].UploadFailed)

	// Every task settled cleanly.
	count, err := storeClient.CountAll(&models.Task{},
		"ingest_id = ? AND status != ?", ingest.ID, constants.TaskCompleted)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipelineStopsOnBadSource(t *testing.T) {
	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: "/no/such/dir", NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))

	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFailed, final.Status)

	var errs []models.Error
	require.NoError(t, storeClient.GetAll(&errs, "ingest_id = ?", ingest.ID))
	require.NotEmpty(t, errs)
	assert.Equal(t, constants.CodeInvalidSourcePath, errs[0].Code)
}

func TestPipelineWaitsForReview(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))

	drain(t, pool)

	waiting, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestInReview, waiting.Status)
	assert.Empty(t, core.uploads, "nothing uploads before the review")

	require.NoError(t, storeClient.ReviewIngest(ingest.ID, nil))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)
	assert.Len(t, core.uploads, 1)
}

// step claims and runs at most one task, reporting whether one ran.
func step(t *testing.T, pool *Pool) bool {
	t.Helper()
	task, err := pool.context.Store.NextTask("test-0")
	require.NoError(t, err)
	if task == nil {
		return false
	}
	pool.dispatch("test-0", task)
	return true
}

// flakyCore fails the first few uploads with transient errors before
// behaving like fakeCore.
type flakyCore struct {
	*fakeCore
	failMu   sync.Mutex
	failures int
}

func (f *flakyCore) Upload(level int, id, filename string, reader io.Reader, metadata map[string]interface{}) error {
	f.failMu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.failMu.Unlock()
	if fail {
		io.Copy(io.Discard, reader)
		return &network.RetryableError{StatusCode: 503, Err: fmt.Errorf("destination busy")}
	}
	return f.fakeCore.Upload(level, id, filename, reader, metadata)
}

// existingCore answers every lookup with a live container already
// holding the given files.
type existingCore struct {
	*fakeCore
	files []string
}

func (f *existingCore) Lookup(path string) (*network.ContainerInfo, error) {
	return &network.ContainerInfo{
		ID:           "dst-" + path,
		Label:        path,
		Files:        f.files,
		FilesEnabled: true,
	}, nil
}

// projectCore knows the group and project but nothing below them.
type projectCore struct {
	*fakeCore
}

func (f *projectCore) Lookup(path string) (*network.ContainerInfo, error) {
	if strings.Count(path, "/") <= 1 {
		return &network.ContainerInfo{ID: "dst-" + path, Label: path, FilesEnabled: true}, nil
	}
	return nil, network.ErrNotFound
}

func TestPipelineAbort(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	require.NoError(t, storeClient.AbortIngest(ingest.ID))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestAborted, final.Status)
	assert.Empty(t, core.uploads)
}

func TestPipelineAbortDuringScan(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))

	// Run configure only; its scan task is still pending when the
	// abort lands.
	require.True(t, step(t, pool))
	mid, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	require.Equal(t, constants.IngestScanning, mid.Status)

	require.NoError(t, storeClient.AbortIngest(ingest.ID))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestAborted, final.Status)
	assert.Empty(t, core.uploads)

	canceled, err := storeClient.CountAll(&models.Task{},
		"ingest_id = ? AND type = ? AND status = ?",
		ingest.ID, constants.TaskScan, constants.TaskCanceled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), canceled)
}

func TestPipelineFinishesWithZeroUploads(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	// Skipping the whole group leaves prepare with nothing to upload;
	// the ingest must still run to completion.
	changes := []models.ReviewChange{{Path: "neuro", Skip: true}}
	require.NoError(t, storeClient.ReviewIngest(ingest.ID, changes))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)
	assert.Empty(t, core.uploads)

	var stats []models.ItemStat
	require.NoError(t, storeClient.GetAll(&stats, "ingest_id = ?", ingest.ID))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Skipped)
}

func TestPipelineRepeatedSourceLayouts(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	// Two ingests over the same tree produce identical container
	// paths; each ingest gets its own rows.
	for _, label := range []string{"batch-1", "batch-2"} {
		ingest := models.NewIngest(label,
			&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true},
			&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
		require.NoError(t, storeClient.CreateIngest(ingest))
		require.NoError(t, storeClient.StartIngest(ingest.ID))
		drain(t, pool)

		final, err := storeClient.GetIngest(ingest.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.IngestFinished, final.Status, label)

		containers, err := storeClient.CountAll(&models.Container{}, "ingest_id = ?", ingest.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), containers, label)
	}
}

func TestPipelineRetriesTransientUpload(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := &flakyCore{fakeCore: newFakeCore(), failures: 2}
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)
	assert.Equal(t, int64(len("tissue contrast")), core.uploads["t1.nii.gz"])

	upload := &models.Task{}
	require.NoError(t, storeClient.FindOne(upload,
		"ingest_id = ? AND type = ?", ingest.ID, constants.TaskUpload))
	assert.Equal(t, constants.TaskCompleted, upload.Status)
	assert.Equal(t, 2, upload.Retries)
}

func TestPipelineExhaustedUploadRetriesKeepIngestAlive(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := &flakyCore{fakeCore: newFakeCore(), failures: 100}
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true, MaxRetries: 1},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	// A terminally failed upload is recorded but does not sink the
	// whole ingest.
	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)
	assert.Empty(t, core.uploads)

	upload := &models.Task{}
	require.NoError(t, storeClient.FindOne(upload,
		"ingest_id = ? AND type = ?", ingest.ID, constants.TaskUpload))
	assert.Equal(t, constants.TaskFailed, upload.Status)

	var stats []models.ItemStat
	require.NoError(t, storeClient.GetAll(&stats, "ingest_id = ?", ingest.ID))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].UploadFailed)
}

func TestPipelineSkipsExistingFiles(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
		"sub-01/ses-01/anat/notes.txt": "operator notes",
	})

	core := &existingCore{fakeCore: newFakeCore(), files: []string{"t1.nii.gz"}}
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true, SkipExisting: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)

	// Only the file the destination does not already hold is uploaded.
	assert.Equal(t, map[string]int64{"notes.txt": int64(len("operator notes"))}, core.uploads)
	assert.Empty(t, core.created, "every container already existed")

	existing := &models.Item{}
	require.NoError(t, storeClient.FindOne(existing,
		"ingest_id = ? AND filename = ?", ingest.ID, "t1.nii.gz"))
	assert.True(t, existing.Existing)
	assert.True(t, existing.Skipped)
}

func TestPipelineAppliesReviewContextOverrides(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz": "tissue contrast",
	})

	core := newFakeCore()
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyFolder, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	changes := []models.ReviewChange{{
		Path:    "neuro/Study A/sub-01",
		Context: map[string]string{"subject.label": "anon-01", "subject.sex": "female"},
	}}
	require.NoError(t, storeClient.ReviewIngest(ingest.ID, changes))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)

	var subjectDoc map[string]interface{}
	for _, doc := range core.created {
		if doc["label"] == "anon-01" {
			subjectDoc = doc
		}
		assert.NotEqual(t, "sub-01", doc["label"], "original subject label replaced")
	}
	require.NotNil(t, subjectDoc)
	assert.Equal(t, "female", subjectDoc["sex"])

	subject := &models.Container{}
	require.NoError(t, storeClient.FindOne(subject,
		"ingest_id = ? AND level = ?", ingest.ID, constants.LevelSubject))
	require.NotNil(t, subject.SrcContext.Subject)
	assert.Equal(t, "anon-01", subject.SrcContext.Subject.Label)
}

func TestPipelineProjectSidecarMetadata(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"sub-01/ses-01/anat/t1.nii.gz":      "tissue contrast",
		"sub-01/ses-01/anat/.metadata.json": `{"info":{"site":"A"}}`,
	})

	core := &projectCore{fakeCore: newFakeCore()}
	pool, storeClient := newPipeline(t, core)

	ingest := models.NewIngest("batch-1",
		&models.IngestConfig{Src: src, AssumeYes: true, NoAuditLog: true},
		&models.StrategyConfig{Type: constants.StrategyProject, GroupID: "neuro", ProjectLabel: "Study A"})
	require.NoError(t, storeClient.CreateIngest(ingest))
	require.NoError(t, storeClient.StartIngest(ingest.ID))
	drain(t, pool)

	final, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.IngestFinished, final.Status)

	// The sidecar is consumed as metadata, never uploaded as a file.
	assert.Equal(t, map[string]int64{"t1.nii.gz": int64(len("tissue contrast"))}, core.uploads)

	var acqDoc map[string]interface{}
	for _, doc := range core.created {
		if doc["label"] == "anat" {
			acqDoc = doc
		}
	}
	require.NotNil(t, acqDoc, "acquisition created with its sidecar metadata")
	assert.Equal(t, map[string]interface{}{"site": "A"}, acqDoc["info"])
}
