package workers

import (
	"fmt"
	"strings"
	"time"

	"github.com/op/go-logging"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/walker"
)

// TaskRun bundles everything a task handler needs: the claimed task,
// its ingest row, the store, the destination client and the logger.
type TaskRun struct {
	pool   *Pool
	store  *store.Client
	logger *logging.Logger
	worker string
	task   *models.Task
	ingest *models.Ingest
	core   network.CoreClient

	lastProgress time.Time
}

func newTaskRun(pool *Pool, worker string, task *models.Task) (*TaskRun, error) {
	ingest, err := pool.context.Store.GetIngest(task.IngestID)
	if err != nil {
		return nil, fmt.Errorf("cannot load ingest %s: %v", task.IngestID, err)
	}
	core, err := pool.context.CoreClient(ingest)
	if err != nil {
		return nil, fmt.Errorf("cannot build destination client: %v", err)
	}
	return &TaskRun{
		pool:   pool,
		store:  pool.context.Store,
		logger: pool.context.MessageLog,
		worker: worker,
		task:   task,
		ingest: ingest,
		core:   core,
	}, nil
}

func (run *TaskRun) execute() ([]*models.Task, error) {
	switch run.task.Type {
	case constants.TaskConfigure:
		return run.configure()
	case constants.TaskScan:
		return run.scan()
	case constants.TaskExtractUID:
		return run.extractUID()
	case constants.TaskResolve:
		return run.resolve()
	case constants.TaskDetectDuplicates:
		return run.detectDuplicates()
	case constants.TaskPrepare:
		return run.prepare()
	case constants.TaskPrepareSidecar:
		return run.prepareSidecar()
	case constants.TaskUpload:
		return run.upload()
	case constants.TaskFinalize:
		return run.finalize()
	}
	return nil, fmt.Errorf("unknown task type %q", run.task.Type)
}

// Progress writes the task's completed/total counters, wall-clock
// gated to once per second.
func (run *TaskRun) Progress(completed, total int64) {
	now := time.Now()
	if now.Sub(run.lastProgress) < constants.ProgressReportIntervalSeconds*time.Second {
		return
	}
	run.lastProgress = now
	if err := run.store.ReportProgress(run.task, completed, total); err != nil {
		run.logger.Warning("Cannot report progress for task %s: %v", run.task.ID, err)
	}
}

// Walker opens the ingest's source tree: an s3:// url or a local path.
func (run *TaskRun) Walker() (walker.Walker, error) {
	src := run.ingest.Config.Src
	if strings.HasPrefix(src, "s3://") {
		return walker.NewS3Walker(src,
			run.pool.context.Config.S3Endpoint,
			run.pool.context.Config.S3AccessKey,
			run.pool.context.Config.S3SecretKey)
	}
	return walker.NewLocalWalker(src, run.ingest.Config.FollowSymlinks)
}
