package workers

import (
	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// advanceStage is called after a task reaches a terminal status. It
// chooses the stage transition for the task type and lets the store
// commit it under the ingest row lock; the store declines when tasks
// of the stage are still unfinished or another worker got there first.
func (pool *Pool) advanceStage(run *TaskRun, followUp []*models.Task) error {
	store := pool.context.Store
	task := run.task
	ingestID := task.IngestID
	config := run.ingest.Config

	switch task.Type {
	case constants.TaskConfigure:
		_, err := store.AdvanceStage(ingestID,
			constants.IngestConfiguring, constants.IngestScanning,
			[]string{constants.TaskConfigure}, followUp...)
		return err

	case constants.TaskScan, constants.TaskExtractUID:
		_, err := store.AdvanceStage(ingestID,
			constants.IngestScanning, constants.IngestResolving,
			[]string{constants.TaskScan, constants.TaskExtractUID},
			models.NewTask(ingestID, constants.TaskResolve))
		return err

	case constants.TaskResolve:
		if config.DetectDuplicates || len(config.DetectDuplicatesProject) > 0 {
			_, err := store.AdvanceStage(ingestID,
				constants.IngestResolving, constants.IngestDetectingDuplicates,
				[]string{constants.TaskResolve},
				models.NewTask(ingestID, constants.TaskDetectDuplicates))
			return err
		}
		return pool.advanceToReview(run, constants.IngestResolving, constants.TaskResolve)

	case constants.TaskDetectDuplicates:
		return pool.advanceToReview(run, constants.IngestDetectingDuplicates, constants.TaskDetectDuplicates)

	case constants.TaskPrepare:
		if config.CopyDuplicates {
			_, err := store.AdvanceStage(ingestID,
				constants.IngestPreparing, constants.IngestPreparingSidecar,
				[]string{constants.TaskPrepare},
				models.NewTask(ingestID, constants.TaskPrepareSidecar))
			return err
		}
		advanced, err := store.AdvanceStage(ingestID,
			constants.IngestPreparing, constants.IngestUploading,
			[]string{constants.TaskPrepare})
		if err != nil || !advanced {
			return err
		}
		return pool.closeUploadStage(ingestID)

	case constants.TaskPrepareSidecar:
		advanced, err := store.AdvanceStage(ingestID,
			constants.IngestPreparingSidecar, constants.IngestUploading,
			[]string{constants.TaskPrepareSidecar})
		if err != nil || !advanced {
			return err
		}
		return pool.closeUploadStage(ingestID)

	case constants.TaskUpload:
		_, err := store.AdvanceStage(ingestID,
			constants.IngestUploading, constants.IngestFinalizing,
			[]string{constants.TaskUpload},
			models.NewTask(ingestID, constants.TaskFinalize))
		return err

	case constants.TaskFinalize:
		// Finalize also runs for aborted and failed ingests so the
		// audit log is still attempted; only the happy and abort paths
		// transition here.
		ingest, err := store.GetIngest(ingestID)
		if err != nil {
			return err
		}
		switch ingest.Status {
		case constants.IngestFinalizing:
			_, err = store.AdvanceStage(ingestID,
				constants.IngestFinalizing, constants.IngestFinished,
				[]string{constants.TaskFinalize})
		case constants.IngestAborting:
			_, err = store.AdvanceStage(ingestID,
				constants.IngestAborting, constants.IngestAborted,
				[]string{constants.TaskFinalize})
		}
		return err
	}
	return nil
}

// closeUploadStage advances uploading to finalizing when no upload
// tasks are outstanding. Prepare enqueues nothing for an empty or
// fully skipped source, so without this check nothing would ever
// trigger the upload stage transition. The store declines the
// transition while uploads remain.
func (pool *Pool) closeUploadStage(ingestID string) error {
	_, err := pool.context.Store.AdvanceStage(ingestID,
		constants.IngestUploading, constants.IngestFinalizing,
		[]string{constants.TaskUpload},
		models.NewTask(ingestID, constants.TaskFinalize))
	return err
}

// advanceToReview flips the ingest into in_review and, when the config
// says assume_yes, immediately records an empty review.
func (pool *Pool) advanceToReview(run *TaskRun, fromStatus, stageTask string) error {
	store := pool.context.Store
	advanced, err := store.AdvanceStage(run.task.IngestID,
		fromStatus, constants.IngestInReview, []string{stageTask})
	if err != nil {
		return err
	}
	if advanced && run.ingest.Config.AssumeYes {
		return store.ReviewIngest(run.task.IngestID, nil)
	}
	return nil
}
