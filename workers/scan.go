package workers

import (
	"errors"
	"fmt"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/scanners"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/walker"
)

// scan runs the scanner named by the task context over its subdir and
// streams the emissions into batch writers. Child scan and extract_uid
// tasks become visible as soon as their batch flushes, so the stage
// gate counts them before this task completes.
func (run *TaskRun) scan() ([]*models.Task, error) {
	taskContext := run.task.Context
	if taskContext == nil || taskContext.ScannerType == "" {
		return nil, fmt.Errorf("scan task %s carries no scanner context", run.task.ID)
	}

	w, err := run.Walker()
	if err != nil {
		return nil, models.Stop(models.ErrInvalidSourcePath,
			"cannot open source %q: %v", run.ingest.Config.Src, err)
	}
	defer w.Close()

	var subjects scanners.SubjectLookup
	if run.ingest.Strategy.Subject != nil {
		subjects = func(mapValues []string) (string, error) {
			return run.store.LookupSubjectCode(run.ingest.ID, run.ingest.Strategy.Subject, mapValues)
		}
	}
	scanner, err := scanners.New(taskContext.ScannerType, &scanners.Config{
		Ingest:   run.ingest,
		Walker:   w,
		Dir:      taskContext.Dir,
		Context:  taskContext.Context,
		Logger:   run.logger,
		Subjects: subjects,
	})
	if err != nil {
		return nil, err
	}

	items := run.store.BatchWriter(store.BatchInsert, 0)
	uids := run.store.BatchWriter(store.BatchInsert, 0, items)
	tasks := run.store.BatchWriter(store.BatchInsert, 0, items)
	errs := run.store.BatchWriter(store.BatchInsert, 0)
	metadata := run.store.BatchWriter(store.BatchInsert, 0)

	var emitted int64
	scanErr := scanner.Scan(func(emission scanners.Emission) error {
		emitted++
		run.Progress(emitted, 0)
		switch {
		case emission.Item != nil:
			if err := items.Push(emission.Item); err != nil {
				return err
			}
			for _, uid := range emission.UIDs {
				if err := uids.Push(uid); err != nil {
					return err
				}
			}
			if run.needsUIDExtraction(emission) {
				extract := models.NewTask(run.ingest.ID, constants.TaskExtractUID)
				itemID := emission.Item.ID
				extract.ItemID = &itemID
				if err := tasks.Push(extract); err != nil {
					return err
				}
			}
		case emission.Task != nil:
			return tasks.Push(emission.Task)
		case emission.Error != nil:
			return errs.Push(emission.Error.WithTask(run.task.ID))
		case emission.Metadata != nil:
			return metadata.Push(emission.Metadata)
		}
		return nil
	})

	// Flush even after a scan error so partial results and the error
	// rows already emitted are not lost. Writers flush their item
	// dependencies first.
	for _, writer := range []*store.BatchWriter{uids, tasks, errs, metadata} {
		if err := writer.Flush(); err != nil {
			return nil, err
		}
	}
	if scanErr != nil {
		var denied *walker.S3AccessDeniedError
		if errors.As(scanErr, &denied) {
			return nil, models.Stop(models.ErrS3AccessDenied, "%v", scanErr)
		}
		return nil, scanErr
	}
	return nil, nil
}

// needsUIDExtraction decides whether an item from a non-dicom scanner
// still needs its UID tags pulled for duplicate detection.
func (run *TaskRun) needsUIDExtraction(emission scanners.Emission) bool {
	if !run.ingest.Config.DetectDuplicates || len(emission.UIDs) > 0 {
		return false
	}
	if run.ingest.Config.ForceScan {
		return true
	}
	for _, file := range emission.Item.Files {
		if constants.DicomExtensionPattern.MatchString(file) {
			return true
		}
	}
	return false
}
