package workers

import (
	"bytes"
	"fmt"
	"io"

	"github.com/axonlab/ingest/dicomfile"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/walker"
)

// extractUID pulls the DICOM identity tags from every file of an item
// whose scanner did not emit UIDs itself, so duplicate detection can
// still reason about it. Unparsable files get a warning row and are
// otherwise left alone.
func (run *TaskRun) extractUID() ([]*models.Task, error) {
	if run.task.ItemID == nil {
		return nil, fmt.Errorf("extract_uid task %s carries no item", run.task.ID)
	}
	var item models.Item
	if err := run.store.Get(&item, *run.task.ItemID); err != nil {
		return nil, fmt.Errorf("cannot load item %s: %v", *run.task.ItemID, err)
	}

	w, err := run.Walker()
	if err != nil {
		return nil, models.Stop(models.ErrInvalidSourcePath,
			"cannot open source %q: %v", run.ingest.Config.Src, err)
	}
	defer w.Close()

	var uids []interface{}
	studies := map[string]bool{}
	series := map[string]bool{}
	for i, file := range item.Files {
		run.Progress(int64(i+1), int64(len(item.Files)))
		path := file
		if item.Dir != "" {
			path = item.Dir + "/" + file
		}
		header, err := run.parseHeader(w, path)
		if err != nil {
			parseError := models.NewError(run.ingest.ID, models.ErrUnparsableDicomFile,
				err.Error(), path).WithTask(run.task.ID).WithItem(item.ID)
			if err = run.store.Add(parseError); err != nil {
				return nil, err
			}
			continue
		}
		uid, err := models.NewUID(run.ingest.ID, item.ID, file,
			header.StudyInstanceUID, header.SeriesInstanceUID, header.SOPInstanceUID)
		if err != nil {
			continue
		}
		uid.AcquisitionNumber = header.AcquisitionNumber
		studies[header.StudyInstanceUID] = true
		series[header.SeriesInstanceUID] = true
		uids = append(uids, uid)
	}

	if len(studies) > 1 {
		if err := run.markItemMismatch(&item, models.ErrDifferentStudyInstanceUID); err != nil {
			return nil, err
		}
	}
	if len(series) > 1 {
		if err := run.markItemMismatch(&item, models.ErrDifferentSeriesInstanceUID); err != nil {
			return nil, err
		}
	}
	if len(uids) > 0 {
		if err := run.store.BulkInsert(uids); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (run *TaskRun) parseHeader(w walker.Walker, path string) (*dicomfile.Header, error) {
	reader, err := w.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return dicomfile.ParseHeader(bytes.NewReader(data), int64(len(data)), path)
}

func (run *TaskRun) markItemMismatch(item *models.Item, kind models.ErrorKind) error {
	mismatch := models.NewError(run.ingest.ID, kind, "", item.SrcPath()).
		WithTask(run.task.ID).WithItem(item.ID)
	if err := run.store.Add(mismatch); err != nil {
		return err
	}
	return run.store.MarkItemSkipped(item.ID, run.ingest.ID)
}
