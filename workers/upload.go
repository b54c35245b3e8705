package workers

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/deid"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/walker"
)

// fwMetadataKeys are the pre-set metadata keys copied from a sidecar
// file onto the upload payload. Everything else is dropped.
var fwMetadataKeys = []string{"tags", "info", "classification", "modality", "zip_member_count", "type"}

// upload delivers one item to its destination container: raw bytes for
// file items, a freshly built (and optionally de-identified) zip for
// packfiles. Signed-url PUT is preferred when enabled, with fallback to
// the direct multipart upload. Transient failures propagate as
// retryable errors.
func (run *TaskRun) upload() ([]*models.Task, error) {
	if run.task.ItemID == nil {
		return nil, fmt.Errorf("upload task %s carries no item", run.task.ID)
	}
	var item models.Item
	if err := run.store.Get(&item, *run.task.ItemID); err != nil {
		return nil, err
	}
	if item.ContainerID == nil {
		return nil, fmt.Errorf("item %s was never resolved to a container", item.ID)
	}
	var container models.Container
	if err := run.store.Get(&container, *item.ContainerID); err != nil {
		return nil, err
	}
	if container.DstContext == nil || container.DstContext.ID == "" {
		return nil, fmt.Errorf("container %q was never prepared", container.Path)
	}

	w, err := run.Walker()
	if err != nil {
		return nil, models.Stop(models.ErrInvalidSourcePath,
			"cannot open source %q: %v", run.ingest.Config.Src, err)
	}
	defer w.Close()

	spill := &spillBuffer{limit: run.ingest.Config.MaxTempfileBytes()}
	defer spill.Close()

	metadata := map[string]interface{}{"name": item.DstFilename(), "type": item.Type}
	if item.Type == constants.ItemPackfile {
		if err = run.buildPackfile(w, &item, spill, metadata); err != nil {
			return nil, err
		}
	} else {
		reader, err := w.Open(item.SrcPath())
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(spill, reader)
		reader.Close()
		if err != nil {
			return nil, err
		}
	}
	for _, key := range fwMetadataKeys {
		if value, ok := item.FWMetadata[key]; ok {
			metadata[key] = value
		}
	}

	body, err := spill.Reader()
	if err != nil {
		return nil, err
	}
	filename := item.DstFilename()
	uploaded := false
	if run.ingest.Config.SignedURL {
		signedUrl, err := run.core.SignedUploadURL(container.Level, container.DstContext.ID, filename)
		if err == nil && signedUrl != "" {
			if err = network.NewSignedUploader().Put(signedUrl, body, spill.size); err == nil {
				uploaded = true
			} else {
				run.logger.Warning("Signed upload of %s failed, falling back to direct: %v",
					filename, err)
			}
		}
	}
	if !uploaded {
		if _, err = body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		err = run.core.Upload(container.Level, container.DstContext.ID, filename, body, metadata)
		if err != nil {
			return nil, err
		}
	}
	return nil, run.store.IncrementUploadStat(run.ingest.ID, true, spill.size)
}

// buildPackfile zips the item's files into the spill buffer, routing
// them through the configured de-id profile when one applies.
func (run *TaskRun) buildPackfile(w walker.Walker, item *models.Item,
	spill *spillBuffer, metadata map[string]interface{}) error {

	packType := "dicom"
	if item.Context != nil && item.Context.PackfileType != "" {
		packType = item.Context.PackfileType
	}
	metadata["type"] = packType
	metadata["zip_member_count"] = item.FilesCnt

	paths := make([]string, len(item.Files))
	for i, file := range item.Files {
		if item.Dir != "" {
			paths[i] = item.Dir + "/" + file
		} else {
			paths[i] = file
		}
	}

	zipWriter := zip.NewWriter(spill)
	config := run.ingest.Config
	var profile deid.Profile
	if config.DeID && config.DeidProfile != "" {
		registered, ok := deid.Lookup(config.DeidProfile)
		if !ok {
			return models.Stop(models.ErrDeidConfigConflict,
				"de-id profile %q is not available", config.DeidProfile)
		}
		profile = registered
	}

	if profile != nil {
		logs := map[string]*models.DeidLog{}
		var logFn deid.LogFunc
		if config.DeidLog {
			logFn = func(record deid.LogRecord) {
				entry := logs[record.Path]
				if entry == nil {
					entry = &models.DeidLog{
						ID:       models.NewUUID(),
						IngestID: run.ingest.ID,
						SrcPath:  record.Path,
					}
					logs[record.Path] = entry
				}
				if record.Type == "before" {
					entry.TagsBefore = record.Tags
				} else {
					entry.TagsAfter = record.Tags
				}
			}
		}
		if err := profile.ProcessPackfile(packType, w, zipWriter, paths, logFn); err != nil {
			return err
		}
		if err := run.postDeidLogs(logs, metadata); err != nil {
			return err
		}
	} else {
		for i, relPath := range paths {
			run.Progress(int64(i+1), int64(len(paths)))
			entry, err := zipWriter.Create(item.Files[i])
			if err != nil {
				return err
			}
			reader, err := w.Open(relPath)
			if err != nil {
				return err
			}
			_, err = io.Copy(entry, reader)
			reader.Close()
			if err != nil {
				return err
			}
		}
	}
	return zipWriter.Close()
}

// postDeidLogs persists the before/after tag rows and posts them to
// the destination, attaching the returned ids to the file metadata.
func (run *TaskRun) postDeidLogs(logs map[string]*models.DeidLog, metadata map[string]interface{}) error {
	if len(logs) == 0 {
		return nil
	}
	records := make([]interface{}, 0, len(logs))
	var logIDs []string
	for _, entry := range logs {
		records = append(records, entry)
		payload := map[string]interface{}{
			"path":   entry.SrcPath,
			"before": entry.TagsBefore,
			"after":  entry.TagsAfter,
		}
		id, err := run.core.PostDeidLog(payload)
		if err != nil {
			return err
		}
		logIDs = append(logIDs, id)
	}
	if err := run.store.BulkInsert(records); err != nil {
		return err
	}
	metadata["deid_log_ids"] = logIDs
	return nil
}

// spillBuffer buffers writes in memory up to limit, then spills the
// whole payload to a temp file. Reader returns a seekable view either
// way.
type spillBuffer struct {
	limit int64
	buf   bytes.Buffer
	file  *os.File
	size  int64
}

func (s *spillBuffer) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.limit {
		file, err := os.CreateTemp("", "ingest-upload-*")
		if err != nil {
			return 0, err
		}
		if _, err = file.Write(s.buf.Bytes()); err != nil {
			file.Close()
			os.Remove(file.Name())
			return 0, err
		}
		s.buf.Reset()
		s.file = file
	}
	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.buf.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spillBuffer) Reader() (io.ReadSeeker, error) {
	if s.file != nil {
		_, err := s.file.Seek(0, io.SeekStart)
		return s.file, err
	}
	return bytes.NewReader(s.buf.Bytes()), nil
}

func (s *spillBuffer) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	s.file.Close()
	return os.Remove(name)
}
