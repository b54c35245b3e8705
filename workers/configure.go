package workers

import (
	"errors"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/template"
	"github.com/axonlab/ingest/walker"
)

// configure validates the ingest before any scanning happens:
// destination permissions, duplicate-detection reference projects,
// de-id profile reconciliation and source readability. On success the
// root scan task is handed to the stage controller.
func (run *TaskRun) configure() ([]*models.Task, error) {
	strategy := run.ingest.Strategy
	config := run.ingest.Config

	if _, _, err := template.Build(strategy); err != nil {
		return nil, models.Stop(models.ErrInvalidSourceContext, "invalid strategy: %v", err)
	}

	canImport, err := run.core.CanImportInto(strategy.GroupID, strategy.ProjectLabel)
	if err != nil {
		return nil, err
	}
	if !canImport {
		canCreate, err := run.core.CanCreateProjectInGroup(strategy.GroupID)
		if err != nil {
			return nil, err
		}
		if !canCreate {
			return nil, models.Stop(models.ErrInsufficientPermissions,
				"user %s cannot import into %s/%s",
				run.ingest.ApiUser, strategy.GroupID, strategy.ProjectLabel)
		}
	}

	for _, path := range config.DetectDuplicatesProject {
		_, err := run.core.Lookup(path)
		if errors.Is(err, network.ErrNotFound) {
			warning := models.NewError(run.ingest.ID, models.ErrDDProjectNotFound,
				"", path).WithTask(run.task.ID)
			if err = run.store.Add(warning); err != nil {
				return nil, err
			}
			run.logger.Warning("Duplicate-detection project %q not found, skipping", path)
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	if config.DeID && config.DeidProfile != "" {
		serverProfile, err := run.core.GetDeidProfile(strategy.GroupID, strategy.ProjectLabel)
		if err != nil && !errors.Is(err, network.ErrNotFound) {
			return nil, err
		}
		if serverProfile != "" {
			return nil, models.Stop(models.ErrDeidConfigConflict,
				"project %s/%s already enforces de-id profile %q",
				strategy.GroupID, strategy.ProjectLabel, serverProfile)
		}
	}

	w, err := run.Walker()
	if err != nil {
		return nil, models.Stop(models.ErrInvalidSourcePath, "cannot open source %q: %v", config.Src, err)
	}
	defer w.Close()
	if _, err = w.ListFiles(""); err != nil {
		var denied *walker.S3AccessDeniedError
		if errors.As(err, &denied) {
			return nil, models.Stop(models.ErrS3AccessDenied, "%v", err)
		}
		return nil, models.Stop(models.ErrInvalidSourcePath, "cannot list source %q: %v", config.Src, err)
	}

	rootScan := models.NewScanTask(run.ingest.ID, constants.ScannerTemplate, "", nil)
	return []*models.Task{rootScan}, nil
}
