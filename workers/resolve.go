package workers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/store"
)

// resolve maps every scanned item onto a container chain. Containers
// are created once per source path; existing destination containers
// are recognized by lookup and their file listings recorded for
// duplicate detection.
func (run *TaskRun) resolve() ([]*models.Task, error) {
	var items []models.Item
	if err := run.store.GetAll(&items, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}

	containers := map[string]*models.Container{}
	var order []*models.Container
	var itemUpdates []models.Item
	var itemContainerIDs []string
	var itemExisting []bool
	var invalidItems []models.Item
	var permissionProblems []string

	for i := range items {
		item := &items[i]
		run.Progress(int64(i+1), int64(len(items)))
		if item.Context == nil {
			invalidItems = append(invalidItems, *item)
			continue
		}
		if err := item.Context.Validate(); err != nil {
			invalidItems = append(invalidItems, *item)
			continue
		}

		var parent *models.Container
		deepest := item.Context.DeepestLevel()
		for level := constants.LevelGroup; level <= deepest; level++ {
			if !item.Context.HasLevel(level) {
				continue
			}
			path := item.Context.PathAt(level)
			if path == "" {
				invalidItems = append(invalidItems, *item)
				parent = nil
				break
			}
			container, seen := containers[path]
			if !seen {
				var parentID *string
				parentExisting := parent == nil
				if parent != nil {
					pid := parent.ID
					parentID = &pid
					parentExisting = parent.Existing
				}
				container = models.NewContainer(run.ingest.ID, parentID, level, path,
					item.Context.ContextAt(level))
				if parentExisting {
					if err := run.lookupContainer(container, path, &permissionProblems); err != nil {
						return nil, err
					}
				}
				if level >= constants.LevelSubject {
					if err := run.lookupDDFiles(container, path); err != nil {
						return nil, err
					}
				}
				containers[path] = container
				order = append(order, container)
			}
			parent = container
		}
		if parent != nil {
			itemUpdates = append(itemUpdates, *item)
			itemContainerIDs = append(itemContainerIDs, parent.ID)
			itemExisting = append(itemExisting, containerHasFile(parent, item.DstFilename()))
		}
	}

	if err := run.checkRequiredProject(containers); err != nil {
		return nil, err
	}
	if len(permissionProblems) > 0 {
		return nil, models.Stop(models.ErrInsufficientPermissions,
			"destination denied access: %s", strings.Join(permissionProblems, "; "))
	}

	containerWriter := run.store.BatchWriter(store.BatchInsert, 0)
	itemWriter := run.store.BatchWriter(store.BatchUpdate, 0, containerWriter)
	for _, container := range order {
		if err := containerWriter.Push(container); err != nil {
			return nil, err
		}
	}
	for i := range itemUpdates {
		updates := map[string]interface{}{"container_id": itemContainerIDs[i]}
		if itemExisting[i] {
			updates["existing"] = true
		}
		if err := itemWriter.PushUpdate(&models.Item{}, itemUpdates[i].ID, updates); err != nil {
			return nil, err
		}
	}
	if err := itemWriter.Flush(); err != nil {
		return nil, err
	}

	if run.ingest.Config.SkipExisting {
		for i := range itemUpdates {
			if !itemExisting[i] {
				continue
			}
			if err := run.store.MarkItemSkipped(itemUpdates[i].ID, run.ingest.ID); err != nil {
				return nil, err
			}
		}
	}

	for i := range invalidItems {
		item := &invalidItems[i]
		contextError := models.NewError(run.ingest.ID, models.ErrInvalidSourceContext,
			"", item.SrcPath()).WithTask(run.task.ID).WithItem(item.ID)
		if err := run.store.Add(contextError); err != nil {
			return nil, err
		}
		if err := run.store.MarkItemSkipped(item.ID, run.ingest.ID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// containerHasFile reports whether the destination already holds a
// file of this name in the resolved container.
func containerHasFile(container *models.Container, filename string) bool {
	if !container.Existing || container.DstContext == nil {
		return false
	}
	for _, name := range container.DstContext.Files {
		if name == filename {
			return true
		}
	}
	return false
}

// lookupContainer asks the destination about path. 404 means the
// container will be created during prepare; auth-type failures are
// accumulated so resolve can report them all at once.
func (run *TaskRun) lookupContainer(container *models.Container, path string, problems *[]string) error {
	info, err := run.core.Lookup(path)
	switch {
	case err == nil:
		if container.Level == constants.LevelProject && !info.FilesEnabled {
			return models.Stop(models.ErrProjectFilesNotEnabled,
				"project %q does not accept file uploads", path)
		}
		container.Existing = true
		container.DstContext = &models.DestContext{
			ID:    info.ID,
			Label: info.Label,
			UID:   info.UID,
			Files: info.Files,
		}
		container.DstPath = path
	case errors.Is(err, network.ErrNotFound):
	case network.IsRetryable(err):
		return err
	default:
		*problems = append(*problems, fmt.Sprintf("%s: %v", path, err))
	}
	return nil
}

// lookupDDFiles records the file listing found at the same sub-path of
// each duplicate-detection reference project.
func (run *TaskRun) lookupDDFiles(container *models.Container, path string) error {
	projects := run.ingest.Config.DetectDuplicatesProject
	if len(projects) == 0 {
		return nil
	}
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return nil
	}
	subPath := strings.Join(parts[2:], "/")
	for _, project := range projects {
		info, err := run.core.Lookup(project + "/" + subPath)
		if errors.Is(err, network.ErrNotFound) {
			continue
		}
		if err != nil {
			if network.IsRetryable(err) {
				return err
			}
			continue
		}
		container.DDFiles = append(container.DDFiles, info.Files...)
	}
	return nil
}

// checkRequiredProject enforces the require_project flag and the
// project-mirror strategy: the destination project must already exist.
func (run *TaskRun) checkRequiredProject(containers map[string]*models.Container) error {
	required := run.ingest.Config.RequireProject ||
		run.ingest.Strategy.Type == constants.StrategyProject
	if !required {
		return nil
	}
	for _, container := range containers {
		if container.Level == constants.LevelProject && !container.Existing {
			return models.Stop(models.ErrMissingRequiredContainer,
				"project %q does not exist at the destination", container.Path)
		}
	}
	return nil
}
