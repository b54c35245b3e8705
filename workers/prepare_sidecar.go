package workers

import (
	"fmt"
	"strings"
	"time"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
)

// prepareSidecar creates the duplicates twin project next to the
// original and rehomes every skipped item into a mirrored container
// chain below it, then enqueues their uploads. Runs only when
// copy_duplicates is set.
func (run *TaskRun) prepareSidecar() ([]*models.Task, error) {
	var containers []models.Container
	if err := run.store.GetAll(&containers, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	var skippedItems []models.Item
	if err := run.store.GetAll(&skippedItems, "ingest_id = ? AND skipped = ?", run.ingest.ID, true); err != nil {
		return nil, err
	}
	if len(skippedItems) == 0 {
		return nil, nil
	}

	byID := map[string]*models.Container{}
	byPath := map[string]*models.Container{}
	var project *models.Container
	for i := range containers {
		container := &containers[i]
		byID[container.ID] = container
		byPath[container.Path] = container
		if container.Level == constants.LevelProject && !container.Sidecar {
			project = container
		}
	}
	if project == nil || project.DstContext == nil || project.DstContext.ID == "" {
		return nil, fmt.Errorf("no prepared project container to mirror")
	}
	group := byID[derefString(project.ParentID)]
	if group == nil || group.DstContext == nil {
		return nil, fmt.Errorf("no prepared group container to mirror")
	}

	originalLabel := project.SrcContext.LabelAt(constants.LevelProject)
	sidecarLabel := fmt.Sprintf("%s_%d", originalLabel, time.Now().Unix())
	sidecarProject, err := run.createSidecarProject(group, project, sidecarLabel)
	if err != nil {
		return nil, err
	}

	containerWriter := run.store.BatchWriter(store.BatchInsert, 0)
	itemWriter := run.store.BatchWriter(store.BatchUpdate, 0, containerWriter)
	taskWriter := run.store.BatchWriter(store.BatchInsert, 0)
	if err = containerWriter.Push(sidecarProject); err != nil {
		return nil, err
	}
	twins := map[string]*models.Container{sidecarProject.Path: sidecarProject}

	for i := range skippedItems {
		item := &skippedItems[i]
		run.Progress(int64(i+1), int64(len(skippedItems)))
		if item.ContainerID == nil {
			continue
		}
		chain, ok := chainBelowProject(byID, byID[*item.ContainerID], project)
		if !ok {
			continue
		}
		parent := sidecarProject
		for _, original := range chain {
			twinPath := sidecarTwinPath(original.Path, sidecarLabel)
			twin, seen := twins[twinPath]
			if !seen {
				twin, err = run.createSidecarTwin(original, parent, twinPath)
				if err != nil {
					return nil, err
				}
				if err = containerWriter.Push(twin); err != nil {
					return nil, err
				}
				twins[twinPath] = twin
			}
			parent = twin
		}
		err = itemWriter.PushUpdate(&models.Item{}, item.ID,
			map[string]interface{}{"container_id": parent.ID})
		if err != nil {
			return nil, err
		}
		upload := models.NewTask(run.ingest.ID, constants.TaskUpload)
		itemID := item.ID
		upload.ItemID = &itemID
		if err = taskWriter.Push(upload); err != nil {
			return nil, err
		}
	}

	if err = itemWriter.Flush(); err != nil {
		return nil, err
	}
	return nil, taskWriter.Flush()
}

func (run *TaskRun) createSidecarProject(group, project *models.Container, label string) (*models.Container, error) {
	dstID, err := run.core.AddContainer(constants.LevelProject, group.DstContext.ID,
		map[string]interface{}{"label": label})
	if err != nil {
		return nil, err
	}
	parentID := group.ID
	src := project.SrcContext.Clone()
	src.Project = &models.ProjectContext{Label: label}
	sidecar := models.NewContainer(run.ingest.ID, &parentID, constants.LevelProject,
		group.Path+"/"+label, src)
	sidecar.Sidecar = true
	sidecar.DstContext = &models.DestContext{ID: dstID, Label: label}
	sidecar.DstPath = sidecar.Path
	return sidecar, nil
}

func (run *TaskRun) createSidecarTwin(original, parent *models.Container, twinPath string) (*models.Container, error) {
	doc := containerDoc(original)
	dstID, err := run.core.AddContainer(original.Level, parent.DstContext.ID, doc)
	if err != nil {
		return nil, err
	}
	parentID := parent.ID
	twin := models.NewContainer(run.ingest.ID, &parentID, original.Level,
		twinPath, original.SrcContext.Clone())
	twin.Sidecar = true
	twin.DstContext = &models.DestContext{
		ID:    dstID,
		Label: original.SrcContext.LabelAt(original.Level),
	}
	twin.DstPath = twinPath
	return twin, nil
}

// chainBelowProject returns the containers below the project on the
// path from the project down to leaf, root-first. ok is false when the
// leaf does not hang below the project at all.
func chainBelowProject(byID map[string]*models.Container, leaf, project *models.Container) ([]*models.Container, bool) {
	var chain []*models.Container
	for container := leaf; container != nil && container.ID != project.ID; {
		chain = append([]*models.Container{container}, chain...)
		if container.ParentID == nil {
			return nil, false
		}
		container = byID[*container.ParentID]
		if container == nil {
			return nil, false
		}
	}
	if leaf == nil {
		return nil, false
	}
	return chain, true
}

// sidecarTwinPath swaps the project component of a container path for
// the sidecar project label.
func sidecarTwinPath(path, sidecarLabel string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 1 {
		parts[1] = sidecarLabel
	}
	return strings.Join(parts, "/")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
