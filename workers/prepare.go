package workers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
)

// prepare creates the destination containers root to leaf and enqueues
// one upload task per surviving item. Containers are only created when
// their subtree holds a valid item, except group and project which are
// always materialized.
func (run *TaskRun) prepare() ([]*models.Task, error) {
	var containers []models.Container
	if err := run.store.GetAll(&containers, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	var items []models.Item
	if err := run.store.GetAll(&items, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	var sidecarMeta []models.FWContainerMetadata
	if err := run.store.GetAll(&sidecarMeta, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	metaByPath := make(map[string]map[string]interface{}, len(sidecarMeta))
	for i := range sidecarMeta {
		metaByPath[sidecarMeta[i].Path] = sidecarMeta[i].Content
	}
	var reviews []models.Review
	if err := run.store.GetAll(&reviews, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}

	byID := map[string]*models.Container{}
	for i := range containers {
		byID[containers[i].ID] = &containers[i]
	}
	validSubtree := markValidSubtrees(byID, items)

	ordered := make([]*models.Container, 0, len(containers))
	for i := range containers {
		ordered = append(ordered, &containers[i])
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Level != ordered[j].Level {
			return ordered[i].Level < ordered[j].Level
		}
		return ordered[i].Path < ordered[j].Path
	})

	updates := run.store.BatchWriter(store.BatchUpdate, 0)
	if err := applyReviewOverrides(reviews, ordered, updates); err != nil {
		return nil, err
	}
	for i, container := range ordered {
		run.Progress(int64(i+1), int64(len(ordered)))
		if container.Sidecar {
			continue
		}
		if container.Level > constants.LevelProject && !validSubtree[container.ID] {
			continue
		}
		if err := run.createContainer(container, byID, metaByPath[container.Path], updates); err != nil {
			return nil, err
		}
	}
	if err := updates.Flush(); err != nil {
		return nil, err
	}

	tasks := run.store.BatchWriter(store.BatchInsert, 0)
	for i := range items {
		item := &items[i]
		if item.Skipped || item.ContainerID == nil {
			continue
		}
		upload := models.NewTask(run.ingest.ID, constants.TaskUpload)
		itemID := item.ID
		upload.ItemID = &itemID
		if err := tasks.Push(upload); err != nil {
			return nil, err
		}
	}
	if err := tasks.Flush(); err != nil {
		return nil, err
	}
	return nil, nil
}

// applyReviewOverrides rewrites container source contexts with the
// field overrides recorded during review. An override on a path covers
// that container and its whole subtree; keys are dotted level.field
// names, a bare level name sets its label.
func applyReviewOverrides(reviews []models.Review, ordered []*models.Container, updates *store.BatchWriter) error {
	for _, container := range ordered {
		changed := false
		for _, review := range reviews {
			if len(review.Context) == 0 {
				continue
			}
			if container.Path != review.Path && !strings.HasPrefix(container.Path, review.Path+"/") {
				continue
			}
			for key, value := range review.Context {
				levelName, field := key, ""
				if dot := strings.Index(key, "."); dot >= 0 {
					levelName, field = key[:dot], key[dot+1:]
				}
				level := constants.LevelByName(levelName)
				if level < 0 || level > container.Level {
					continue
				}
				if err := container.SrcContext.SetField(levelName, field, value); err != nil {
					return err
				}
				changed = true
			}
		}
		if !changed {
			continue
		}
		srcJSON, err := json.Marshal(container.SrcContext)
		if err != nil {
			return err
		}
		err = updates.PushUpdate(&models.Container{}, container.ID, map[string]interface{}{
			"src_context": string(srcJSON),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// markValidSubtrees returns the set of container ids whose subtree
// contains at least one non-skipped item.
func markValidSubtrees(byID map[string]*models.Container, items []models.Item) map[string]bool {
	valid := map[string]bool{}
	for i := range items {
		item := &items[i]
		if item.Skipped || item.ContainerID == nil {
			continue
		}
		container := byID[*item.ContainerID]
		for container != nil && !valid[container.ID] {
			valid[container.ID] = true
			if container.ParentID == nil {
				break
			}
			container = byID[*container.ParentID]
		}
	}
	return valid
}

// createContainer materializes one container at the destination unless
// resolve already found it there, then attaches the source-declared
// tags and persists the new destination context. Sidecar metadata read
// during a project-mirror scan is merged into the creation payload
// without overriding source-derived fields.
func (run *TaskRun) createContainer(container *models.Container,
	byID map[string]*models.Container, sidecarMeta map[string]interface{},
	updates *store.BatchWriter) error {

	if !container.Existing && (container.DstContext == nil || container.DstContext.ID == "") {
		parentDstID := ""
		if container.ParentID != nil {
			parent := byID[*container.ParentID]
			if parent == nil || parent.DstContext == nil || parent.DstContext.ID == "" {
				return fmt.Errorf("container %q has no prepared parent", container.Path)
			}
			parentDstID = parent.DstContext.ID
		}
		doc := containerDoc(container)
		for key, value := range sidecarMeta {
			if _, taken := doc[key]; !taken {
				doc[key] = value
			}
		}
		id, err := run.core.AddContainer(container.Level, parentDstID, doc)
		if err != nil {
			return err
		}
		container.DstContext = &models.DestContext{
			ID:    id,
			Label: container.SrcContext.LabelAt(container.Level),
		}
		container.DstPath = container.Path
		// The batch writer issues map updates, which skip the json
		// serializer, so the context is marshaled here.
		dstJSON, err := json.Marshal(container.DstContext)
		if err != nil {
			return err
		}
		err = updates.PushUpdate(&models.Container{}, container.ID, map[string]interface{}{
			"dst_context": string(dstJSON),
			"dst_path":    container.DstPath,
		})
		if err != nil {
			return err
		}
	}

	for _, tag := range container.SrcContext.TagsAt(container.Level) {
		if err := run.core.AddContainerTag(container.Level, container.DstContext.ID, tag); err != nil {
			return err
		}
	}
	return nil
}

// containerDoc builds the creation payload for one container level
// from its source context.
func containerDoc(container *models.Container) map[string]interface{} {
	doc := map[string]interface{}{}
	put := func(key string, value interface{}) {
		switch v := value.(type) {
		case string:
			if v != "" {
				doc[key] = v
			}
		case map[string]interface{}:
			if len(v) > 0 {
				doc[key] = v
			}
		default:
			if value != nil {
				doc[key] = value
			}
		}
	}
	src := container.SrcContext
	switch container.Level {
	case constants.LevelGroup:
		if src.Group.ID != "" {
			put("_id", src.Group.ID)
		} else {
			put("label", src.Group.Label)
		}
	case constants.LevelProject:
		put("label", src.Project.Label)
		put("info", src.Project.Info)
	case constants.LevelSubject:
		put("label", src.Subject.Label)
		put("sex", src.Subject.Sex)
		put("race", src.Subject.Race)
		put("ethnicity", src.Subject.Ethnicity)
		put("species", src.Subject.Species)
		put("strain", src.Subject.Strain)
		put("info", src.Subject.Info)
	case constants.LevelSession:
		put("label", src.Session.Label)
		put("uid", src.Session.UID)
		put("timezone", src.Session.Timezone)
		put("operator", src.Session.Operator)
		put("info", src.Session.Info)
		if src.Session.Timestamp != nil {
			put("timestamp", src.Session.Timestamp.UTC().Format(constants.TimestampFormat))
		}
		if src.Session.Age != nil {
			put("age", *src.Session.Age)
		}
		if src.Session.Weight != nil {
			put("weight", *src.Session.Weight)
		}
	case constants.LevelAcquisition:
		put("label", src.Acquisition.Label)
		put("uid", src.Acquisition.UID)
		put("timezone", src.Acquisition.Timezone)
		put("info", src.Acquisition.Info)
		if src.Acquisition.Timestamp != nil {
			put("timestamp", src.Acquisition.Timestamp.UTC().Format(constants.TimestampFormat))
		}
	}
	return doc
}
