package workers

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/store"
)

// detectDuplicates runs the duplicate checks over the resolved upload
// set: filepath conflicts within the set and against the destination,
// then the DICOM UID consistency checks. Flagged items are skipped and
// their container chains marked.
func (run *TaskRun) detectDuplicates() ([]*models.Task, error) {
	set, err := run.loadUploadSet()
	if err != nil {
		return nil, err
	}

	errWriter := run.store.BatchWriter(store.BatchInsert, 0)
	updateWriter := run.store.BatchWriter(store.BatchUpdate, 0)
	flagged := map[string]bool{}
	flag := func(item *models.Item, kind models.ErrorKind) error {
		flagged[item.ID] = true
		finding := models.NewError(run.ingest.ID, kind, "", item.SrcPath()).
			WithTask(run.task.ID).WithItem(item.ID)
		return errWriter.Push(finding)
	}

	if err = run.checkFilepathConflicts(set, flag, updateWriter); err != nil {
		return nil, err
	}
	if err = run.checkDestinationConflicts(set, flag); err != nil {
		return nil, err
	}
	if err = run.checkUIDConsistency(set, flag, updateWriter); err != nil {
		return nil, err
	}

	if err = errWriter.Flush(); err != nil {
		return nil, err
	}
	if err = updateWriter.Flush(); err != nil {
		return nil, err
	}
	for itemID := range flagged {
		if err = run.store.MarkItemSkipped(itemID, run.ingest.ID); err != nil {
			return nil, err
		}
		item := set.itemByID[itemID]
		if item != nil && item.ContainerID != nil {
			if err = run.store.PropagateContainerError(run.ingest.ID, *item.ContainerID); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// uploadSet is the in-memory view of one ingest's items, containers
// and uid rows the duplicate checks operate on.
type uploadSet struct {
	items    []models.Item
	itemByID map[string]*models.Item

	containerByID map[string]*models.Container
	uids          []models.UID
}

func (run *TaskRun) loadUploadSet() (*uploadSet, error) {
	set := &uploadSet{
		itemByID:      map[string]*models.Item{},
		containerByID: map[string]*models.Container{},
	}
	if err := run.store.GetAll(&set.items, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	for i := range set.items {
		set.itemByID[set.items[i].ID] = &set.items[i]
	}
	var containers []models.Container
	if err := run.store.GetAll(&containers, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	for i := range containers {
		set.containerByID[containers[i].ID] = &containers[i]
	}
	if err := run.store.GetAll(&set.uids, "ingest_id = ?", run.ingest.ID); err != nil {
		return nil, err
	}
	return set, nil
}

func (set *uploadSet) containerOf(item *models.Item) *models.Container {
	if item.ContainerID == nil {
		return nil
	}
	return set.containerByID[*item.ContainerID]
}

// ancestorAt walks up from the item's container to the one at level.
func (set *uploadSet) ancestorAt(item *models.Item, level int) *models.Container {
	container := set.containerOf(item)
	for container != nil && container.Level > level {
		if container.ParentID == nil {
			return nil
		}
		container = set.containerByID[*container.ParentID]
	}
	if container == nil || container.Level != level {
		return nil
	}
	return container
}

// checkFilepathConflicts finds items that would land at the same
// destination path. Every member of a conflict group is flagged; all
// but the first get a de-conflicted safe filename so copy_duplicates
// can still deliver them.
func (run *TaskRun) checkFilepathConflicts(set *uploadSet,
	flag func(*models.Item, models.ErrorKind) error, updates *store.BatchWriter) error {

	ordered := make([]*models.Item, 0, len(set.items))
	for i := range set.items {
		ordered = append(ordered, &set.items[i])
	}
	pathOf := func(item *models.Item) string {
		container := set.containerOf(item)
		if container == nil {
			return ""
		}
		return container.Path + "/" + item.Filename
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := pathOf(ordered[i]), pathOf(ordered[j])
		if pi != pj {
			return pi < pj
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	start := 0
	for i := 1; i <= len(ordered); i++ {
		if i < len(ordered) && pathOf(ordered[i]) == pathOf(ordered[start]) {
			continue
		}
		if i-start > 1 && pathOf(ordered[start]) != "" {
			for k := start; k < i; k++ {
				item := ordered[k]
				if err := flag(item, models.ErrDuplicateFilepathInUploadSet); err != nil {
					return err
				}
				if k == start {
					continue
				}
				safe := deconflictFilename(item.Filename, k-start)
				item.SafeFilename = safe
				err := updates.PushUpdate(&models.Item{}, item.ID,
					map[string]interface{}{"safe_filename": safe})
				if err != nil {
					return err
				}
			}
		}
		start = i
	}
	return nil
}

// deconflictFilename inserts _k before the (possibly compound)
// extension: "series.dicom.zip" -> "series_1.dicom.zip".
func deconflictFilename(filename string, k int) string {
	base := filename
	ext := ""
	for {
		e := path.Ext(base)
		if e == "" || e == base {
			break
		}
		ext = e + ext
		base = strings.TrimSuffix(base, e)
	}
	return fmt.Sprintf("%s_%d%s", base, k, ext)
}

// checkDestinationConflicts flags items whose filename already exists
// in the resolved container or in a duplicate-detection reference
// project.
func (run *TaskRun) checkDestinationConflicts(set *uploadSet,
	flag func(*models.Item, models.ErrorKind) error) error {
	for i := range set.items {
		item := &set.items[i]
		container := set.containerOf(item)
		if container == nil {
			continue
		}
		if container.HasDstFile(item.DstFilename()) {
			if err := flag(item, models.ErrDuplicateFilepathInDestination); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkUIDConsistency runs the DICOM uid checks: intra-set study,
// series and sop conflicts, then the destination-side existence check
// for uids landing in newly created containers.
func (run *TaskRun) checkUIDConsistency(set *uploadSet,
	flag func(*models.Item, models.ErrorKind) error, updates *store.BatchWriter) error {
	if len(set.uids) == 0 {
		return nil
	}

	sessionStudies := map[string]map[string]bool{}
	studySessions := map[string]map[string]bool{}
	acqSeries := map[string]map[string]bool{}
	seriesAcqs := map[string]map[string]bool{}
	sopCount := map[string]int{}

	sessionItems := map[string]map[*models.Item]bool{}
	studyItems := map[string]map[*models.Item]bool{}
	acqItems := map[string]map[*models.Item]bool{}
	seriesItems := map[string]map[*models.Item]bool{}
	sopItems := map[string]map[*models.Item]bool{}

	record := func(index map[string]map[string]bool, key, value string) {
		if index[key] == nil {
			index[key] = map[string]bool{}
		}
		index[key][value] = true
	}
	member := func(index map[string]map[*models.Item]bool, key string, item *models.Item) {
		if index[key] == nil {
			index[key] = map[*models.Item]bool{}
		}
		index[key][item] = true
	}

	for i := range set.uids {
		uid := &set.uids[i]
		item := set.itemByID[uid.ItemID]
		if item == nil {
			continue
		}
		session := set.ancestorAt(item, constants.LevelSession)
		acquisition := set.ancestorAt(item, constants.LevelAcquisition)

		uidUpdates := map[string]interface{}{}
		if session != nil {
			uid.SessionContainerID = &session.ID
			uidUpdates["session_container_id"] = session.ID
			record(sessionStudies, session.ID, uid.StudyInstanceUID)
			record(studySessions, uid.StudyInstanceUID, session.ID)
			member(sessionItems, session.ID, item)
		}
		if acquisition != nil {
			uid.AcquisitionContainerID = &acquisition.ID
			uidUpdates["acquisition_container_id"] = acquisition.ID
			record(acqSeries, acquisition.ID, uid.SeriesInstanceUID)
			record(seriesAcqs, uid.SeriesInstanceUID, acquisition.ID)
			member(acqItems, acquisition.ID, item)
		}
		if len(uidUpdates) > 0 {
			if err := updates.PushUpdate(&models.UID{}, uid.ID, uidUpdates); err != nil {
				return err
			}
		}
		member(studyItems, uid.StudyInstanceUID, item)
		member(seriesItems, uid.SeriesInstanceUID, item)
		member(sopItems, uid.SOPInstanceUID, item)
		sopCount[uid.SOPInstanceUID]++
	}

	flagMembers := func(members map[*models.Item]bool, kind models.ErrorKind) error {
		for item := range members {
			if err := flag(item, kind); err != nil {
				return err
			}
		}
		return nil
	}

	for sessionID, studies := range sessionStudies {
		if len(studies) > 1 {
			if err := flagMembers(sessionItems[sessionID], models.ErrDuplicatedStudyInstanceUID); err != nil {
				return err
			}
		}
	}
	for study, sessions := range studySessions {
		if len(sessions) > 1 {
			if err := flagMembers(studyItems[study], models.ErrDuplicatedStudyInstanceUIDInContainers); err != nil {
				return err
			}
		}
	}
	for acqID, series := range acqSeries {
		if len(series) > 1 {
			if err := flagMembers(acqItems[acqID], models.ErrDuplicatedSeriesInstanceUID); err != nil {
				return err
			}
		}
	}
	for series, acqs := range seriesAcqs {
		if len(acqs) > 1 {
			if err := flagMembers(seriesItems[series], models.ErrDuplicatedSeriesInstanceUIDInContainers); err != nil {
				return err
			}
		}
	}
	for sop, count := range sopCount {
		if count > 1 {
			if err := flagMembers(sopItems[sop], models.ErrDuplicatedSOPInstanceUID); err != nil {
				return err
			}
		}
	}

	return run.checkDestinationUIDs(set, sessionStudies, acqSeries, studyItems, seriesItems, flag)
}

// checkDestinationUIDs asks the destination whether study uids landing
// in new session containers (and series uids in new acquisition
// containers) already exist in the project.
func (run *TaskRun) checkDestinationUIDs(set *uploadSet,
	sessionStudies, acqSeries map[string]map[string]bool,
	studyItems, seriesItems map[string]map[*models.Item]bool,
	flag func(*models.Item, models.ErrorKind) error) error {

	projectID := ""
	for _, container := range set.containerByID {
		if container.Level == constants.LevelProject && container.Existing &&
			container.DstContext != nil {
			projectID = container.DstContext.ID
			break
		}
	}
	if projectID == "" {
		// New project: the destination cannot hold any of these uids.
		return nil
	}

	request := &network.UIDCheckRequest{ProjectID: projectID}
	for sessionID, studies := range sessionStudies {
		container := set.containerByID[sessionID]
		if container == nil || container.Existing {
			continue
		}
		for study := range studies {
			request.StudyUIDs = append(request.StudyUIDs, study)
		}
	}
	for acqID, series := range acqSeries {
		container := set.containerByID[acqID]
		if container == nil || container.Existing {
			continue
		}
		for s := range series {
			request.SeriesUIDs = append(request.SeriesUIDs, s)
		}
	}
	if len(request.StudyUIDs) == 0 && len(request.SeriesUIDs) == 0 {
		return nil
	}

	response, err := run.core.CheckUIDsExist(request)
	if err != nil {
		return err
	}
	for _, study := range response.StudyUIDs {
		if err = flagAll(studyItems[study], models.ErrStudyInstanceUIDExists, flag); err != nil {
			return err
		}
	}
	for _, series := range response.SeriesUIDs {
		if err = flagAll(seriesItems[series], models.ErrSeriesInstanceUIDExists, flag); err != nil {
			return err
		}
	}
	return nil
}

func flagAll(members map[*models.Item]bool, kind models.ErrorKind,
	flag func(*models.Item, models.ErrorKind) error) error {
	for item := range members {
		if err := flag(item, kind); err != nil {
			return err
		}
	}
	return nil
}
