package store

import (
	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// Progress assembles the O(1) progress snapshot from the stat tables.
func (client *Client) Progress(ingestID string) (*models.Progress, error) {
	var taskStats []models.TaskStat
	if err := client.db.Where("ingest_id = ?", ingestID).Find(&taskStats).Error; err != nil {
		return nil, err
	}
	itemStat := &models.ItemStat{}
	if err := client.db.Where("ingest_id = ?", ingestID).First(itemStat).Error; err != nil {
		return nil, err
	}
	progress := &models.Progress{Stages: make(map[string]models.StatusCount)}
	for _, stat := range taskStats {
		count := models.StatusCount{
			Pending:   stat.Pending,
			Running:   stat.Running,
			Completed: stat.Completed,
			Failed:    stat.Failed,
			Canceled:  stat.Canceled,
			Total:     stat.Total(),
		}
		progress.Stages[stat.Type] = count
		if stat.Type == constants.TaskScan {
			progress.Scans = count
		}
	}
	uploads := progress.Stages[constants.TaskUpload]
	progress.Items = models.StatusCount{
		Completed: itemStat.UploadCompleted,
		Failed:    itemStat.UploadFailed,
		Skipped:   itemStat.Skipped,
		Total:     itemStat.Items,
	}
	progress.Files = models.StatusCount{
		Scanned:   itemStat.ScanFilesCnt,
		Completed: uploads.Completed,
		Total:     itemStat.ScanFilesCnt,
	}
	progress.Bytes = models.StatusCount{
		Scanned:   itemStat.ScanBytesSum,
		Completed: itemStat.BytesUploaded,
		Total:     itemStat.ScanBytesSum,
	}
	return progress, nil
}

// Summary counts containers per level and aggregates errors by code.
func (client *Client) Summary(ingestID string) (*models.Summary, error) {
	summary := &models.Summary{}
	type levelCount struct {
		Level int
		Cnt   int64
	}
	var levels []levelCount
	if err := client.db.Model(&models.Container{}).
		Select("level, count(*) as cnt").
		Where("ingest_id = ?", ingestID).
		Group("level").Scan(&levels).Error; err != nil {
		return nil, err
	}
	for _, lc := range levels {
		switch lc.Level {
		case constants.LevelGroup:
			summary.Groups = lc.Cnt
		case constants.LevelProject:
			summary.Projects = lc.Cnt
		case constants.LevelSubject:
			summary.Subjects = lc.Cnt
		case constants.LevelSession:
			summary.Sessions = lc.Cnt
		case constants.LevelAcquisition:
			summary.Acquisitions = lc.Cnt
		}
	}
	type typeCount struct {
		Type string
		Cnt  int64
	}
	var types []typeCount
	if err := client.db.Model(&models.Item{}).
		Select("type, count(*) as cnt").
		Where("ingest_id = ?", ingestID).
		Group("type").Scan(&types).Error; err != nil {
		return nil, err
	}
	for _, tc := range types {
		switch tc.Type {
		case constants.ItemFile:
			summary.Files = tc.Cnt
		case constants.ItemPackfile:
			summary.Packfiles = tc.Cnt
		}
	}
	type codeCount struct {
		Code string
		Cnt  int64
	}
	var codes []codeCount
	if err := client.db.Model(&models.Error{}).
		Select("code, count(*) as cnt").
		Where("ingest_id = ?", ingestID).
		Group("code").Order("code").Scan(&codes).Error; err != nil {
		return nil, err
	}
	for _, cc := range codes {
		kind := models.KindByCode(cc.Code)
		entry := models.ErrorSummary{Code: cc.Code, Message: kind.Message, Count: cc.Cnt}
		if kind.Warning {
			summary.Warnings = append(summary.Warnings, entry)
		} else {
			summary.Errors = append(summary.Errors, entry)
		}
	}
	return summary, nil
}

// Report builds the final state document: elapsed seconds per entered
// status plus every task-level error.
func (client *Client) Report(ingestID string) (*models.Report, error) {
	ingest, err := client.GetIngest(ingestID)
	if err != nil {
		return nil, err
	}
	report := &models.Report{
		Status:  ingest.Status,
		Elapsed: make(map[string]int64),
	}
	for i := 0; i < len(ingest.History)-1; i++ {
		rec := ingest.History[i]
		report.Elapsed[rec.Status] += ingest.History[i+1].Timestamp - rec.Timestamp
	}
	var taskErrors []models.Error
	if err = client.db.Where("ingest_id = ? AND task_id IS NOT NULL", ingestID).
		Order("created_at").Find(&taskErrors).Error; err != nil {
		return nil, err
	}
	for _, row := range taskErrors {
		task := &models.Task{}
		taskType := ""
		if row.TaskID != nil {
			if err = client.db.First(task, "id = ?", *row.TaskID).Error; err == nil {
				taskType = task.Type
			}
		}
		report.Errors = append(report.Errors, models.TaskError{
			TaskID:   deref(row.TaskID),
			Type:     taskType,
			Code:     row.Code,
			Message:  row.Message,
			Filepath: row.Filepath,
		})
	}
	return report, nil
}

// Tree returns up to limit hierarchy nodes ordered by path, each with
// its subtree's file and byte sums.
func (client *Client) Tree(ingestID string, limit int) ([]models.TreeNode, error) {
	if limit <= 0 {
		limit = 100
	}
	var containers []models.Container
	if err := client.db.Where("ingest_id = ?", ingestID).
		Order("path").Limit(limit).Find(&containers).Error; err != nil {
		return nil, err
	}
	nodes := make([]models.TreeNode, 0, len(containers))
	for _, container := range containers {
		type sums struct {
			Files int64
			Bytes int64
		}
		s := sums{}
		subtree := client.db.Model(&models.Container{}).
			Select("id").
			Where("ingest_id = ? AND (id = ? OR path LIKE ?)",
				ingestID, container.ID, container.Path+"/%")
		if err := client.db.Model(&models.Item{}).
			Select("coalesce(sum(files_cnt),0) as files, coalesce(sum(bytes_sum),0) as bytes").
			Where("ingest_id = ? AND container_id IN (?)", ingestID, subtree).
			Scan(&s).Error; err != nil {
			return nil, err
		}
		nodes = append(nodes, models.TreeNode{
			Path:     container.Path,
			Level:    container.Level,
			Existing: container.Existing,
			Error:    container.Error,
			FilesCnt: s.Files,
			BytesSum: s.Bytes,
		})
	}
	return nodes, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
