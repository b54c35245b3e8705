package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// insertTask creates a pending task row and bumps its stat counter.
// Must run inside a transaction.
func (client *Client) insertTask(tx *gorm.DB, task *models.Task) error {
	if err := tx.Create(task).Error; err != nil {
		return err
	}
	return client.adjustTaskStat(tx, task.IngestID, task.Type, "", task.Status)
}

// adjustTaskStat moves one task of the given type between status
// buckets on its stat row. Empty from/to means no decrement/increment.
func (client *Client) adjustTaskStat(tx *gorm.DB, ingestID, taskType, from, to string) error {
	updates := map[string]interface{}{}
	if from != "" {
		updates[from] = gorm.Expr(from+" - ?", 1)
	}
	if to != "" {
		updates[to] = gorm.Expr(to+" + ?", 1)
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&models.TaskStat{}).
		Where("ingest_id = ? AND type = ?", ingestID, taskType).
		Updates(updates).Error
}

// NextTask fetches the oldest pending task, flips it to running and
// assigns it to the named worker, all inside one locked transaction so
// no two workers ever receive the same row. Returns nil when no work
// is pending.
func (client *Client) NextTask(workerName string) (*models.Task, error) {
	var claimed *models.Task
	err := client.transaction(func(tx *gorm.DB) error {
		q := tx
		if !client.embedded {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		task := &models.Task{}
		err := q.Where("status = ?", constants.TaskPending).
			Order("created_at asc").
			First(task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		task.SetStatus(constants.TaskRunning)
		task.Worker = workerName
		// Struct-based updates throughout this file so the History
		// serializer runs; map updates bypass it.
		if err = tx.Model(task).
			Select("status", "history", "worker").
			Updates(task).Error; err != nil {
			return err
		}
		if err = client.adjustTaskStat(tx, task.IngestID, task.Type,
			constants.TaskPending, constants.TaskRunning); err != nil {
			return err
		}
		claimed = task
		return nil
	})
	return claimed, err
}

// CompleteTask transitions a running task to completed.
func (client *Client) CompleteTask(task *models.Task) error {
	return client.finishTask(task, constants.TaskCompleted, nil)
}

// FailTask transitions a running task to failed, recording the given
// task-scoped error row when non-nil.
func (client *Client) FailTask(task *models.Task, taskError *models.Error) error {
	return client.finishTask(task, constants.TaskFailed, taskError)
}

func (client *Client) finishTask(task *models.Task, status string, taskError *models.Error) error {
	return client.transaction(func(tx *gorm.DB) error {
		fromStatus := task.Status
		task.SetStatus(status)
		if err := tx.Model(task).
			Select("status", "history", "pending_time", "running_time").
			Updates(task).Error; err != nil {
			return err
		}
		if err := client.adjustTaskStat(tx, task.IngestID, task.Type, fromStatus, status); err != nil {
			return err
		}
		if taskError != nil {
			taskError.TaskID = &task.ID
			if err := tx.Create(taskError).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RetryTask returns a failed-but-retryable running task to pending and
// increments its retry counter.
func (client *Client) RetryTask(task *models.Task) error {
	return client.transaction(func(tx *gorm.DB) error {
		fromStatus := task.Status
		task.SetStatus(constants.TaskPending)
		task.Retries++
		task.Worker = ""
		if err := tx.Model(task).
			Select("status", "history", "retries", "worker").
			Updates(task).Error; err != nil {
			return err
		}
		return client.adjustTaskStat(tx, task.IngestID, task.Type, fromStatus, constants.TaskPending)
	})
}

// cancelPendingTasks bulk-flips every pending task of the ingest to
// canceled and fixes the per-type counters. Must run inside a
// transaction holding the ingest row lock.
func (client *Client) cancelPendingTasks(tx *gorm.DB, ingestID string) error {
	var pending []models.Task
	if err := tx.Where("ingest_id = ? AND status = ?",
		ingestID, constants.TaskPending).Find(&pending).Error; err != nil {
		return err
	}
	for i := range pending {
		task := &pending[i]
		task.SetStatus(constants.TaskCanceled)
		if err := tx.Model(task).
			Select("status", "history", "pending_time", "running_time").
			Updates(task).Error; err != nil {
			return err
		}
		if err := client.adjustTaskStat(tx, ingestID, task.Type,
			constants.TaskPending, constants.TaskCanceled); err != nil {
			return err
		}
	}
	return nil
}

// ReportProgress writes a running task's progress counters. Callers
// wall-clock gate this to once per second.
func (client *Client) ReportProgress(task *models.Task, completed, total int64) error {
	task.Completed = completed
	task.Total = total
	return client.transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"completed": completed,
			"total":     total,
		}).Error
	})
}

// EnqueueTasks inserts pending tasks outside a stage transition, e.g.
// child scan tasks emitted while a scan runs.
func (client *Client) EnqueueTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return client.transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if err := client.insertTask(tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnfinishedTaskCount counts the ingest's pending and running tasks,
// optionally restricted to the given types.
func (client *Client) UnfinishedTaskCount(ingestID string, taskTypes ...string) (int64, error) {
	var count int64
	db := client.db.Model(&models.Task{}).
		Where("ingest_id = ? AND status IN ?", ingestID,
			[]string{constants.TaskPending, constants.TaskRunning})
	if len(taskTypes) > 0 {
		db = db.Where("type IN ?", taskTypes)
	}
	err := db.Count(&count).Error
	return count, err
}
