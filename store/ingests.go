package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// ErrInvalidTransition is returned when a requested ingest status
// change is not an edge of the state machine.
var ErrInvalidTransition = errors.New("invalid ingest status transition")

// lockedIngest loads the ingest row under an exclusive lock (postgres)
// or the process mutex (embedded, already held by the transaction).
func (client *Client) lockedIngest(tx *gorm.DB, ingestID string) (*models.Ingest, error) {
	q := tx
	if !client.embedded {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	ingest := &models.Ingest{}
	if err := q.First(ingest, "id = ?", ingestID).Error; err != nil {
		return nil, err
	}
	return ingest, nil
}

func (client *Client) saveIngestStatus(tx *gorm.DB, ingest *models.Ingest, status string) error {
	if !constants.IsValidTransition(ingest.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ingest.Status, status)
	}
	ingest.SetStatus(status)
	// Struct-based update so the json serializer runs for History;
	// map updates would hand the raw slice to the driver.
	return tx.Model(ingest).
		Select("status", "history", "total_time").
		Updates(ingest).Error
}

// CreateIngest inserts the ingest row plus its per-type stat rows.
func (client *Client) CreateIngest(ingest *models.Ingest) error {
	return client.transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ingest).Error; err != nil {
			return err
		}
		for _, taskType := range constants.TaskTypes {
			stat := &models.TaskStat{IngestID: ingest.ID, Type: taskType}
			if err := tx.Create(stat).Error; err != nil {
				return err
			}
		}
		return tx.Create(&models.ItemStat{IngestID: ingest.ID}).Error
	})
}

// GetIngest loads one ingest.
func (client *Client) GetIngest(ingestID string) (*models.Ingest, error) {
	ingest := &models.Ingest{}
	if err := client.db.First(ingest, "id = ?", ingestID).Error; err != nil {
		return nil, err
	}
	return ingest, nil
}

// ListIngests returns ingests newest first, paginated.
func (client *Client) ListIngests(limit, offset int) ([]models.Ingest, error) {
	if limit <= 0 {
		limit = 100
	}
	var ingests []models.Ingest
	err := client.db.Order("created_at desc").Limit(limit).Offset(offset).Find(&ingests).Error
	return ingests, err
}

// DeleteIngest removes a terminal ingest and everything it owns.
// Deleting a live ingest is refused.
func (client *Client) DeleteIngest(ingestID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if !ingest.Terminal() {
			return fmt.Errorf("cannot delete ingest %s in status %s", ingestID, ingest.Status)
		}
		var running int64
		if err = tx.Model(&models.Task{}).
			Where("ingest_id = ? AND status = ?", ingestID, constants.TaskRunning).
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return fmt.Errorf("cannot delete ingest %s with %d running tasks", ingestID, running)
		}
		for _, model := range []interface{}{
			&models.Task{}, &models.Container{}, &models.Item{}, &models.UID{},
			&models.Error{}, &models.Subject{}, &models.Review{}, &models.DeidLog{},
			&models.FWContainerMetadata{}, &models.TaskStat{}, &models.ItemStat{},
		} {
			if err = tx.Where("ingest_id = ?", ingestID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Ingest{}, "id = ?", ingestID).Error
	})
}

// StartIngest moves a created ingest to configuring and enqueues the
// configure task.
func (client *Client) StartIngest(ingestID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if err = client.saveIngestStatus(tx, ingest, constants.IngestConfiguring); err != nil {
			return err
		}
		return client.insertTask(tx, models.NewTask(ingestID, constants.TaskConfigure))
	})
}

// ReviewIngest records the user's review edits, applies skips to the
// affected items, and advances in_review to preparing.
func (client *Client) ReviewIngest(ingestID string, changes []models.ReviewChange) error {
	return client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if ingest.Status != constants.IngestInReview {
			return fmt.Errorf("ingest %s is not in review (status %s)", ingestID, ingest.Status)
		}
		for _, change := range changes {
			review := &models.Review{
				ID:        models.NewUUID(),
				IngestID:  ingestID,
				Path:      change.Path,
				Skip:      change.Skip,
				Context:   change.Context,
				CreatedAt: time.Now().UTC(),
			}
			if err = tx.Create(review).Error; err != nil {
				return err
			}
			if !change.Skip {
				continue
			}
			// Skip every item whose container path sits under the
			// reviewed path.
			var containerIDs []string
			if err = tx.Model(&models.Container{}).
				Where("ingest_id = ? AND (path = ? OR path LIKE ?)",
					ingestID, change.Path, change.Path+"/%").
				Pluck("id", &containerIDs).Error; err != nil {
				return err
			}
			if len(containerIDs) == 0 {
				continue
			}
			if err = tx.Model(&models.Item{}).
				Where("ingest_id = ? AND container_id IN ?", ingestID, containerIDs).
				Update("skipped", true).Error; err != nil {
				return err
			}
		}
		if err = client.saveIngestStatus(tx, ingest, constants.IngestPreparing); err != nil {
			return err
		}
		return client.insertTask(tx, models.NewTask(ingestID, constants.TaskPrepare))
	})
}

// AbortIngest cancels all pending work and still schedules finalize so
// the audit log is attempted. Safe to call from any non-terminal
// status; terminal ingests are left untouched.
func (client *Client) AbortIngest(ingestID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if ingest.Terminal() {
			return nil
		}
		if ingest.Status == constants.IngestAborting {
			return nil
		}
		if err = client.saveIngestStatus(tx, ingest, constants.IngestAborting); err != nil {
			return err
		}
		if err = client.cancelPendingTasks(tx, ingestID); err != nil {
			return err
		}
		return client.insertTask(tx, models.NewTask(ingestID, constants.TaskFinalize))
	})
}

// FailIngest marks the ingest failed, cancels pending tasks and
// schedules finalize unless one already exists.
func (client *Client) FailIngest(ingestID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if ingest.Terminal() {
			return nil
		}
		if err = client.saveIngestStatus(tx, ingest, constants.IngestFailed); err != nil {
			return err
		}
		if err = client.cancelPendingTasks(tx, ingestID); err != nil {
			return err
		}
		var finalizes int64
		if err = tx.Model(&models.Task{}).
			Where("ingest_id = ? AND type = ?", ingestID, constants.TaskFinalize).
			Count(&finalizes).Error; err != nil {
			return err
		}
		if finalizes > 0 {
			return nil
		}
		return client.insertTask(tx, models.NewTask(ingestID, constants.TaskFinalize))
	})
}

// AdvanceStage is the stage controller's commit point. Under the
// ingest row lock it re-checks that no task of the current stage is
// still pending or running, then atomically flips the ingest status
// and inserts the next stage's tasks. Returns false without side
// effects when another worker already advanced the stage or unfinished
// tasks remain.
func (client *Client) AdvanceStage(ingestID, fromStatus, toStatus string, stageTaskTypes []string, nextTasks ...*models.Task) (bool, error) {
	advanced := false
	err := client.transaction(func(tx *gorm.DB) error {
		ingest, err := client.lockedIngest(tx, ingestID)
		if err != nil {
			return err
		}
		if ingest.Status != fromStatus {
			return nil
		}
		if len(stageTaskTypes) > 0 {
			var unfinished int64
			if err = tx.Model(&models.Task{}).
				Where("ingest_id = ? AND type IN ? AND status IN ?",
					ingestID, stageTaskTypes,
					[]string{constants.TaskPending, constants.TaskRunning}).
				Count(&unfinished).Error; err != nil {
				return err
			}
			if unfinished > 0 {
				return nil
			}
		}
		if err = client.saveIngestStatus(tx, ingest, toStatus); err != nil {
			return err
		}
		for _, task := range nextTasks {
			if constants.IsSingletonTask(task.Type) {
				var live int64
				if err = tx.Model(&models.Task{}).
					Where("ingest_id = ? AND type = ? AND status IN ?",
						ingestID, task.Type,
						[]string{constants.TaskPending, constants.TaskRunning}).
					Count(&live).Error; err != nil {
					return err
				}
				if live > 0 {
					continue
				}
			}
			if err = client.insertTask(tx, task); err != nil {
				return err
			}
		}
		advanced = true
		return nil
	})
	return advanced, err
}
