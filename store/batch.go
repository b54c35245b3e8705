package store

import (
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

// Batch operations.
const (
	BatchInsert = "insert"
	BatchUpdate = "update"
)

// BatchWriter accumulates rows and writes them in one transaction per
// batch. Writers can depend on other writers: Flush flushes the
// dependencies first, so e.g. task rows never hit the store before the
// item rows they reference.
type BatchWriter struct {
	client    *Client
	operation string
	size      int
	dependsOn []*BatchWriter

	mu      sync.Mutex
	records []interface{}
	updates []batchUpdate
}

type batchUpdate struct {
	model   interface{}
	id      string
	updates map[string]interface{}
}

// BatchWriter returns a writer for the given operation. batchSize <= 0
// selects the default.
func (client *Client) BatchWriter(operation string, batchSize int, dependsOn ...*BatchWriter) *BatchWriter {
	if batchSize <= 0 {
		batchSize = constants.DefaultBatchSize
	}
	return &BatchWriter{
		client:    client,
		operation: operation,
		size:      batchSize,
		dependsOn: dependsOn,
	}
}

// Push queues one record for insert. The batch auto-flushes (with its
// dependencies) when full.
func (writer *BatchWriter) Push(record interface{}) error {
	if writer.operation != BatchInsert {
		return fmt.Errorf("push requires an insert writer")
	}
	writer.mu.Lock()
	writer.records = append(writer.records, record)
	full := len(writer.records) >= writer.size
	writer.mu.Unlock()
	if full {
		return writer.Flush()
	}
	return nil
}

// PushUpdate queues a column update for the row with id.
func (writer *BatchWriter) PushUpdate(model interface{}, id string, updates map[string]interface{}) error {
	if writer.operation != BatchUpdate {
		return fmt.Errorf("push-update requires an update writer")
	}
	writer.mu.Lock()
	writer.updates = append(writer.updates, batchUpdate{model: model, id: id, updates: updates})
	full := len(writer.updates) >= writer.size
	writer.mu.Unlock()
	if full {
		return writer.Flush()
	}
	return nil
}

// Flush writes everything queued, flushing dependency writers first.
func (writer *BatchWriter) Flush() error {
	for _, dep := range writer.dependsOn {
		if err := dep.Flush(); err != nil {
			return err
		}
	}
	writer.mu.Lock()
	records := writer.records
	updates := writer.updates
	writer.records = nil
	writer.updates = nil
	writer.mu.Unlock()
	if len(records) == 0 && len(updates) == 0 {
		return nil
	}
	return writer.client.transaction(func(tx *gorm.DB) error {
		for _, record := range records {
			if err := writer.client.createWithStats(tx, record); err != nil {
				return err
			}
		}
		for _, update := range updates {
			if err := tx.Model(update.model).Where("id = ?", update.id).
				Updates(update.updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// createWithStats inserts a record and maintains the stat rows for
// the types that have counters.
func (client *Client) createWithStats(tx *gorm.DB, record interface{}) error {
	if err := tx.Create(record).Error; err != nil {
		return err
	}
	switch row := record.(type) {
	case *models.Task:
		return client.adjustTaskStat(tx, row.IngestID, row.Type, "", row.Status)
	case *models.Item:
		return tx.Model(&models.ItemStat{}).
			Where("ingest_id = ?", row.IngestID).
			Updates(map[string]interface{}{
				"items":          gorm.Expr("items + ?", 1),
				"scan_files_cnt": gorm.Expr("scan_files_cnt + ?", row.FilesCnt),
				"scan_bytes_sum": gorm.Expr("scan_bytes_sum + ?", row.BytesSum),
			}).Error
	}
	return nil
}

// MarkItemSkipped flips one item to skipped and bumps the skip
// counter. Used by duplicate detection.
func (client *Client) MarkItemSkipped(itemID, ingestID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Item{}).
			Where("id = ? AND skipped = ?", itemID, false).
			Update("skipped", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&models.ItemStat{}).
			Where("ingest_id = ?", ingestID).
			Update("skipped", gorm.Expr("skipped + ?", 1)).Error
	})
}

// IncrementUploadStat records one finished upload.
func (client *Client) IncrementUploadStat(ingestID string, succeeded bool, bytes int64) error {
	column := "upload_completed"
	if !succeeded {
		column = "upload_failed"
	}
	return client.transaction(func(tx *gorm.DB) error {
		return tx.Model(&models.ItemStat{}).
			Where("ingest_id = ?", ingestID).
			Updates(map[string]interface{}{
				column:           gorm.Expr(column+" + ?", 1),
				"bytes_uploaded": gorm.Expr("bytes_uploaded + ?", bytes),
			}).Error
	})
}

// PropagateContainerError sets the error flag on the container and
// every ancestor up its chain.
func (client *Client) PropagateContainerError(ingestID, containerID string) error {
	return client.transaction(func(tx *gorm.DB) error {
		container := &models.Container{}
		if err := tx.First(container, "id = ?", containerID).Error; err != nil {
			return err
		}
		paths := []string{container.Path}
		parts := strings.Split(container.Path, "/")
		for i := 1; i < len(parts); i++ {
			paths = append(paths, strings.Join(parts[:i], "/"))
		}
		return tx.Model(&models.Container{}).
			Where("ingest_id = ? AND path IN ?", ingestID, paths).
			Update("error", true).Error
	})
}
