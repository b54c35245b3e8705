package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"

	"gorm.io/gorm"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
)

var trailingInt = regexp.MustCompile(`(\d+)$`)

// AuditLogs streams the audit log CSV: one row per item plus one row
// per file-level error without an item, in that order. Column order is
// stable; downstream tooling parses it.
func (client *Client) AuditLogs(ingestID string, w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(constants.AuditLogHeader); err != nil {
		return err
	}
	var items []models.Item
	if err := client.db.Where("ingest_id = ?", ingestID).
		Order("created_at").Find(&items).Error; err != nil {
		return err
	}
	for _, item := range items {
		status, err := client.itemStatus(&item)
		if err != nil {
			return err
		}
		errorCode, errorMessage := "", ""
		itemError := &models.Error{}
		if err := client.db.Where("item_id = ?", item.ID).
			Order("created_at").First(itemError).Error; err == nil {
			errorCode = itemError.Code
			errorMessage = itemError.Message
		}
		dstPath, action := "", ""
		if item.ContainerID != nil {
			container := &models.Container{}
			if err := client.db.First(container, "id = ?", *item.ContainerID).Error; err == nil {
				dstPath = container.Path + "/" + item.DstFilename()
				if container.DstPath != "" {
					dstPath = container.DstPath + "/" + item.DstFilename()
				}
				if container.Sidecar {
					action = fmt.Sprintf("%s: %s", constants.ActionCopiedToSidecar, container.Path)
				}
			}
		}
		if item.Skipped && action == "" {
			action = constants.ActionFileSkipped
		}
		row := []string{
			item.SrcPath(),
			dstPath,
			status,
			strconv.FormatBool(item.Existing),
			errorCode,
			errorMessage,
			action,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	// File-level errors come after the last item row.
	var fileErrors []models.Error
	if err := client.db.Where("ingest_id = ? AND item_id IS NULL AND filepath != ''", ingestID).
		Order("created_at").Find(&fileErrors).Error; err != nil {
		return err
	}
	for _, row := range fileErrors {
		record := []string{row.Filepath, "", "", "false", row.Code, row.Message, ""}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// itemStatus derives the audit status of an item: skipped items report
// skipped, items with an upload task report that task's status, and
// anything else is merely scanned.
func (client *Client) itemStatus(item *models.Item) (string, error) {
	if item.Skipped {
		return "skipped", nil
	}
	task := &models.Task{}
	err := client.db.Where("item_id = ? AND type = ?", item.ID, constants.TaskUpload).
		Order("created_at desc").First(task).Error
	if err != nil {
		return "scanned", nil
	}
	return task.Status, nil
}

// DeidLogs streams the de-id log CSV: a before and an after row per
// record, with the union of all tag fields as columns.
func (client *Client) DeidLogs(ingestID string, w io.Writer) error {
	var logs []models.DeidLog
	if err := client.db.Where("ingest_id = ?", ingestID).
		Order("created_at").Find(&logs).Error; err != nil {
		return err
	}
	fieldSet := map[string]bool{}
	for _, log := range logs {
		for field := range log.TagsBefore {
			fieldSet[field] = true
		}
		for field := range log.TagsAfter {
			fieldSet[field] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for field := range fieldSet {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	writer := csv.NewWriter(w)
	header := append([]string{"src_path", "type"}, fields...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, log := range logs {
		for _, side := range []struct {
			kind string
			tags map[string]string
		}{{"before", log.TagsBefore}, {"after", log.TagsAfter}} {
			row := make([]string, 0, len(fields)+2)
			row = append(row, log.SrcPath, side.kind)
			for _, field := range fields {
				row = append(row, side.tags[field])
			}
			if err := writer.Write(row); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

// Subjects streams the subject map CSV. The header is the code format
// followed by the map keys.
func (client *Client) Subjects(ingestID string, w io.Writer) error {
	ingest, err := client.GetIngest(ingestID)
	if err != nil {
		return err
	}
	subjectConfig := subjectConfigOf(ingest)
	if subjectConfig == nil {
		return fmt.Errorf("ingest %s has no subject mapping configured", ingestID)
	}
	var subjects []models.Subject
	if err = client.db.Where("ingest_id = ?", ingestID).
		Order("created_at").Find(&subjects).Error; err != nil {
		return err
	}
	writer := csv.NewWriter(w)
	header := append([]string{subjectConfig.CodeFormat}, subjectConfig.MapKeys...)
	if err = writer.Write(header); err != nil {
		return err
	}
	for _, subject := range subjects {
		if err = writer.Write(append([]string{subject.Code}, subject.MapValues...)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// LoadSubjectCSV restores a previously exported subject map into the
// ingest and returns the highest code serial found, so new subjects
// continue the sequence.
func (client *Client) LoadSubjectCSV(ingestID string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	rows, err := reader.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("subject csv is empty")
	}
	maxSerial := 0
	records := make([]interface{}, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 2 {
			continue
		}
		code := row[0]
		records = append(records, models.NewSubject(ingestID, code, row[1:]))
		if match := trailingInt.FindString(code); match != "" {
			if serial, convErr := strconv.Atoi(match); convErr == nil && serial > maxSerial {
				maxSerial = serial
			}
		}
	}
	if err = client.BulkInsert(records); err != nil {
		return 0, err
	}
	return maxSerial, nil
}

// LookupSubjectCode returns the code mapped to the given header
// values, creating a new one from the next serial when unseen. The
// lookup-or-insert runs in one locked transaction; if a concurrent
// worker inserts the same tuple first, the unique index rejects the
// create and the winner's code is re-read instead.
func (client *Client) LookupSubjectCode(ingestID string, config *models.SubjectConfig, mapValues []string) (string, error) {
	mapKey := models.SubjectMapKey(mapValues)
	code := ""
	err := client.transaction(func(tx *gorm.DB) error {
		subject := &models.Subject{}
		err := tx.Where("ingest_id = ? AND map_key = ?", ingestID, mapKey).
			First(subject).Error
		if err == nil {
			code = subject.Code
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var subjects []models.Subject
		if err = tx.Where("ingest_id = ?", ingestID).Find(&subjects).Error; err != nil {
			return err
		}
		maxSerial := 0
		for _, existing := range subjects {
			if match := trailingInt.FindString(existing.Code); match != "" {
				if serial, convErr := strconv.Atoi(match); convErr == nil && serial > maxSerial {
					maxSerial = serial
				}
			}
		}
		code = config.FormatCode(maxSerial + 1)
		return tx.Create(models.NewSubject(ingestID, code, mapValues)).Error
	})
	if err != nil {
		// Lost the insert race on the clustered backend.
		subject := &models.Subject{}
		if readErr := client.db.Where("ingest_id = ? AND map_key = ?", ingestID, mapKey).
			First(subject).Error; readErr == nil {
			return subject.Code, nil
		}
		return "", err
	}
	return code, nil
}

func subjectConfigOf(ingest *models.Ingest) *models.SubjectConfig {
	if ingest.Strategy == nil {
		return nil
	}
	return ingest.Strategy.Subject
}
