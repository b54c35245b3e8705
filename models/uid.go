package models

import (
	"fmt"
	"time"
)

// UID is a DICOM identity tuple tied to an item and, after resolve, to
// the session and acquisition containers the item landed in.
type UID struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`
	ItemID   string `gorm:"index;size:36" json:"item_id"`

	Filename string `json:"filename"`

	StudyInstanceUID  string `gorm:"index" json:"study_instance_uid"`
	SeriesInstanceUID string `gorm:"index" json:"series_instance_uid"`
	SOPInstanceUID    string `gorm:"index" json:"sop_instance_uid"`
	AcquisitionNumber string `json:"acquisition_number,omitempty"`

	SessionContainerID     *string `gorm:"index;size:36" json:"session_container_id,omitempty"`
	AcquisitionContainerID *string `gorm:"index;size:36" json:"acquisition_container_id,omitempty"`

	CreatedAt time.Time `json:"created"`
}

// NewUID returns a UID row; all three instance uids must be non-empty.
func NewUID(ingestID, itemID, filename, study, series, sop string) (*UID, error) {
	if study == "" || series == "" || sop == "" {
		return nil, fmt.Errorf("uid for %q requires study, series and sop instance uids", filename)
	}
	return &UID{
		ID:                NewUUID(),
		IngestID:          ingestID,
		ItemID:            itemID,
		Filename:          filename,
		StudyInstanceUID:  study,
		SeriesInstanceUID: series,
		SOPInstanceUID:    sop,
		CreatedAt:         time.Now().UTC(),
	}, nil
}
