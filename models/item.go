package models

import (
	"fmt"
	"time"

	"github.com/axonlab/ingest/constants"
)

// Item is one upload unit: a single file, or a packfile zipped from
// many source files (typically one DICOM series).
type Item struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	IngestID string `gorm:"index;size:36" json:"ingest_id"`

	// ContainerID is nil until resolve maps the item's context onto a
	// container row.
	ContainerID *string `gorm:"index;size:36" json:"container_id,omitempty"`

	// Dir is the source directory; Files are paths relative to it.
	Dir   string   `json:"dir"`
	Files []string `gorm:"serializer:json" json:"files"`

	Type string `json:"type"`

	// Filename is the destination filename; SafeFilename is the
	// de-conflicted name chosen when duplicate detection renames.
	Filename     string `json:"filename"`
	SafeFilename string `json:"safe_filename,omitempty"`

	FilesCnt int   `json:"files_cnt"`
	BytesSum int64 `json:"bytes_sum"`

	// Context is the full hierarchy context captured at scan time,
	// before resolve.
	Context *SourceContext `gorm:"serializer:json" json:"context,omitempty"`

	Existing bool `json:"existing"`
	Skipped  bool `json:"skipped"`

	// FWMetadata carries optional pre-set destination metadata read
	// from sidecar files when mirroring a project.
	FWMetadata map[string]interface{} `gorm:"serializer:json" json:"fw_metadata,omitempty"`

	CreatedAt time.Time `json:"created"`
}

// NewItem returns an item of the given type. A file item must name
// exactly one file.
func NewItem(ingestID, dir, itemType, filename string, files []string, bytesSum int64, context *SourceContext) (*Item, error) {
	if itemType == constants.ItemFile && len(files) != 1 {
		return nil, fmt.Errorf("file item %q must have exactly one file, got %d", filename, len(files))
	}
	return &Item{
		ID:        NewUUID(),
		IngestID:  ingestID,
		Dir:       dir,
		Files:     files,
		Type:      itemType,
		Filename:  filename,
		FilesCnt:  len(files),
		BytesSum:  bytesSum,
		Context:   context,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DstFilename returns the name the item will have at the destination:
// the de-conflicted safe filename when one was assigned.
func (item *Item) DstFilename() string {
	if item.SafeFilename != "" {
		return item.SafeFilename
	}
	return item.Filename
}

// SrcPath returns dir/firstfile for file items and the dir itself for
// packfiles, for audit log and error reporting.
func (item *Item) SrcPath() string {
	if item.Type == constants.ItemFile && len(item.Files) == 1 {
		return item.Dir + "/" + item.Files[0]
	}
	return item.Dir
}
